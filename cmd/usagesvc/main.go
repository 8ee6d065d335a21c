package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/usagesvc/internal/clock"
	"github.com/smallbiznis/usagesvc/internal/config"
	"github.com/smallbiznis/usagesvc/internal/fxrate"
	"github.com/smallbiznis/usagesvc/internal/migration"
	"github.com/smallbiznis/usagesvc/internal/observability"
	"github.com/smallbiznis/usagesvc/internal/pricing"
	"github.com/smallbiznis/usagesvc/internal/server"
	"github.com/smallbiznis/usagesvc/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Cost inputs
		pricing.Module,
		fxrate.Module,

		// Schema before traffic
		migration.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
