package enrich

import (
	"github.com/smallbiznis/usagesvc/internal/clock"
	"github.com/smallbiznis/usagesvc/internal/config"
	"github.com/smallbiznis/usagesvc/internal/fxrate"
	"github.com/smallbiznis/usagesvc/internal/observability/metrics"
	"github.com/smallbiznis/usagesvc/internal/pricing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config  config.Config
	Pricing pricing.Source
	FX      *fxrate.Cache
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Pipeline `optional:"true"`
}

var Module = fx.Module("usage.enrich",
	fx.Provide(func(p Params) *Enricher {
		return New(p.Pricing, p.FX, p.Clock, ConfigFrom(p.Config), p.Log.Named("usage.enrich"), p.Metrics)
	}),
)
