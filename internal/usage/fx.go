package usage

import (
	"github.com/smallbiznis/usagesvc/internal/usage/dispatch"
	"github.com/smallbiznis/usagesvc/internal/usage/enrich"
	"github.com/smallbiznis/usagesvc/internal/usage/repository"
	"github.com/smallbiznis/usagesvc/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	enrich.Module,
	fx.Provide(
		repository.ProvideDedupLock,
		repository.ProvideAggregates,
		repository.ProvideEventLog,
		service.NewService,
	),
	dispatch.Module,
)
