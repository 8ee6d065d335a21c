package pricing

import (
	"github.com/smallbiznis/usagesvc/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("pricing",
	fx.Provide(func(cfg config.Config, log *zap.Logger) (*Holder, error) {
		return NewHolder(cfg.Pricing.File, cfg.Pricing.Watch, log.Named("pricing"))
	}),
	fx.Provide(func(h *Holder) Source { return h }),
)
