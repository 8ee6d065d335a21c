package fxrate

import (
	"context"

	"github.com/smallbiznis/usagesvc/internal/clock"
	"github.com/smallbiznis/usagesvc/internal/config"
	"github.com/smallbiznis/usagesvc/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config  config.Config
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Pipeline `optional:"true"`
	Fetcher Fetcher           `optional:"true"`
}

var Module = fx.Module("fxrate",
	fx.Provide(func(p Params) *Cache {
		fetcher := p.Fetcher
		if fetcher == nil {
			fetcher = StubFetcher{}
		}
		return NewCache(fetcher, p.Clock, p.Config.Usage.FXTTL, p.Log.Named("fxrate"), p.Metrics)
	}),
	fx.Provide(func(cache *Cache, cfg config.Config, log *zap.Logger) (*Warmer, error) {
		pairs := [][2]string{{"USD", cfg.Usage.TrackedCurrency}}
		return NewWarmer(cache, cfg.Usage.FXRefreshCron, pairs, log.Named("fxrate.warmer"))
	}),
	fx.Invoke(runWarmer),
)

func runWarmer(lc fx.Lifecycle, w *Warmer) {
	if w == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return w.Start()
		},
		OnStop: func(context.Context) error {
			w.Stop()
			return nil
		},
	})
}
