package ratelimit

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewUsageIngestLimiter),
	fx.Invoke(registerLimiterHooks),
)

func registerLimiterHooks(lc fx.Lifecycle, limiter *UsageIngestLimiter) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return limiter.Close()
		},
	})
}
