package dispatch

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("usage.dispatch",
	fx.Provide(ConfigFrom),
	fx.Provide(NewDispatcher),
	fx.Invoke(runDispatcher),
)

func runDispatcher(lc fx.Lifecycle, dispatcher *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			dispatcher.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return dispatcher.Stop(ctx)
		},
	})
}
