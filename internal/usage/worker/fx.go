package worker

import (
	"context"

	"github.com/smallbiznis/licensegate/internal/usage/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("usage.worker",
	fx.Provide(ProvideConfig),
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, worker *Worker, tracker *service.Tracker, log *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})

			go func() {
				defer close(done)
				_ = worker.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			if cancel != nil {
				cancel()
				<-done
			}
			if err := tracker.Close(stopCtx); err != nil {
				log.Warn("final usage flush failed", zap.Error(err))
				return err
			}
			return nil
		},
	})
}
