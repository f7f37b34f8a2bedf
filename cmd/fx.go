package cmd

import (
	"context"

	"go.uber.org/fx"

	"github.com/cyoda-platform/cyoda-worker-go/config"
	"github.com/cyoda-platform/cyoda-worker-go/pkg/worker"
)

// NewApp builds the fx.App composition root for a worker process: load
// configuration, construct the Worker, let register add the embedding
// application's processors/criteria/models, then drive worker.Run for the
// lifetime of the fx.App. Pulling the Auth Provider through Dispatcher
// through Supervisor graph is pkg/worker.Run's job; fx here only owns the
// process lifecycle around it (OnStart spawns the run loop, OnStop cancels
// it and waits), the same split the teacher draws between its fx.App and
// the service.Module/grpcsrv.Module it wires.
func NewApp(cfgPath string, register func(w *worker.Worker) error) *fx.App {
	return fx.New(
		fx.Provide(
			func() (*config.Config, error) { return config.Load(cfgPath) },
			worker.New,
		),
		fx.Invoke(func(lc fx.Lifecycle, w *worker.Worker, cfg *config.Config) error {
			if register != nil {
				if err := register(w); err != nil {
					return err
				}
			}

			runCtx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)

			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go func() { done <- w.Run(runCtx, cfg) }()
					return nil
				},
				OnStop: func(ctx context.Context) error {
					cancel()
					select {
					case err := <-done:
						return err
					case <-ctx.Done():
						return ctx.Err()
					}
				},
			})
			return nil
		}),
		fx.NopLogger,
	)
}
