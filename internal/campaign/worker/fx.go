package worker

import (
	"context"

	campaignservice "github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/campaign/service"
	"github.com/Konstantinos-Pechlivanidis/astronote-shopify-backend-sub000/internal/queue"
	"go.uber.org/fx"
)

// Module wires the queue handlers and the background loops of the worker
// process.
var Module = fx.Module("campaign.worker",
	fx.Provide(
		NewBatchWorker,
		NewReconciler,
		NewSweeper,
	),
	fx.Invoke(registerHandlers),
	fx.Invoke(startLoops),
)

func registerHandlers(runner *queue.Runner, batch *BatchWorker, reconciler *Reconciler) {
	runner.Register(campaignservice.JobKindCampaignBatch, batch.Handle)
	runner.Register(JobKindDeliveryCheck, reconciler.Handle)
}

func startLoops(lc fx.Lifecycle, runner *queue.Runner, sweeper *Sweeper) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				runner.RunForever(ctx)
				done <- struct{}{}
			}()
			go func() {
				sweeper.RunForever(ctx)
				done <- struct{}{}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			for i := 0; i < 2; i++ {
				select {
				case <-done:
				case <-stopCtx.Done():
					return stopCtx.Err()
				}
			}
			return nil
		},
	})
}
