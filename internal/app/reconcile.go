package app

import (
	"context"
	"time"

	"yield-pilot/internal/service"
	"yield-pilot/internal/storage"
)

// RunOnce executes a single reconciliation cycle and exits. External
// schedulers (cron, systemd timers) drive repeated invocations; this core
// never retries a failed cycle on its own.
func (a *App) RunOnce(ctx context.Context) error {
	if err := a.Config.ValidateReconciliation(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	engine, err := a.newEngine()
	if err != nil {
		return err
	}
	notifier := a.newNotifier()

	var cycleStore storage.CycleStore
	if store != nil {
		cycleStore = store
	}

	svc := service.New(a.Config, nil, engine, cycleStore, notifier, a.Logger)

	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	return svc.ProcessBucket(ctx, bucket)
}
