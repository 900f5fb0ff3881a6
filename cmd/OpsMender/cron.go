package main

import (
	"context"
	"time"

	"OpsMender/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// stuckPlanAge is how long a plan may stay executing before the reaper
// fails it. Keep above executeBudget so the reaper never races a live
// execution.
const stuckPlanAge = 15 * time.Minute

// planReaper runs the periodic sweeps on a cron schedule. It implements
// kratos transport.Server so it starts and stops with the application.
type planReaper struct {
	plans      *biz.PlanUsecase
	dispatcher *biz.Dispatcher
	cron       *cron.Cron
	helper     *log.Helper
}

// newPlanReaper creates the reaper with a stuck-plan sweep every minute
// and an hourly sweep surfacing permanently failed notifications.
func newPlanReaper(plans *biz.PlanUsecase, dispatcher *biz.Dispatcher, logger log.Logger) (*planReaper, error) {
	helper := log.NewHelper(logger)

	r := &planReaper{
		plans:      plans,
		dispatcher: dispatcher,
		cron:       cron.New(cron.WithSeconds()),
		helper:     helper,
	}

	// Every minute, on the minute.
	_, err := r.cron.AddFunc("0 * * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reaped, err := r.plans.ReapStuck(ctx, stuckPlanAge)
		if err != nil {
			helper.Errorw("stuck plan sweep failed", "error", err)
			return
		}
		if reaped > 0 {
			helper.Infow("stuck plan sweep completed", "reaped", reaped)
		}
	})
	if err != nil {
		return nil, err
	}

	// Hourly, failed notifications stay in the table until an operator
	// reconciles them; this keeps them from rotting there unseen.
	_, err = r.cron.AddFunc("0 0 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		failed, err := r.dispatcher.RecentFailures(ctx, 20)
		if err != nil {
			helper.Errorw("failed notification sweep failed", "error", err)
			return
		}
		for _, msg := range failed {
			lastErr := ""
			if msg.LastError != nil {
				lastErr = *msg.LastError
			}
			helper.Errorw("notification delivery exhausted, needs manual reconciliation",
				"message_id", msg.ID, "plan_id", msg.PlanID,
				"channel", msg.Channel, "attempts", msg.Attempts,
				"last_error", lastErr)
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Start launches the cron scheduler.
func (r *planReaper) Start(ctx context.Context) error {
	r.cron.Start()
	r.helper.Info("cron sweeps started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep.
func (r *planReaper) Stop(ctx context.Context) error {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.helper.Info("plan reaper stopped")
	return nil
}
