// Package resync schedules periodic full state refetches so local state
// self-heals from drift accumulated during long disconnects or dropped
// events. Runs are routed through the engine's normal merge rules, so a
// resync can never produce duplicates or regressions.
package resync

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/logger"
)

// Target is the slice of the engine the scheduler drives.
type Target interface {
	Resync()
}

// Start validates the cron expression and starts the scheduler. An empty
// expression disables resync and returns a no-op cancel.
func Start(ctx context.Context, cronExpr string, target Target) (context.CancelFunc, error) {
	if cronExpr == "" {
		logger.Info("resync_disabled")
		return func() {}, nil
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("resync_invalid_cron", "cron", cronExpr)
		return nil, fmt.Errorf("invalid resync cron expression: %s", cronExpr)
	}
	logger.Info("resync_enabled", "cron", cronExpr)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr, target)
	return cancel, nil
}

// runScheduler computes the next tick with gronx and sleeps until then.
func runScheduler(ctx context.Context, cronExpr string, target Target) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("resync_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("resync_nexttick_failed", "cron", cronExpr, "err", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			target.Resync()
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			target.Resync()
		case <-ctx.Done():
			logger.Info("resync_scheduler_stopping")
			return
		}
	}
}
