package syncqueue

import (
	"context"
	"time"

	"github.com/smith3v/flashsync/pkg/logger"
	"github.com/smith3v/flashsync/pkg/reachability"
)

// Run drives the queue until ctx ends: it drains on every transition to
// reachable and on Notify, at most once per MinTriggerInterval, drains
// periodically and removes old synced operations. Triggers arriving inside
// the interval are coalesced into one drain at its end.
func (q *Queue) Run(ctx context.Context, edges <-chan reachability.Edge) {
	var drainTick, cleanupTick <-chan time.Time
	if q.cfg.DrainInterval > 0 {
		ticker := time.NewTicker(q.cfg.DrainInterval)
		defer ticker.Stop()
		drainTick = ticker.C
	}
	if q.cfg.CleanupInterval > 0 && q.cfg.SyncedRetention > 0 {
		ticker := time.NewTicker(q.cfg.CleanupInterval)
		defer ticker.Stop()
		cleanupTick = ticker.C
	}

	var (
		lastDrain time.Time
		deferred  *time.Timer
		deferredC <-chan time.Time
	)
	defer func() {
		if deferred != nil {
			deferred.Stop()
		}
	}()

	trigger := func(source string) {
		now := q.now()
		if wait := q.cfg.MinTriggerInterval - now.Sub(lastDrain); !lastDrain.IsZero() && wait > 0 {
			if deferredC == nil {
				logger.Debug("sync drain deferred", "source", source, "wait", wait)
				deferred = time.NewTimer(wait)
				deferredC = deferred.C
			}
			return
		}
		lastDrain = now
		q.runDrain(ctx, source)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case edge, ok := <-edges:
			if !ok {
				edges = nil
				continue
			}
			if edge == reachability.BecameReachable {
				trigger("reachability")
			}
		case <-q.kick:
			trigger("enqueue")
		case <-deferredC:
			deferred, deferredC = nil, nil
			lastDrain = q.now()
			q.runDrain(ctx, "deferred")
		case <-drainTick:
			trigger("interval")
		case <-cleanupTick:
			if _, err := q.Cleanup(ctx, q.cfg.SyncedRetention); err != nil {
				logger.Error("failed to clean up synced operations", "error", err)
			}
		}
	}
}

func (q *Queue) runDrain(ctx context.Context, source string) {
	report, err := q.Drain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("sync drain failed", "source", source, "error", err)
		}
		return
	}
	if report.Skipped {
		logger.Debug("sync drain skipped", "source", source, "reason", report.Reason)
	}
}
