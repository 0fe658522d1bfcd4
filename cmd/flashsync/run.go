package main

import (
	"context"
	"sync"

	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/logger"
	"github.com/smith3v/flashsync/pkg/reachability"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep syncing in the background until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			var wg sync.WaitGroup
			start := func(fn func()) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					fn()
				}()
			}

			edges, release := a.monitor.Subscribe()
			defer release()
			start(func() { a.queue.Run(ctx, edges) })

			if a.notifier != nil {
				alertEdges, releaseAlerts := a.monitor.Subscribe()
				defer releaseAlerts()
				start(func() { a.notifier.WatchReachability(ctx, alertEdges) })
			}

			if a.checker != nil {
				start(func() {
					reachability.StartProber(ctx, a.monitor, a.checker, a.cfg.Reachability.Interval, a.cfg.Remote.Timeout)
				})
			}

			if a.cfg.Review.SweepSilences {
				start(func() { db.StartSilenceSweep(ctx, a.store, db.SilenceSweepInterval) })
			}

			logger.Info("flashsync running", "remote", a.cfg.Remote.BaseURL, "database", a.cfg.Database.Driver)
			<-ctx.Done()
			wg.Wait()
			logger.Info("flashsync stopped")
			return nil
		}),
	}
}
