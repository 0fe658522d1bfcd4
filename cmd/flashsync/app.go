package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/smith3v/flashsync/pkg/alerts"
	"github.com/smith3v/flashsync/pkg/config"
	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/logger"
	"github.com/smith3v/flashsync/pkg/reachability"
	"github.com/smith3v/flashsync/pkg/remote"
	"github.com/smith3v/flashsync/pkg/selection"
	"github.com/smith3v/flashsync/pkg/study"
	"github.com/smith3v/flashsync/pkg/syncqueue"
	"github.com/spf13/cobra"
)

const defaultProbeTimeout = 5 * time.Second

// app holds everything a command needs, built from the loaded config.
type app struct {
	cfg      config.Config
	store    *db.Store
	monitor  *reachability.Monitor
	checker  reachability.Checker
	queue    *syncqueue.Queue
	service  *study.Service
	notifier *alerts.Notifier
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	config.AppConfig = cfg

	if err := logger.Configure(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File}); err != nil {
		logger.Error("failed to configure logger", "error", err)
	}

	if err := db.InitDB(cfg.Database); err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	store := db.NewStore(db.DB)

	a := &app{
		cfg:     cfg,
		store:   store,
		monitor: reachability.NewMonitor(false),
	}

	dispatch := syncqueue.NewDispatch()
	if cfg.Remote.BaseURL != "" {
		client, err := remote.New(cfg.Remote.BaseURL, cfg.Remote.Timeout)
		if err != nil {
			a.Close()
			return nil, err
		}
		dispatch = syncqueue.RemoteDispatch(client)
		a.checker = client
	} else {
		logger.Warn("no remote configured, changes stay queued locally")
	}
	if cfg.Reachability.ProbeURL != "" {
		a.checker = urlChecker{url: cfg.Reachability.ProbeURL, client: &http.Client{}}
	}

	opts := []syncqueue.Option{
		syncqueue.WithReachability(a.monitor),
		syncqueue.WithCredential(func() string { return cfg.Remote.Token }),
	}
	notifier, err := alerts.FromConfig(cfg.Alerts)
	if err != nil {
		logger.Error("failed to set up alerts", "error", err)
	}
	if notifier != nil {
		a.notifier = notifier
		opts = append(opts, syncqueue.WithObserver(notifier))
	}
	a.queue = syncqueue.New(store, dispatch, syncqueue.ConfigFrom(cfg.Sync), opts...)

	settings, err := study.SettingsFrom(cfg.Review)
	if err != nil {
		a.Close()
		return nil, err
	}
	var engineOpts []selection.Option
	if cfg.Review.SweepSilences {
		engineOpts = append(engineOpts, selection.WithSweeper(store))
	}
	a.service = study.NewService(store, a.queue, selection.NewEngine(store, engineOpts...), settings)
	return a, nil
}

// probe updates reachability once, for commands that do not run the prober.
func (a *app) probe(ctx context.Context) bool {
	if a.checker == nil {
		return false
	}
	timeout := a.cfg.Remote.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := a.checker.Probe(probeCtx)
	if err != nil {
		logger.Info("remote not reachable", "error", err)
	}
	a.monitor.Set(err == nil)
	return err == nil
}

func (a *app) Close() {
	if db.DB == nil {
		return
	}
	sqlDB, err := db.DB.DB()
	if err != nil {
		logger.Error("failed to access database handle", "error", err)
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Error("failed to close database", "error", err)
	}
	db.DB = nil
	if err := logger.Close(); err != nil {
		logger.Error("failed to close log file", "error", err)
	}
}

// withApp builds the app for the duration of one command run.
func withApp(fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), cmd, a, args)
	}
}

type urlChecker struct {
	url    string
	client *http.Client
}

func (c urlChecker) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s returned status %d", c.url, resp.StatusCode)
	}
	return nil
}
