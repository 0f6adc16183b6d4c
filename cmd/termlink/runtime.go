package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/user/termlink/internal/config"
	"github.com/user/termlink/internal/connstate"
	"github.com/user/termlink/internal/db"
	"github.com/user/termlink/internal/monitor"
	"github.com/user/termlink/internal/offlinequeue"
	"github.com/user/termlink/internal/pty"
	"github.com/user/termlink/internal/remotepty"
	"github.com/user/termlink/internal/sessioncache"
	"github.com/user/termlink/internal/spawn"
)

// app wires every component for one command invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *db.DB
	cache   *sessioncache.Cache
	store   *connstate.Store
	monitor *monitor.Monitor
	dialer  *remotepty.Dialer
	local   *pty.Manager
	spawner *spawn.Spawner
	queue   *offlinequeue.Queue
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, logger: logger}

	if cfg.CacheBackend != config.CacheMemory {
		database, err := db.Open(ctx, cfg.DBPath())
		if err != nil {
			return nil, err
		}
		a.db = database
	}

	var storage sessioncache.Storage
	switch cfg.CacheBackend {
	case config.CacheSQLite:
		storage = sessioncache.NewSQLStorage(db.NewKVRepo(a.db.SQL()))
	case config.CacheFile:
		storage = sessioncache.NewFileStorage(cfg.CacheFilePath())
	default:
		storage = sessioncache.NewMemoryStorage()
	}
	a.cache = sessioncache.New(storage, sessioncache.WithLogger(logger))

	a.store = connstate.NewStore(cfg.Policy(), connstate.WithLogger(logger))
	a.monitor = monitor.New(a.store, logger)
	a.local = pty.NewManager(logger)
	a.spawner = &spawn.Spawner{Local: a.local, Logger: logger}

	token := func() string { return cfg.Token }
	if cfg.Remote() {
		a.dialer = remotepty.NewDialer(remotepty.Config{
			BaseURL:        cfg.ServerURL,
			Token:          token,
			Cache:          a.cache,
			ConnectTimeout: cfg.ConnectTimeout,
			Logger:         logger,
		})
		a.spawner.Remote = a.dialer
		a.spawner.Store = a.store
	}

	qopts := []offlinequeue.Option{
		offlinequeue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		offlinequeue.WithRetryDelay(cfg.Queue.RetryDelay),
		offlinequeue.WithLogger(logger),
	}
	if a.db != nil {
		qopts = append(qopts, offlinequeue.WithPersister(offlinequeue.NewSQLPersister(db.NewActionRepo(a.db.SQL()))))
	}
	a.queue = offlinequeue.New(offlinequeue.NewHTTPExecutor(cfg.ServerURL, token), qopts...)
	if err := a.queue.Restore(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("restore offline queue: %w", err)
	}
	return a, nil
}

// background runs the reachability prober and the queue watcher until ctx
// is done. The returned func waits for both to stop.
func (a *app) background(ctx context.Context) (wait func() error) {
	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Remote() {
		prober, err := monitor.NewProber(a.cfg.ServerURL, a.cfg.ProbeInterval)
		if err != nil {
			a.logger.Warn("reachability probe disabled", "error", err)
		} else {
			g.Go(func() error {
				prober.Run(gctx, a.monitor)
				return nil
			})
		}
	}

	stopWatch := a.queue.Watch(gctx, a.store)
	g.Go(func() error {
		<-gctx.Done()
		stopWatch()
		return nil
	})
	return g.Wait
}

// reachable reports whether the backend answers a single probe.
func (a *app) reachable(ctx context.Context) bool {
	if !a.cfg.Remote() {
		return false
	}
	prober, err := monitor.NewProber(a.cfg.ServerURL, a.cfg.ProbeInterval)
	if err != nil {
		return false
	}
	return prober.Probe(ctx)
}

func (a *app) Close() error {
	var errs []error
	if a.local != nil {
		a.local.Close()
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
