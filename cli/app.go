package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"optrack.evalgo.org/common"
	"optrack.evalgo.org/config"
	"optrack.evalgo.org/coordinator"
	boltdb "optrack.evalgo.org/db/bolt"
	redisdb "optrack.evalgo.org/db/redis"
	httpapi "optrack.evalgo.org/http"
	"optrack.evalgo.org/issues"
	"optrack.evalgo.org/metrics"
	"optrack.evalgo.org/refresh"
	"optrack.evalgo.org/statemanager"
	"optrack.evalgo.org/version"
)

// eventBuffer is the capacity of the stream -> reconciler channel
const eventBuffer = 256

// snapshotSink is what the refresh channels write into and /data reads from
type snapshotSink interface {
	refresh.Sink[json.RawMessage]
	httpapi.Snapshot
}

// App holds the wired optrack components
type App struct {
	cfg    *config.Config
	logger *logrus.Entry
	base   *logrus.Logger
	hook   *issues.Hook

	Issues     *issues.Log
	Metrics    *metrics.Metrics
	Manager    *statemanager.Manager
	Reconciler *statemanager.Reconciler
	Refresh    *refresh.Coordinator[json.RawMessage]
	Stream     *coordinator.Coordinator
	Snapshot   snapshotSink
	Echo       *echo.Echo

	history *redisdb.HistoryStore
	db      *boltdb.DB
	events  chan []byte
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewApp builds every component from cfg. Optional backends (Redis, bbolt,
// the stream, the fetch endpoints) are skipped when not configured.
func NewApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = common.Logger
	}

	a := &App{
		cfg:     cfg,
		logger:  logrus.NewEntry(logger).WithField("component", "app"),
		base:    logger,
		Issues:  issues.NewLog(cfg.Issues.Capacity),
		Metrics: metrics.NewMetrics("optrack"),
		events:  make(chan []byte, eventBuffer),
	}
	a.hook = issues.NewHook(a.Issues, logrus.ErrorLevel)
	logger.AddHook(a.hook)

	smCfg := statemanager.Config{
		LiveRetention:    cfg.Tracker.LiveRetention,
		HistoryRetention: cfg.Tracker.HistoryRetention,
		Observer:         a.Metrics,
		Logger:           logrus.NewEntry(logger),
	}
	if cfg.Redis.URL != "" {
		history, err := redisdb.NewHistoryStore(ctx, redisdb.Config{
			RedisURL:  cfg.Redis.URL,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Retention: cfg.Tracker.HistoryRetention,
			Logger:    logrus.NewEntry(logger),
		})
		if err != nil {
			a.detachHook()
			return nil, err
		}
		a.history = history
		smCfg.HistoryObserver = history

		if recent, err := history.Recent(ctx); err == nil {
			a.logger.WithField("entries", len(recent)).Info("Connected to Redis history mirror")
		}
	}
	a.Manager = statemanager.New(smCfg)
	a.Reconciler = statemanager.NewReconciler(a.Manager, a.Issues, logrus.NewEntry(logger))

	if err := a.openSnapshot(logger); err != nil {
		a.closeStores()
		a.detachHook()
		return nil, err
	}

	if cfg.Backend.FullURL != "" {
		fastURL := cfg.Backend.FastURL
		if fastURL == "" {
			fastURL = cfg.Backend.FullURL
		}
		fetcher := httpapi.NewFetcher(0, logrus.NewEntry(logger))
		// failures reach the issue log through the hook
		a.Refresh = refresh.NewCoordinator(
			refresh.Config{
				FullInterval: cfg.Refresh.FullInterval,
				FastInterval: cfg.Refresh.FastInterval,
				FetchTimeout: cfg.Refresh.FetchTimeout,
			},
			fetcher.FetchFunc(cfg.Backend.FullURL),
			fetcher.FetchFunc(fastURL),
			a.Snapshot,
			refresh.WithLogger(logrus.NewEntry(logger)),
			refresh.WithObserver(a.Metrics),
		)
	}

	if cfg.Backend.StreamURL != "" {
		a.Stream = coordinator.New(coordinator.Config{
			URL:                   cfg.Backend.StreamURL,
			ReconnectInitialDelay: cfg.Backend.ReconnectInitial,
			ReconnectMaxDelay:     cfg.Backend.ReconnectMax,
			PingInterval:          cfg.Backend.PingInterval,
			Logger:                logrus.NewEntry(logger),
			Issues:                a.Issues,
		})
		a.Stream.Bind(a.events, a.refresher())
		a.Stream.OnConnected(func() {
			a.Issues.ClearError()
		})
		a.Stream.OnDisconnected(func(err error) {
			if err != nil {
				a.Issues.SetError("Lost connection to backend: " + err.Error())
			}
		})
	}

	a.Echo = httpapi.NewEchoServer(a.serverConfig())
	api := &httpapi.API{
		Service:  "optrack",
		Version:  version.GetVersion(),
		Manager:  a.Manager,
		Issues:   a.Issues,
		Snapshot: a.Snapshot,
		Metrics:  a.Metrics,
	}
	if a.Refresh != nil {
		api.Refresher = a.Refresh
		api.LastRefresh = a.Refresh.LastRuns
	}
	if a.Stream != nil {
		api.Connected = a.Stream.IsConnected
	}
	api.Register(a.Echo)

	return a, nil
}

func (a *App) openSnapshot(logger *logrus.Logger) error {
	if a.cfg.Storage.SnapshotPath == "" {
		a.Snapshot = refresh.NewMemorySink[json.RawMessage]()
		return nil
	}

	db, err := boltdb.Open(a.cfg.Storage.SnapshotPath)
	if err != nil {
		return err
	}
	a.db = db

	sink, err := boltdb.NewSnapshotSink(db, "backend", logrus.NewEntry(logger))
	if err != nil {
		return err
	}
	if err := sink.Load(); err != nil {
		return err
	}
	a.Snapshot = sink
	return nil
}

func (a *App) refresher() coordinator.Refresher {
	if a.Refresh == nil {
		return noopRefresher{}
	}
	return a.Refresh
}

func (a *App) serverConfig() httpapi.ServerConfig {
	sc := httpapi.DefaultServerConfig()
	sc.Host = a.cfg.Server.Host
	sc.Port = a.cfg.Server.Port
	sc.Debug = a.cfg.Server.Debug
	sc.RateLimit = a.cfg.Server.RateLimit
	if a.cfg.Server.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = a.cfg.Server.ShutdownTimeout
	}
	return sc
}

// Start launches the reconciler, connects the stream and requests the
// initial full refresh. It does not start the HTTP server.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Reconciler.Run(ctx, a.events); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.WithError(err).Error("Reconciler stopped")
		}
	}()

	if a.Stream != nil {
		if err := a.Stream.Connect(); err != nil {
			return fmt.Errorf("failed to connect stream: %w", err)
		}
	}

	if a.Refresh != nil {
		a.Refresh.RequestFull(true)
	}
	return nil
}

// Serve runs the HTTP server until Shutdown is called
func (a *App) Serve() error {
	return httpapi.StartServer(a.Echo, a.logger)
}

// Shutdown stops all components in reverse dependency order
func (a *App) Shutdown() error {
	var errs []error

	if err := httpapi.GracefulShutdown(a.Echo, a.serverConfig().ShutdownTimeout, a.logger); err != nil {
		errs = append(errs, err)
	}
	if a.Stream != nil {
		if err := a.Stream.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Refresh != nil {
		a.Refresh.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.Manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.closeStores(); err != nil {
		errs = append(errs, err)
	}

	if a.cfg.Issues.File != "" && a.Issues.Len() > 0 {
		if err := a.Issues.SaveTo(a.cfg.Issues.File); err != nil {
			errs = append(errs, err)
		} else {
			a.logger.WithField("file", a.cfg.Issues.File).Info("Saved issue log")
		}
	}
	a.detachHook()

	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.history != nil {
		errs = append(errs, a.history.Close())
		a.history = nil
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	return errors.Join(errs...)
}

// detachHook removes the issue hook from the logger NewApp was given
func (a *App) detachHook() {
	if a.hook == nil {
		return
	}
	hooks := make(logrus.LevelHooks)
	for level, hs := range a.base.Hooks {
		for _, h := range hs {
			if h != logrus.Hook(a.hook) {
				hooks[level] = append(hooks[level], h)
			}
		}
	}
	a.base.ReplaceHooks(hooks)
	a.hook = nil
}

type noopRefresher struct{}

func (noopRefresher) RequestFull(bool) {}
func (noopRefresher) RequestFast(bool) {}
