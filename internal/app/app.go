// Package app wires every offlinekit component from a Config and runs them
// together with the admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/offlinekit/internal/batcher"
	"github.com/wudi/offlinekit/internal/cache"
	"github.com/wudi/offlinekit/internal/compress"
	"github.com/wudi/offlinekit/internal/config"
	"github.com/wudi/offlinekit/internal/logging"
	"github.com/wudi/offlinekit/internal/metrics"
	"github.com/wudi/offlinekit/internal/peerbus"
	"github.com/wudi/offlinekit/internal/realtime"
	"github.com/wudi/offlinekit/internal/retry"
	"github.com/wudi/offlinekit/internal/signals"
	"github.com/wudi/offlinekit/internal/store"
	"github.com/wudi/offlinekit/internal/syncfreq"
	"github.com/wudi/offlinekit/internal/tracing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EventSyncCompleted is emitted after a sync run that changed anything.
const EventSyncCompleted = "sync_completed"

const shutdownTimeout = 30 * time.Second

// Option configures New.
type Option func(*options)

type options struct {
	store       store.Store
	bus         peerbus.Bus
	busSet      bool
	pusher      Pusher
	tracingOpts []tracing.Option
}

// WithStore uses s instead of the store named in the config.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithBus uses bus instead of the broadcast transport named in the config.
// A nil bus disables broadcast.
func WithBus(bus peerbus.Bus) Option {
	return func(o *options) { o.bus, o.busSet = bus, true }
}

// WithPusher sends write intents through push.
func WithPusher(push Pusher) Option {
	return func(o *options) { o.pusher = push }
}

// WithTracingOptions passes opts to the tracer.
func WithTracingOptions(opts ...tracing.Option) Option {
	return func(o *options) { o.tracingOpts = append(o.tracingOpts, opts...) }
}

// App owns every component and their lifecycle.
type App struct {
	cfg        *config.Config
	configPath string

	store   store.Store
	redis   *redis.Client
	codec   *compress.Instrumented
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	signals *signals.Manual
	bus     peerbus.Bus

	Cache   *cache.Manager
	Batcher *batcher.Batcher
	Errors  *retry.Handler
	Queue   *WriteQueue
	Sync    *syncfreq.Manager
	Events  *realtime.Manager

	watcher   *config.Watcher
	admin     *http.Server
	started   time.Time
	closeOnce sync.Once
}

// New builds the components described by cfg. configPath enables the
// config watcher when non-empty.
func New(cfg *config.Config, configPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:        cfg,
		configPath: configPath,
		metrics:    metrics.NewCollector(),
		signals:    signals.NewManual(),
	}

	tracer, err := tracing.New(cfg.Tracing, o.tracingOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracer = tracer

	a.store = o.store
	if a.store == nil {
		if a.store, err = a.newStore(cfg.Store); err != nil {
			return nil, err
		}
	}

	codec, err := compress.New(cfg.Cache.Codec, cfg.Cache.CodecLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize codec: %w", err)
	}
	a.codec = compress.Instrument(codec)

	a.Cache = cache.New(a.store, cfg.Cache,
		cache.WithCodec(a.codec),
		cache.WithMetrics(a.metrics),
		cache.WithTable(cfg.Store.Table),
	)
	a.Batcher = batcher.New(cfg.Batcher, a.metrics)
	a.Errors = retry.NewHandler(cfg.Retry, a.metrics)

	if o.busSet {
		a.bus = o.bus
	} else if a.bus, err = peerbus.New(cfg.Broadcast); err != nil {
		return nil, fmt.Errorf("failed to initialize broadcast: %w", err)
	}

	eventOpts := []realtime.Option{
		realtime.WithSignals(a.signals),
		realtime.WithMetrics(a.metrics),
	}
	if a.bus != nil {
		eventOpts = append(eventOpts, realtime.WithBus(a.bus, cfg.Broadcast.RateLimit, cfg.Broadcast.Burst))
	}
	a.Events = realtime.New(cfg.Realtime, eventOpts...)

	a.Queue = NewWriteQueue(a.store, o.pusher)
	a.Sync = syncfreq.New(cfg.Sync, &notifyingEngine{engine: a.Queue, events: a.Events}, a.Queue, a.Errors, a.signals, a.metrics)

	if cfg.Admin.Enabled {
		a.admin = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      a.tracer.Middleware(a.Handler()),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

func (a *App) newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "memory", "":
		return store.NewMemoryStore(cfg.Shards), nil
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		return store.NewRedisStore(a.redis, cfg.Redis.Prefix, cfg.Redis.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// Signals returns the environment signal source the app feeds from the
// admin API.
func (a *App) Signals() *signals.Manual {
	return a.signals
}

// Metrics returns the metrics collector.
func (a *App) Metrics() *metrics.Collector {
	return a.metrics
}

// Start initializes the store and starts the background components.
func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()

	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	a.Cache.Start()

	if err := a.Events.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event manager: %w", err)
	}
	if err := a.Sync.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync scheduler: %w", err)
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath)
		if err != nil {
			logging.Warn("config watcher unavailable", zap.String("path", a.configPath), zap.Error(err))
		} else {
			w.OnChange(a.applyConfig)
			if err := w.Start(); err != nil {
				logging.Warn("config watcher failed to start", zap.Error(err))
			} else {
				a.watcher = w
			}
		}
	}

	logging.Info("offlinekit started",
		zap.String("store", a.cfg.Store.Type),
		zap.String("broadcast", a.cfg.Broadcast.Type),
		zap.String("codec", a.codec.Name()),
	)
	return nil
}

// applyConfig applies the settings that can change without a restart.
func (a *App) applyConfig(cfg *config.Config) {
	logging.SetLevel(cfg.Logging.Level)
	if err := a.Sync.Reconfigure(cfg.Sync); err != nil {
		logging.Warn("sync config rejected", zap.Error(err))
		return
	}
	logging.Info("config reloaded",
		zap.String("log_level", cfg.Logging.Level),
		zap.Duration("active_user_interval", cfg.Sync.ActiveUserInterval),
	)
}

// Run starts the app and the admin server, blocks until ctx is done or
// the admin server fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.admin != nil {
		ln, err := net.Listen("tcp", a.admin.Addr)
		if err != nil {
			a.Close()
			return fmt.Errorf("admin listener: %w", err)
		}
		g.Go(func() error {
			logging.Info("Starting admin server", zap.String("address", ln.Addr().String()))
			if err := a.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server error: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down gracefully...")
		return a.Shutdown(shutdownTimeout)
	})
	return g.Wait()
}

// Shutdown stops the admin server and then every component.
func (a *App) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.admin != nil {
		if err := a.admin.Shutdown(ctx); err != nil {
			logging.Error("Admin server shutdown error", zap.Error(err))
		}
	}
	a.Close()

	if err := a.tracer.Close(ctx); err != nil {
		logging.Warn("tracer shutdown error", zap.Error(err))
	}
	logging.Info("Shutdown complete")
	return nil
}

// Close stops the components in dependency order. It is safe to call more
// than once.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.Sync.Stop()
	a.Events.Destroy()
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			logging.Warn("broadcast bus close error", zap.Error(err))
		}
	}
	a.Batcher.Close()
	a.Cache.Close()
	if err := a.store.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
		logging.Warn("store close error", zap.Error(err))
	}
}

// notifyingEngine announces completed sync runs on the event bus.
type notifyingEngine struct {
	engine syncfreq.Engine
	events *realtime.Manager
}

func (n *notifyingEngine) PerformSync(ctx context.Context) (syncfreq.Result, error) {
	res, err := n.engine.PerformSync(ctx)
	if res.Synced > 0 || len(res.Conflicts) > 0 {
		prio := realtime.PriorityMedium
		if len(res.Conflicts) > 0 {
			prio = realtime.PriorityHigh
		}
		if _, emitErr := n.events.Emit(ctx, EventSyncCompleted, res, realtime.EmitOptions{
			Priority:  prio,
			Broadcast: true,
		}); emitErr != nil {
			logging.Debug("sync completion not announced", zap.Error(emitErr))
		}
	}
	return res, err
}
