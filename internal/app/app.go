// Package app assembles the daemon: configuration, logging, the service
// registry, the queue stack and the HTTP transport. Embedders declare
// their services and job handlers through options; everything else is
// wired from Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/keel/internal/auth"
	"github.com/yungbote/keel/internal/observability"
	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue"
	"github.com/yungbote/keel/internal/queue/adapter"
	"github.com/yungbote/keel/internal/queue/adaptive"
	"github.com/yungbote/keel/internal/queue/gormq"
	"github.com/yungbote/keel/internal/queue/memq"
	"github.com/yungbote/keel/internal/queue/reaper"
	"github.com/yungbote/keel/internal/queue/redisq"
	"github.com/yungbote/keel/internal/service"
	"github.com/yungbote/keel/internal/tenant"
	"github.com/yungbote/keel/internal/transport/httpapi"
)

type App struct {
	Log      *logger.Logger
	Cfg      Config
	Services *service.App
	Adapter  *adapter.Adapter
	Auth     *auth.Registry
	Metrics  *observability.Metrics
	Recorder *observability.Recorder

	backend  queue.Backend
	executor *adaptive.Executor
	sweeper  *reaper.Reaper
	http     *httpapi.Server
	execCtx  any
	closers  []func() error
}

type registration struct {
	path string
	svc  service.Service
}

type options struct {
	cfg      *Config
	services []registration
	handlers []queue.Handler
	execCtx  any
}

type Option func(*options)

// WithConfig bypasses LoadConfig. Embedders and tests use it to supply
// a fully resolved configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = &cfg }
}

// WithService mounts a service at path during construction.
func WithService(path string, svc service.Service) Option {
	return func(o *options) {
		o.services = append(o.services, registration{path: path, svc: svc})
	}
}

// WithJobHandler registers a queue handler during construction. A
// duplicate job type fails New.
func WithJobHandler(h queue.Handler) Option {
	return func(o *options) { o.handlers = append(o.handlers, h) }
}

// WithExecContext sets the value handed to every job handler execution.
// Defaults to the service app.
func WithExecContext(v any) Option {
	return func(o *options) { o.execCtx = v }
}

func New(opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log, err := logger.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	var cfg Config
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		cfg, err = LoadConfig()
		if err != nil {
			log.Sync()
			return nil, err
		}
	}

	a := &App{Log: log, Cfg: cfg}

	a.Metrics = observability.NewMetrics()
	expo := observability.NewExposition()
	a.Metrics.RegisterOn(expo)
	a.Recorder = observability.NewRecorder(log)
	expo.Register(a.Recorder)

	a.Services = service.NewApp(log, service.WithCallObserver(a.observeCall))
	for _, reg := range o.services {
		if _, err := a.Services.Register(reg.path, reg.svc); err != nil {
			log.Sync()
			return nil, err
		}
	}

	if err := a.buildBackend(); err != nil {
		a.Close()
		return nil, err
	}

	execCfg := adaptive.DefaultConfig(cfg.Queue.MaxWorkers)
	if cfg.MinWorkers > 0 {
		execCfg.MinWorkers = int64(cfg.MinWorkers)
	}
	execOpts := []adaptive.Option{adaptive.WithMetrics(a.Metrics)}
	if sampler := a.depthSampler(); sampler != nil {
		execOpts = append(execOpts, adaptive.WithSampler(sampler))
	}
	a.executor = adaptive.New(log, execCfg, execOpts...)

	a.Adapter = adapter.New(log, a.backend, cfg.Queue,
		adapter.WithMetrics(a.Metrics),
		adapter.WithLimiter(a.executor),
		adapter.WithExecObserver(a.executor.Observe, a.Recorder.ObserveExecution),
	)
	for _, h := range o.handlers {
		if err := a.Adapter.RegisterHandler(h); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.execCtx = o.execCtx
	if a.execCtx == nil {
		a.execCtx = a.Services
	}

	a.Auth = auth.NewRegistry(log, a.Services)
	if err := a.Auth.Register(auth.NewLocal(a.Auth)); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.Auth.Register(auth.NewJWT(cfg.JWTSecret, auth.WithTTL(cfg.AccessTokenTTL))); err != nil {
		a.Close()
		return nil, err
	}

	if rec, ok := a.backend.(queue.Reclaimer); ok {
		a.sweeper = reaper.New(log, rec,
			reaper.WithInterval(cfg.ReaperInterval),
			reaper.WithOnReclaim(func(n int) { a.Metrics.LeasesReclaimed.Add(float64(n)) }),
		)
	}

	httpOpts := []httpapi.Option{
		httpapi.WithAdapter(a.Adapter),
		httpapi.WithRecorder(a.Recorder),
		httpapi.WithMetrics(a.Metrics),
		httpapi.WithExposition(expo),
	}
	if len(cfg.CORSOrigins) > 0 {
		httpOpts = append(httpOpts, httpapi.WithCORSOrigins(cfg.CORSOrigins...))
	}
	a.http = httpapi.New(log, a.Services, httpOpts...)

	return a, nil
}

// Backend exposes the selected queue store.
func (a *App) Backend() queue.Backend { return a.backend }

// Handler exposes the HTTP surface for embedding in another server.
func (a *App) Handler() http.Handler { return a.http.Handler() }

func (a *App) observeCall(path string, m service.Method, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = string(errdefs.KindOf(err))
	}
	a.Metrics.ServiceCalls.Inc(path, string(m), status)
	a.Metrics.ServiceLatency.Observe(d.Seconds(), path, string(m))
}

func (a *App) buildBackend() error {
	switch a.Cfg.Backend {
	case BackendMemory:
		a.backend = memq.New(a.Log,
			memq.WithLeaseDuration(a.Cfg.Queue.LeaseDuration),
			memq.WithEventSink(a.Recorder.Record))

	case BackendGorm:
		db, err := gorm.Open(postgres.Open(a.Cfg.Postgres.DSN()), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			TranslateError:                           true,
			Logger:                                   gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		if sqlDB, derr := db.DB(); derr == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		b := gormq.New(a.Log, db,
			gormq.WithLeaseDuration(a.Cfg.Queue.LeaseDuration),
			gormq.WithEventSink(a.Recorder.Record))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.Migrate(ctx); err != nil {
			return err
		}
		a.backend = b

	case BackendRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:        a.Cfg.RedisAddr,
			DialTimeout: 5 * time.Second,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		a.backend = redisq.New(a.Log, rdb,
			redisq.WithLeaseDuration(a.Cfg.Queue.LeaseDuration),
			redisq.WithEventSink(a.Recorder.Record))

	default:
		return fmt.Errorf("unknown queue backend %q", a.Cfg.Backend)
	}

	a.Log.Info("queue backend ready", "backend", a.Cfg.Backend)
	return nil
}

// depthSampler sums the waiting backlog across every worker tenant, or
// nil when the backend cannot report depth.
func (a *App) depthSampler() adaptive.Sampler {
	dr, ok := a.backend.(queue.DepthReporter)
	if !ok {
		return nil
	}
	samplers := make([]adaptive.Sampler, 0, len(a.Cfg.WorkerTenants))
	for _, id := range a.Cfg.WorkerTenants {
		samplers = append(samplers, adaptive.DepthSampler(dr, tenant.New(id), a.Cfg.WorkerQueues...))
	}
	return func(ctx context.Context) (int, error) {
		total := 0
		for _, s := range samplers {
			n, err := s(ctx)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	}
}

func (a *App) startWorkers(ctx context.Context) ([]*adapter.WorkerHandle, error) {
	handles := make([]*adapter.WorkerHandle, 0, len(a.Cfg.WorkerTenants))
	for _, id := range a.Cfg.WorkerTenants {
		h, err := a.Adapter.StartWorkers(ctx, tenant.New(id), a.execCtx, a.Cfg.WorkerQueues...)
		if err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.ShutdownTimeout)
			for _, prev := range handles {
				_ = prev.Stop(stopCtx)
			}
			cancel()
			return nil, fmt.Errorf("start workers for tenant %q: %w", id, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Run starts the reaper, the adaptive controller, the worker pools and
// the HTTP listener, then blocks until ctx is canceled or a component
// fails. Shutdown drains HTTP and in-flight jobs within ShutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	handles, err := a.startWorkers(gctx)
	if err != nil {
		a.Close()
		return err
	}

	if a.sweeper != nil {
		g.Go(func() error { return a.sweeper.Run(gctx) })
	}
	g.Go(func() error { return a.executor.Run(gctx) })

	httpSrv := &http.Server{
		Addr:    ":" + a.Cfg.Port,
		Handler: a.http.Handler(),
	}
	g.Go(func() error {
		a.Log.Info("http listener started", "addr", httpSrv.Addr)
		err := httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.ShutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
		for _, h := range handles {
			if err := h.Stop(shutCtx); err != nil {
				a.Log.Warn("worker drain timed out", "error", err.Error())
			}
		}
		return nil
	})

	runErr := g.Wait()
	a.Close()
	return runErr
}

// Close releases backend resources and flushes the log. Run calls it on
// the way out; call it directly when New succeeded but Run never ran.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", "error", err.Error())
		}
	}
	a.closers = nil
	a.Log.Sync()
}
