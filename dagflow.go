// Package dagflow assembles a ready-to-run engine from configuration: the
// Redis store, metrics, tracing, the optional SQL history and the worker.
//
// Usage:
//
//	registry := workflow.NewRegistry()
//	registry.RegisterJobFunc("Fetch", fetch)
//	registry.RegisterWorkflow("IngestWorkflow", configureIngest)
//
//	rt, err := dagflow.New(cfg, registry, dagflow.WithLogger(logger))
//	defer rt.Close(context.Background())
//
//	w, err := rt.Engine().CreateWorkflow(ctx, "IngestWorkflow")
//	err = w.Start(ctx)
//	err = rt.RunWorker(ctx)
package dagflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/history"
	"github.com/BaSui01/dagflow/internal/database"
	"github.com/BaSui01/dagflow/internal/kvstore"
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/internal/server"
	"github.com/BaSui01/dagflow/internal/telemetry"
	"github.com/BaSui01/dagflow/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures the runtime created by [New].
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithPrometheus registers metrics on reg instead of the default registry.
func WithPrometheus(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registerer = reg
		o.gatherer = reg
	}
}

// Runtime owns the long-lived resources behind an Engine.
type Runtime struct {
	cfg       *config.Config
	kv        *kvstore.Client
	engine    *workflow.Engine
	metrics   *metrics.Collector
	telemetry *telemetry.Providers
	db        *database.Pool
	history   *history.Recorder
	ops       *server.Manager
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
}

// New connects to Redis and builds the engine described by cfg. History
// and telemetry are only set up when enabled.
func New(cfg *config.Config, registry *workflow.Registry, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	rt := &Runtime{
		cfg:      cfg,
		gatherer: o.gatherer,
		logger:   o.logger,
	}

	providers, err := telemetry.Init(cfg.Telemetry, o.logger)
	if err != nil {
		o.logger.Warn("telemetry disabled", zap.Error(err))
	}
	rt.telemetry = providers

	rt.kv, err = kvstore.NewClient(kvstore.Config{
		Addr:                cfg.Redis.Addr,
		Password:            cfg.Redis.Password,
		DB:                  cfg.Redis.DB,
		MaxRetries:          cfg.Redis.MaxRetries,
		PoolSize:            cfg.Redis.PoolSize,
		MinIdleConns:        cfg.Redis.MinIdleConns,
		HealthCheckInterval: cfg.Redis.HealthCheckInterval,
	}, o.logger)
	if err != nil {
		_ = rt.shutdownTelemetry(context.Background())
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	engineOpts := []workflow.Option{
		workflow.WithNamespace(cfg.Namespace),
		workflow.WithLogger(o.logger),
		workflow.WithLockOptions(workflow.LockOptions{
			Lease:        cfg.Lock.Lease,
			InitialDelay: cfg.Lock.InitialDelay,
			MaxDelay:     cfg.Lock.MaxDelay,
			Multiplier:   cfg.Lock.Multiplier,
			MaxAttempts:  cfg.Lock.MaxAttempts,
		}),
	}

	if cfg.Metrics.Enabled {
		rt.metrics = metrics.NewCollector("dagflow", o.registerer, o.logger)
		engineOpts = append(engineOpts, workflow.WithMetrics(rt.metrics))
	}

	if cfg.History.Enabled {
		if err := rt.openHistory(); err != nil {
			_ = rt.Close(context.Background())
			return nil, err
		}
		engineOpts = append(engineOpts, workflow.WithRecorder(rt.history))
	}

	rt.engine = workflow.NewEngine(rt.kv, registry, engineOpts...)
	return rt, nil
}

func (rt *Runtime) openHistory() error {
	poolCfg := database.DefaultPoolConfig()
	if rt.cfg.History.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = rt.cfg.History.MaxOpenConns
	}
	if rt.cfg.History.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = rt.cfg.History.MaxIdleConns
	}

	db, err := database.Open(rt.cfg.History.Driver, rt.cfg.History.DSN, poolCfg, rt.logger)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	rt.db = db

	rec, err := history.NewRecorder(db, rt.logger)
	if err != nil {
		return err
	}
	rt.history = rec
	return nil
}

// Engine returns the configured engine.
func (rt *Runtime) Engine() *workflow.Engine { return rt.engine }

// History returns the audit recorder, or nil when history is disabled.
func (rt *Runtime) History() *history.Recorder { return rt.history }

// KV returns the shared store client.
func (rt *Runtime) KV() *kvstore.Client { return rt.kv }

// NewWorker creates a worker using the configured queues and limits.
func (rt *Runtime) NewWorker() *workflow.Worker {
	return workflow.NewWorker(rt.engine, rt.kv, workflow.WorkerConfig{
		Queues:      rt.cfg.QueueNames(),
		Concurrency: rt.cfg.Worker.Concurrency,
		PollTimeout: rt.cfg.Worker.PollTimeout,
		RateLimit:   rt.cfg.Worker.RateLimit,
	}, rt.logger)
}

// StartOps serves /metrics and /health on the configured metrics address.
// Each wrap is applied around the ops handler, outermost first. It is a
// no-op when metrics are disabled.
func (rt *Runtime) StartOps(wrap ...func(http.Handler) http.Handler) error {
	if !rt.cfg.Metrics.Enabled {
		return nil
	}

	checks := []server.HealthCheck{{Name: "redis", Check: rt.kv.Ping}}
	if rt.db != nil {
		checks = append(checks, server.HealthCheck{Name: "history", Check: rt.db.Ping})
	}

	var handler http.Handler = server.NewOpsHandler(rt.gatherer, checks...)
	for i := len(wrap) - 1; i >= 0; i-- {
		handler = wrap[i](handler)
	}

	cfg := server.DefaultConfig()
	if rt.cfg.Metrics.Addr != "" {
		cfg.Addr = rt.cfg.Metrics.Addr
	}
	rt.ops = server.NewManager(handler, cfg, rt.logger)
	return rt.ops.Start()
}

// OpsAddr returns the address the ops server listens on, or "" when it is
// not running.
func (rt *Runtime) OpsAddr() string {
	if rt.ops == nil {
		return ""
	}
	return rt.ops.Addr()
}

// RunWorker consumes the configured queues until ctx is cancelled.
func (rt *Runtime) RunWorker(ctx context.Context) error {
	return rt.NewWorker().Run(ctx)
}

// Close releases every resource in reverse order of creation.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.ops != nil {
		if err := rt.ops.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ops server: %w", err))
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history database: %w", err))
		}
	}
	if rt.kv != nil {
		if err := rt.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := rt.shutdownTelemetry(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (rt *Runtime) shutdownTelemetry(ctx context.Context) error {
	if rt.telemetry == nil {
		return nil
	}
	if err := rt.telemetry.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
