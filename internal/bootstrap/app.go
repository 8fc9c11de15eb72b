package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/cassiomorais/checkoutsync/internal/backend"
	"github.com/cassiomorais/checkoutsync/internal/controller"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/config"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/checkoutsync/internal/infrastructure/redis"
	"github.com/cassiomorais/checkoutsync/internal/repository/boltdb"
	"github.com/cassiomorais/checkoutsync/internal/repository/memory"
	"github.com/cassiomorais/checkoutsync/internal/repository/postgres"
	"github.com/cassiomorais/checkoutsync/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	Reconciler *service.ReconciliationService
	// Sessions is set when the bolt session store is selected; its expired
	// entries need periodic sweeping.
	Sessions *boltdb.SessionStore

	tracer *sdktrace.TracerProvider
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout, serviceName)
	logger.Info().Str("instance_id", cfg.InstanceID).Msg("Starting")

	app := &App{Config: cfg, Logger: logger}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.tracer = tp
			logger.Info().Msg("Tracing enabled")
		}
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = observability.NewMetrics(metricsNamespace, app.Registry)
	logger.Info().Msg("Metrics initialized")

	app.Pool, err = postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	app.Redis, err = infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	store, locker, err := app.sessionStore()
	if err != nil {
		app.Close()
		return nil, err
	}
	logger.Info().Str("store", cfg.Session.Store).Msg("Session store ready")

	app.Reconciler = app.newReconciler(store, locker)
	return app, nil
}

func (a *App) sessionStore() (service.SessionStore, service.Locker, error) {
	cfg := a.Config.Session
	switch cfg.Store {
	case config.SessionStoreMemory:
		return memory.NewSessionStore(cfg.TTL), memory.NewLocker(), nil
	case config.SessionStoreBolt:
		store, err := boltdb.Open(cfg.BoltPath, cfg.TTL)
		if err != nil {
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		a.Sessions = store
		// A bolt file is opened by one process only.
		return store, memory.NewLocker(), nil
	default:
		return infraRedis.NewSessionStore(a.Redis, cfg.TTL), infraRedis.NewLocker(a.Redis, cfg.LockTTL), nil
	}
}

func (a *App) newReconciler(store service.SessionStore, locker service.Locker) *service.ReconciliationService {
	cfg := a.Config
	client := backend.New(cfg.Backend, a.Logger, backend.WithMetrics(a.Metrics))

	pollerCfg := service.PollerConfig{
		Interval:    cfg.Poller.Interval,
		MaxAttempts: cfg.Poller.MaxAttempts,
		MaxDuration: cfg.Poller.MaxDuration,
		ReadTimeout: cfg.Poller.ReadTimeout,
	}
	pollers := service.NewPollerRegistry(func(sessionID string) *service.StatusPoller {
		return service.NewStatusPoller(client, pollerCfg,
			a.Logger.With().Str("session_id", sessionID).Logger(),
			service.WithPollerMetrics(a.Metrics))
	})

	return service.NewReconciliationService(service.ReconciliationDeps{
		Repository:  postgres.NewTransactionRepository(a.Pool),
		TxManager:   postgres.NewTxManager(a.Pool),
		Capture:     service.NewCaptureClient(client, a.Metrics, a.Logger),
		Verifier:    service.NewSyncVerifier(a.Metrics),
		Queue:       service.NewPendingSyncQueue(store, locker, a.Metrics, a.Logger),
		Pollers:     pollers,
		Corrections: service.NewCorrectionGateway(client, a.Logger),
		Locker:      locker,
		Events:      infraRedis.NewStreamProducer(a.Redis),
		Metrics:     a.Metrics,
		Logger:      a.Logger,
	})
}

// HealthChecks lists the dependencies readiness depends on.
func (a *App) HealthChecks() []controller.HealthCheck {
	return []controller.HealthCheck{
		{Name: "database", Check: a.Pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }},
	}
}

// Close stops pollers and releases connections. It is safe on a partially
// built App.
func (a *App) Close() {
	if a.Reconciler != nil {
		a.Reconciler.Shutdown()
	}
	if a.Sessions != nil {
		if err := a.Sessions.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("Failed to close session store")
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.tracer != nil {
		if err := observability.Shutdown(context.Background(), a.tracer); err != nil {
			a.Logger.Error().Err(err).Msg("Failed to flush traces")
		}
	}
}
