package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/storepilot/internal/adapter/gemini"
	"github.com/Strob0t/storepilot/internal/adapter/litellm"
	"github.com/Strob0t/storepilot/internal/adapter/minio"
	spnats "github.com/Strob0t/storepilot/internal/adapter/nats"
	"github.com/Strob0t/storepilot/internal/adapter/natskv"
	spotel "github.com/Strob0t/storepilot/internal/adapter/otel"
	"github.com/Strob0t/storepilot/internal/adapter/postgres"
	"github.com/Strob0t/storepilot/internal/adapter/ristretto"
	"github.com/Strob0t/storepilot/internal/adapter/template"
	"github.com/Strob0t/storepilot/internal/adapter/tiered"
	"github.com/Strob0t/storepilot/internal/config"
	"github.com/Strob0t/storepilot/internal/logger"
	"github.com/Strob0t/storepilot/internal/port/broadcast"
	"github.com/Strob0t/storepilot/internal/port/cache"
	"github.com/Strob0t/storepilot/internal/port/generator"
	"github.com/Strob0t/storepilot/internal/resilience"
	"github.com/Strob0t/storepilot/internal/service"
)

// app holds the infrastructure and services shared by serve and worker.
type app struct {
	cfg   *config.Config
	pool  *pgxpool.Pool
	store *postgres.Store
	queue *spnats.Queue // nil in inline mode when NATS is unreachable

	provider generator.Provider
	engine   *service.Engine
	triggers *service.TriggerGate
	access   *service.RoleChecker
	drafts   *service.DraftService
	resolver *service.ScopeResolver

	closers []func()
}

// bootstrap connects to the backing services and wires the engine. hub may
// be nil for processes without WebSocket clients.
func bootstrap(ctx context.Context, cfg *config.Config, hub broadcast.Broadcaster) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	a.onClose(logCloser.Close)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"mode", cfg.Engine.Mode,
		"provider", cfg.Generation.Provider,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)

	// --- Telemetry ---
	shutdownOTEL, err := spotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	a.onClose(func() { _ = shutdownOTEL(context.Background()) })
	metrics, err := spotel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL
	a.pool, err = postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.onClose(a.pool.Close)
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// NATS
	queue, err := spnats.Connect(ctx, cfg.NATS.URL)
	switch {
	case err == nil:
		a.queue = queue
		a.onClose(func() { _ = queue.Close() })
	case cfg.Engine.Mode == config.ModeInline:
		slog.Warn("nats unavailable, continuing without queue and shared cache", "error", err)
	default:
		return nil, fmt.Errorf("nats: %w", err)
	}

	// Work cache: in-process L1 backed by a JetStream KV bucket.
	workCache, err := a.newWorkCache(ctx)
	if err != nil {
		return nil, err
	}

	// Generation provider
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	a.provider, err = a.newProvider(ctx, breaker)
	if err != nil {
		return nil, err
	}
	slog.Info("generation provider ready", "provider", a.provider.Name())

	// --- Services ---
	store := postgres.NewStore(a.pool)
	a.store = store

	gen := service.NewGenerator(a.provider)
	gen.SetMetrics(metrics)

	a.resolver = service.NewScopeResolver(store)
	a.drafts = service.NewDraftService(store, gen, cfg.Engine.DraftTTL)
	work := service.NewWorkCache(store, workCache, cfg.Cache.L2TTL)

	apply := service.NewApplyExecutor(store)
	apply.SetMetrics(metrics)
	if cfg.ObjectStore.Endpoint != "" {
		reports, err := minio.New(cfg.ObjectStore)
		if err != nil {
			return nil, fmt.Errorf("minio: %w", err)
		}
		if err := reports.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("minio bucket: %w", err)
		}
		apply.SetArtifactStore(reports)
		slog.Info("apply reports enabled", "bucket", cfg.ObjectStore.Bucket)
	}

	a.access = service.NewRoleChecker(store)
	gate := service.NewPlanQuota(store, cfg.Quota)

	a.engine = service.NewEngine(store, a.resolver, a.drafts, work, apply, a.access, gate, cfg.Engine)
	a.engine.SetEventStore(postgres.NewEventStore(a.pool))
	a.engine.SetMetrics(metrics)

	a.triggers = service.NewTriggerGate(store, gen, gate, cfg.Quota.AutomationPlans, cfg.Engine.RunTimeout)
	a.triggers.SetMetrics(metrics)

	if hub != nil {
		a.engine.SetBroadcaster(hub)
		a.triggers.SetBroadcaster(hub)
	}
	if a.queue != nil {
		a.engine.SetStatusQueue(a.queue)
		if cfg.Engine.Mode == config.ModeQueue {
			a.engine.SetDispatcher(service.NewQueueDispatcher(a.queue, a.engine))
		}
	}

	return a, nil
}

func (a *app) newWorkCache(ctx context.Context) (cache.Cache, error) {
	l1, err := ristretto.New(a.cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	a.onClose(l1.Close)

	if a.queue == nil {
		return tiered.New(l1, nil, a.cfg.Cache.L2TTL), nil
	}
	kv, err := a.queue.KeyValue(ctx, a.cfg.Cache.L2Bucket, a.cfg.Cache.L2TTL)
	if err != nil {
		return nil, fmt.Errorf("nats kv: %w", err)
	}
	return tiered.New(l1, natskv.New(kv), a.cfg.Cache.L2TTL), nil
}

func (a *app) newProvider(ctx context.Context, breaker *resilience.Breaker) (generator.Provider, error) {
	g := a.cfg.Generation
	switch g.Provider {
	case "gemini":
		p, err := gemini.New(ctx, g.APIKey, g.Model, breaker)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		a.onClose(func() { _ = p.Close() })
		return p, nil
	case "template":
		return template.New(g.Brand), nil
	default:
		c := litellm.NewClient(g.URL, g.APIKey, g.Model, g.Timeout)
		c.SetBreaker(breaker)
		return c, nil
	}
}

// startWorker subscribes a queue worker to the run and target subjects.
func (a *app) startWorker(ctx context.Context) error {
	if a.queue == nil {
		return errors.New("worker requires a NATS connection")
	}
	w := service.NewWorker(a.queue, a.engine, a.triggers, a.cfg.Engine.WorkerConcurrency)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	a.onClose(w.Stop)
	return nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
