package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vietddude/aiguard/internal/admin"
	"github.com/vietddude/aiguard/internal/core/config"
	"github.com/vietddude/aiguard/internal/core/worker"
	"github.com/vietddude/aiguard/internal/dlq"
	"github.com/vietddude/aiguard/internal/health"
	"github.com/vietddude/aiguard/internal/infra/provider"
	redisclient "github.com/vietddude/aiguard/internal/infra/redis"
	"github.com/vietddude/aiguard/internal/infra/storage"
	"github.com/vietddude/aiguard/internal/infra/storage/guarded"
	"github.com/vietddude/aiguard/internal/infra/storage/memory"
	"github.com/vietddude/aiguard/internal/infra/storage/postgres"
	"github.com/vietddude/aiguard/internal/infra/storage/sqlite"
	"github.com/vietddude/aiguard/internal/orchestrator"
	"github.com/vietddude/aiguard/internal/resilience/breaker"
	"github.com/vietddude/aiguard/internal/resilience/retry"
	"github.com/vietddude/aiguard/internal/usage"
)

// Breaker names for the stores.
const (
	DatabaseBreaker = "database"
	RedisBreaker    = "redis"
)

// App owns every long-lived component.
type App struct {
	cfg *config.AppConfig

	store  *memory.MemoryStorage
	db     *postgres.DB
	local  *sqlite.UsageRepo
	redis  *redisclient.Client
	closed bool

	breakers  *breaker.Registry
	ledger    *usage.Ledger
	gate      *usage.Gate
	queue     *dlq.Queue
	fallback  *dlq.FallbackLog
	generator *provider.HTTPGenerator
	orch      *orchestrator.Orchestrator
	service   *Service
	pruner    *worker.Pruner

	healthMon    *health.Monitor
	healthServer *health.Server
	log          *slog.Logger
}

// New creates the application with all dependencies initialized. It opens
// store connections but starts no background work.
func New(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{
		cfg:      cfg,
		store:    memory.NewMemoryStorage(),
		breakers: breaker.NewRegistry(breaker.DefaultConfig, cfg.Breakers),
		log:      slog.Default(),
	}
	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// 1. Usage gate and ledger
	usageRepo := a.usageRepo()
	a.ledger = usage.NewLedger(usageRepo,
		usage.WithPricing(cfg.Usage.Pricing),
		usage.WithBudgetThreshold(cfg.Usage.BudgetThreshold),
	)
	a.gate = usage.NewGate(usageRepo, cfg.Usage.Limits)

	// 2. DLQ with the fallback log as second tier
	dlqRepo := a.dlqRepo()
	var opts []dlq.Option
	if cfg.DLQ.FallbackLog != "" {
		fb, err := dlq.NewFallbackLog(cfg.DLQ.FallbackLog)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.fallback = fb
		opts = append(opts, dlq.WithSink(&dlq.TieredSink{
			Primary:   dlq.StoreAppender{Repo: dlqRepo},
			Secondary: fb,
		}))
	}
	a.queue = dlq.New(dlqRepo, opts...)
	a.pruner = worker.NewPruner(a.queue, cfg.DLQ.RetentionDays)

	// 3. Provider and orchestrator
	a.generator = provider.NewHTTPGenerator(cfg.Provider)
	a.breakers.Get(a.generator.Name())
	a.orch = orchestrator.New(a.gate, a.ledger, a.breakers,
		orchestrator.WithRetry(cfg.Retry.AI),
		orchestrator.WithQualityRetries(cfg.Quality.Retries),
		orchestrator.WithQualityOptions(cfg.Quality.Checks),
		orchestrator.WithScreenOptions(cfg.Quality.Screen),
		orchestrator.WithTimeouts(cfg.Timeouts),
	)
	a.service = NewService(a.orch, a.generator, a.queue)

	// 4. Health, admin and operation routes share one listener
	a.healthMon = health.NewMonitor(a.breakers, a.components(),
		health.WithQueue(a.queue),
		health.WithProvider(a.generator),
	)
	adminHandler := admin.NewHandler(a.queue, a.ledger, a.breakers, a.service.Handlers(), cfg.DLQ.RetentionDays)
	a.healthServer = health.NewServer(a.healthMon, cfg.Server.Port, adminHandler, NewAPI(a.service))

	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Storage.Usage == config.BackendPostgres || cfg.DLQ.Backend == config.BackendPostgres {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate db: %w", err)
		}
		a.log.Info("Using PostgreSQL storage")
	}

	if cfg.Storage.Usage == config.BackendSQLite {
		local, err := sqlite.Open(ctx, cfg.SQLite)
		if err != nil {
			return fmt.Errorf("failed to open sqlite ledger: %w", err)
		}
		a.local = local
		a.log.Info("Using SQLite usage ledger", "path", cfg.SQLite.Path)
	}

	if cfg.DLQ.Backend == config.BackendRedis {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
		a.log.Info("Using Redis DLQ store")
	}
	return nil
}

func (a *App) dbGuard() *guarded.Guard {
	return guarded.New(a.breakers.Get(DatabaseBreaker), a.cfg.Retry.Store)
}

func (a *App) usageRepo() storage.UsageRepository {
	switch {
	case a.db != nil && a.cfg.Storage.Usage == config.BackendPostgres:
		return guarded.NewUsageRepo(postgres.NewUsageRepo(a.db), a.dbGuard())
	case a.local != nil:
		return guarded.NewUsageRepo(a.local, a.dbGuard())
	}
	a.log.Info("Using Memory usage ledger")
	return memory.NewUsageRepo(a.store)
}

func (a *App) dlqRepo() storage.DLQRepository {
	switch a.cfg.DLQ.Backend {
	case config.BackendPostgres:
		return guarded.NewDLQRepo(postgres.NewDLQRepo(a.db), a.dbGuard())
	case config.BackendRedis:
		return guarded.NewDLQRepo(redisclient.NewDLQRepo(a.redis), guarded.New(a.breakers.Get(RedisBreaker), retry.Cache))
	}
	a.log.Info("Using Memory DLQ store")
	return memory.NewDLQRepo(a.store)
}

// components lists pinged stores. The store holding the usage ledger is
// primary: without it the gate cannot admit work.
func (a *App) components() []health.Component {
	var out []health.Component
	if a.db != nil {
		out = append(out, health.Component{
			Name:    "postgres",
			Primary: a.cfg.Storage.Usage == config.BackendPostgres,
			Pinger:  a.db,
		})
	}
	if a.local != nil {
		out = append(out, health.Component{Name: "sqlite", Primary: true, Pinger: a.local})
	}
	if a.redis != nil {
		out = append(out, health.Component{Name: "redis", Pinger: a.redis})
	}
	if a.cfg.Storage.Usage == config.BackendMemory {
		out = append(out, health.Component{Name: "memory", Primary: true, Pinger: a.store})
	}
	return out
}

// Service returns the request entry point.
func (a *App) Service() *Service { return a.service }

// Queue returns the dead letter queue.
func (a *App) Queue() *dlq.Queue { return a.queue }

// FallbackLog returns the second-tier DLQ log, nil if disabled.
func (a *App) FallbackLog() *dlq.FallbackLog { return a.fallback }

// Ledger returns the cost ledger.
func (a *App) Ledger() *usage.Ledger { return a.ledger }

// RetentionDays is the configured DLQ retention.
func (a *App) RetentionDays() int { return a.cfg.DLQ.RetentionDays }

// Breakers returns the breaker registry.
func (a *App) Breakers() *breaker.Registry { return a.breakers }

// Health builds a health report.
func (a *App) Health(ctx context.Context) *health.Report { return a.healthMon.CheckHealth(ctx) }

// Handler exposes the HTTP routes for tests.
func (a *App) Handler() http.Handler { return a.healthServer.Handler() }

// Start starts the HTTP server and background workers.
func (a *App) Start(ctx context.Context) error {
	// Import anything the fallback log caught while the store was down
	if a.fallback != nil {
		n, err := a.queue.Replay(ctx, a.fallback)
		if err != nil {
			a.log.Warn("Failed to replay DLQ fallback log", "path", a.fallback.Path(), "error", err)
		} else if n > 0 {
			a.log.Info("Replayed DLQ fallback log", "imported", n)
		}
	}

	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}
	go a.pruner.Start(ctx)

	a.log.Info("Service started", "port", a.cfg.Server.Port, "provider", a.generator.Name())
	return nil
}

// Stop stops the HTTP server and closes the stores.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping service...")
	err := a.healthServer.Stop(ctx)
	a.Close()
	return err
}

// Close releases store connections. It is safe to call more than once.
func (a *App) Close() {
	if a.closed {
		return
	}
	a.closed = true

	if a.generator != nil {
		_ = a.generator.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.local != nil {
		if err := a.local.Close(); err != nil {
			a.log.Warn("Failed to close SQLite", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}
