package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/steward/internal/catalog"
	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/internal/determination"
	"github.com/pitabwire/steward/internal/evaluator"
	"github.com/pitabwire/steward/internal/notify"
	"github.com/pitabwire/steward/internal/observability"
	"github.com/pitabwire/steward/internal/portfolio"
	"github.com/pitabwire/steward/internal/priority"
	"github.com/pitabwire/steward/internal/scheduler"
	"github.com/pitabwire/steward/internal/workflow"
	"github.com/pitabwire/steward/model"
)

// app holds the wired core for one process.
type app struct {
	metrics   *observability.Metrics
	catalog   *catalog.Registry
	engine    *workflow.Engine
	scheduler *scheduler.Scheduler
	evaluator *evaluator.Evaluator
	signals   portfolio.SignalStore
	events    portfolio.EventSource
	notifier  notify.Notifier

	wfHealth observability.HealthChecker
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) readiness() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		CatalogLoaded: func() bool {
			_, workflows := a.catalog.Counts()
			return workflows > 0
		},
		WorkflowStore: a.wfHealth,
	}
	if hc, ok := a.signals.(observability.HealthChecker); ok {
		checks.SignalStore = hc
	}
	if hc, ok := a.notifier.(observability.HealthChecker); ok {
		checks.Notifier = hc
	}
	return checks
}

// buildApp wires stores, catalog, engine, scheduler and evaluator from
// configuration. Metrics register on reg.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *app, err error) {
	a := &app{metrics: observability.InitMetrics(reg)}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.catalog, err = loadCatalog(cfg.Catalog, logger)
	if err != nil {
		return nil, err
	}
	a.metrics.SetCatalogEntries(a.catalog.Counts())

	var pool *pgxpool.Pool
	if cfg.Store.Driver == config.DriverPostgres {
		pool, err = openPool(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
	}

	var wfStore workflow.Store
	var scores portfolio.ScoreStore
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg := workflow.NewPgStore(pool)
		wfStore, a.wfHealth = pg, pg
		pf := portfolio.NewPgStore(pool)
		scores, a.events = pf, pf
		logger.Info("using postgres stores")
	default:
		mem, err := workflow.NewMemoryStore()
		if err != nil {
			return nil, fmt.Errorf("workflow store: %w", err)
		}
		wfStore, a.wfHealth = mem, mem
		pf := portfolio.NewMemoryStore()
		scores, a.events = pf, pf
		logger.Info("using in-memory stores")
	}

	switch cfg.Signals.Source {
	case config.DriverFile:
		fileStore, err := portfolio.NewFileStore(cfg.Signals.File)
		if err != nil {
			return nil, err
		}
		a.signals = fileStore
		if cfg.Store.Driver != config.DriverPostgres {
			scores, a.events = fileStore, fileStore
		}
	case config.DriverPostgres:
		a.signals = portfolio.NewPgStore(pool)
	default:
		if mem, ok := scores.(*portfolio.MemoryStore); ok {
			a.signals = mem
		} else {
			a.signals = portfolio.NewMemoryStore()
		}
	}

	a.notifier, err = buildNotifier(ctx, cfg.Notifier, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := a.notifier.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func() { _ = c.Close() })
	}

	a.engine = workflow.NewEngine(wfStore,
		workflow.WithNotifier(a.notifier),
		workflow.WithLogger(logger),
		workflow.WithMetrics(a.metrics),
	)

	a.scheduler = scheduler.New(a.signals, scores, a.engine, a.catalog,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithConcurrency(cfg.Scheduler.Concurrency),
		scheduler.WithAccountTimeout(cfg.Scheduler.AccountTimeout),
		scheduler.WithWeights(weights(cfg.Priority)),
	)

	a.evaluator = evaluator.New(a.engine, scores, a.events,
		evaluator.WithLogger(logger),
		evaluator.WithMetrics(a.metrics),
		evaluator.WithPageSize(cfg.Evaluator.PageSize),
		evaluator.WithMaxDuration(cfg.Evaluator.MaxDuration),
		evaluator.WithRetry(cfg.Evaluator.RetryAttempts, cfg.Evaluator.RetryDelay),
	)
	return a, nil
}

// loadCatalog loads the embedded and configured catalogs and checks that
// every workflow the determination rules can select is defined.
func loadCatalog(cfg config.CatalogConfig, logger *zap.Logger) (*catalog.Registry, error) {
	loader := catalog.NewLoader()
	var defs []model.CatalogDefinition
	if cfg.IncludeDefaults {
		builtin, err := loader.LoadDefaults()
		if err != nil {
			return nil, fmt.Errorf("catalog: defaults: %w", err)
		}
		defs = append(defs, builtin...)
	}
	if len(cfg.Directories) > 0 {
		found, err := loader.LoadAll(cfg.Directories)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		defs = append(defs, found...)
	}

	if verrs := catalog.NewValidator().Validate(defs, determination.DefinitionIDs()); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("catalog validation error", zap.String("error", ve.Error()))
		}
		return nil, fmt.Errorf("catalog: %w", catalog.Join(verrs))
	}

	reg := catalog.NewRegistry(defs)
	logger.Info("catalog loaded",
		zap.Int("files", len(defs)),
		zap.String("checksum", reg.Checksum()),
	)
	return reg, nil
}

func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

func migrateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if err := workflow.NewPgStore(pool).Migrate(ctx); err != nil {
		return fmt.Errorf("workflow schema: %w", err)
	}
	if err := portfolio.NewPgStore(pool).Migrate(ctx); err != nil {
		return fmt.Errorf("portfolio schema: %w", err)
	}
	return nil
}

// redisNotifier closes its client with the process.
type redisNotifier struct {
	*notify.RedisNotifier
	client *redis.Client
}

func (n redisNotifier) Close() error { return n.client.Close() }

func buildNotifier(ctx context.Context, cfg config.NotifierConfig, logger *zap.Logger) (notify.Notifier, error) {
	switch cfg.Driver {
	case config.DriverNone:
		return notify.Nop{}, nil
	case config.DriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("notifier: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("notifier: ping redis: %w", err)
		}
		logger.Info("publishing step events to redis", zap.String("stream", cfg.Stream))
		return redisNotifier{
			RedisNotifier: notify.NewRedisNotifier(client, cfg.Stream,
				notify.WithMaxLen(cfg.MaxLen),
				notify.WithRetry(cfg.RetryAttempts, cfg.RetryDelay),
			),
			client: client,
		}, nil
	default:
		return notify.NewLogNotifier(logger), nil
	}
}

func weights(cfg config.PriorityConfig) priority.Weights {
	return priority.Weights{
		ARR:           cfg.ARRWeight,
		Urgency:       cfg.UrgencyWeight,
		HealthDecline: cfg.HealthDeclineWeight,
		UsageDecline:  cfg.UsageDeclineWeight,
		Strategic:     cfg.StrategicWeight,
	}
}
