// Command coreflow runs the orchestration engine: either serving processes
// on the in-process thread pool, or as a queue worker draining the Redis
// task queues.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/jvdheide/coreflow"
	"github.com/jvdheide/coreflow/cache"
	"github.com/jvdheide/coreflow/internal/config"
	"github.com/jvdheide/coreflow/observer"
	"github.com/jvdheide/coreflow/queue"
	"github.com/jvdheide/coreflow/schedule"
	pgstore "github.com/jvdheide/coreflow/store/postgres"
	sqlitestore "github.com/jvdheide/coreflow/store/sqlite"
	"github.com/jvdheide/coreflow/translations"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("COREFLOW_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Tracing (optional)
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
	}

	// 3. Store
	store, catalog, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer closeStore()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}

	// 4. Cache + Redis client
	var redisClient redis.UniversalClient
	domainCache := cache.Disabled()
	if cfg.Cache.URI != "" && !cfg.Cache.Disable {
		opts, err := redis.ParseURL(cfg.Cache.URI)
		if err != nil {
			log.Fatalf("cache uri: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if cfg.Cache.DomainModels {
			domainCache = cache.New(redisClient, cache.WithLogger(logger))
		}
	}
	_ = domainCache // handed to the API layer, which is deployed separately

	// 5. Registry with the bundled workflows
	bundle, err := translations.Load(translations.DefaultLocale)
	if err != nil {
		log.Fatalf("translations: %v", err)
	}
	registry := coreflow.NewRegistry()
	registry.MustRegister(coreflow.ModifyNoteWorkflow())
	registry.MustRegister(coreflow.ValidationWorkflow(coreflow.ValidationDeps{
		Registry:     registry,
		Catalog:      catalog,
		Translations: bundle,
	}))

	// 6. Engine
	engineOpts := []coreflow.Option{
		coreflow.WithLogger(logger),
		coreflow.WithMaxWorkers(cfg.MaxWorkers),
		coreflow.WithTesting(cfg.Testing),
	}
	if cfg.Observer.Enabled {
		engineOpts = append(engineOpts, coreflow.WithTracer(observer.NewTracer()))
	}
	useQueue := cfg.Executor == config.ExecutorWorker
	if useQueue {
		if redisClient == nil {
			log.Fatal("worker executor needs CACHE_URI for the broker")
		}
		engineOpts = append(engineOpts,
			coreflow.WithExecutor(queue.NewExecutor(redisClient, queue.ExecutorLogger(logger))))
	}
	engine := coreflow.New(registry, store, engineOpts...)

	// 7. Scheduled system tasks: validate nightly
	sched := schedule.New(engine, schedule.WithLogger(logger))
	if err := sched.Add("30 2 * * *", coreflow.ValidationWorkflowName, nil); err != nil {
		log.Fatalf("schedule: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	// 8. Worker mode drains the queues until shutdown
	if useQueue && len(os.Args) > 1 && os.Args[1] == "worker" {
		worker := queue.Initialise(redisClient, engine,
			queue.WorkerLogger(logger), queue.WorkerMaxWorkers(cfg.MaxWorkers))
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("worker: %v", err)
		}
		return
	}

	logger.Info("engine ready", "executor", cfg.Executor, "max_workers", cfg.MaxWorkers)
	<-ctx.Done()
}

// openStore picks the backend from the database URI: postgres URIs get the
// pgx store, everything else is treated as a SQLite path.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (coreflow.ProcessStore, coreflow.Catalog, func(), error) {
	uri := cfg.Database.URI
	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		pool, err := pgxpool.New(ctx, uri)
		if err != nil {
			return nil, nil, nil, err
		}
		s := pgstore.New(pool, pgstore.WithLogger(logger))
		return s, s, pool.Close, nil
	}
	s := sqlitestore.New(uri, sqlitestore.WithLogger(logger))
	return s, s, func() { _ = s.Close() }, nil
}
