// Package main is the entrypoint for the inferq API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/inferq/internal/api"
	"github.com/kiranshivaraju/inferq/internal/api/handler"
	mw "github.com/kiranshivaraju/inferq/internal/api/middleware"
	"github.com/kiranshivaraju/inferq/internal/cache"
	"github.com/kiranshivaraju/inferq/internal/config"
	"github.com/kiranshivaraju/inferq/internal/events"
	"github.com/kiranshivaraju/inferq/internal/inference"
	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/internal/logging"
	"github.com/kiranshivaraju/inferq/internal/metrics"
	"github.com/kiranshivaraju/inferq/internal/queue"
	"github.com/kiranshivaraju/inferq/internal/registry"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/internal/webhook"
	"github.com/kiranshivaraju/inferq/internal/worker"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format))
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Database.Backend,
		"inference_backend", cfg.Inference.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the job store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Load the model catalog
	reg, err := loadRegistry(cfg.ModelCatalogPath)
	if err != nil {
		return err
	}
	slog.Info("model catalog loaded", "models", len(reg.List()))

	// 5. Metrics, webhooks and events
	prom := metrics.NewPrometheus()
	notifier := openNotifier(cfg.Webhook, prom)

	publisher, err := openEvents(cfg.Events)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// 6. Jobs service, recovered from the store
	q := queue.New()
	deps := jobs.Dependencies{
		Store:    st,
		Queue:    q,
		Registry: reg,
		ETA:      jobs.NewETAEstimator(reg.BaseTimes()),
		Events:   publisher,
		Cache:    redisCache,
		Metrics:  prom,
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	svc := jobs.NewService(deps, serviceOptions(cfg))

	recovered, err := svc.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	slog.Info("jobs recovered", "queued", recovered)

	// 7. Inference backend and in-process workers
	backend, err := inference.NewBackend(cfg.Inference)
	if err != nil {
		return fmt.Errorf("create inference backend: %w", err)
	}
	slog.Info("inference backend initialized", "backend", backend.Name())
	pool := worker.NewPool(svc, backend, cfg.Worker.Concurrency, cfg.Worker.JobTimeout)

	// 8. Build router with dependencies
	router := api.NewRouter(routerDependencies(components{
		cfg:      cfg,
		svc:      svc,
		registry: reg,
		queue:    q,
		counter:  redisCache,
		metrics:  prom,
		checks:   healthChecks(st, redisCache, backend),
		backend:  backend.Name(),
	}))

	// 9. Run the HTTP server, workers and retention janitor
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		return svc.RunJanitor(gctx, cfg.Queue.SweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		q.Close()
		if err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	if notifier != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Webhook.DrainTimeout)
		defer cancel()
		if err := notifier.Close(drainCtx); err != nil {
			slog.Warn("webhook deliveries abandoned at shutdown", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("server stopped gracefully")
	return nil
}

// openStore returns the configured job store and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.Backend == "memory" {
		slog.Warn("using in-memory job store, jobs do not survive a restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

// openNotifier returns nil when no signing secret is configured. Callbacks are
// never sent unsigned, so submissions carrying a callback_url are then refused.
func openNotifier(cfg config.WebhookConfig, sink metrics.Sink) *webhook.Notifier {
	if cfg.Secret == "" {
		slog.Warn("WEBHOOK_HMAC_SECRET not set, submissions with callback_url will be rejected")
		return nil
	}
	return webhook.New(webhook.Config{
		Secret:      cfg.Secret,
		Timeout:     cfg.Timeout,
		MaxAttempts: cfg.MaxAttempts,
		MaxInFlight: int64(cfg.MaxInFlight),
	}, sink)
}

func loadRegistry(path string) (*registry.Static, error) {
	if path == "" {
		return registry.Default(), nil
	}
	reg, err := registry.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}
	return reg, nil
}

func openEvents(cfg config.EventsConfig) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		return events.Nop{}, nil
	}
	p, err := events.Dial(cfg.AMQPURL, cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("connect event broker: %w", err)
	}
	slog.Info("event broker connected", "exchange", cfg.Exchange)
	return p, nil
}

func serviceOptions(cfg *config.Config) jobs.Options {
	return jobs.Options{
		MaxQueueSize: cfg.Queue.MaxSize,
		ResultTTL:    cfg.Queue.ResultTTL,
		CacheTTL:     cfg.Queue.StatusCacheTTL,
		StoreRetries: cfg.Queue.StoreRetries,
		EventTimeout: cfg.Queue.LifecycleTimeout,
	}
}

// readier is implemented by backends that can report their own health.
type readier interface {
	Ready(ctx context.Context) error
}

// healthChecks builds the dependency checks behind GET /health.
func healthChecks(st store.Store, c cache.Cache, backend models.InferenceBackend) map[string]handler.Check {
	checks := map[string]handler.Check{
		"database": st.Ping,
		"cache":    c.Ping,
	}
	if r, ok := backend.(readier); ok {
		checks["inference"] = r.Ready
	}
	return checks
}

type components struct {
	cfg      *config.Config
	svc      *jobs.Service
	registry *registry.Static
	queue    *queue.Queue
	counter  mw.Counter
	metrics  *metrics.Prometheus
	checks   map[string]handler.Check
	backend  string
}

func routerDependencies(c components) api.Dependencies {
	return api.Dependencies{
		Auth:      mw.NewAuth(c.cfg.Auth.APIKey, c.cfg.Auth.APIKeyHash),
		RateLimit: mw.NewRateLimit(c.counter, c.cfg.Auth.RateLimitPerMinute),

		HealthHandler: handler.NewHealthHandler(c.checks, handler.HealthInfo{
			ModelsLoaded: func() int { return len(c.registry.List()) },
			QueueDepth:   c.queue.Depth,
			Backend:      c.backend,
		}),
		MetricsHandler: c.metrics.Handler(),
		WebhookHandler: handler.NewWebhookReceiver(c.cfg.Webhook.Secret).Handle,

		SubmitJob:  handler.NewSubmitHandler(c.svc),
		GetJob:     handler.NewGetJobHandler(c.svc),
		CancelJob:  handler.NewCancelHandler(c.svc),
		ListModels: handler.NewListModelsHandler(c.registry),
		GetModel:   handler.NewGetModelHandler(c.registry),

		ClaimJob:       handler.NewClaimHandler(c.svc),
		ReportProgress: handler.NewProgressHandler(c.svc),
		CompleteJob:    handler.NewCompleteHandler(c.svc),
		FailJob:        handler.NewFailHandler(c.svc),
		AckCancel:      handler.NewAckCancelHandler(c.svc),
	}
}
