package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"magpie/internal/config"
	"magpie/internal/constants"
	"magpie/internal/logger"
	"magpie/internal/provider"
	"magpie/internal/queue"
	"magpie/internal/worker"
	"magpie/pkg/bootstrap"
	"magpie/pkg/circuitbreaker"
	"magpie/pkg/health"
	"magpie/pkg/metrics"
	"magpie/pkg/migrations"
	"magpie/pkg/retry"
	"magpie/pkg/tracing"
)

const (
	breakerSnapshotInterval = 10 * time.Second
	breakerSnapshotTTL      = 30 * time.Second
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	redisClient    *redis.Client
	mongoClient    *mongo.Client
	store          queue.Store
	breakers       *circuitbreaker.Registry
	manager        *worker.Manager
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("worker-service")
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.InitBroker(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initWorkers(ctx); err != nil {
		return fmt.Errorf("failed to initialize workers: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, "worker-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterWorkerMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initHTTPServer(); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return err
	}
	a.mongoClient = mongoClient

	dbName := a.Config.Database.MongoDB.Database
	if dbName == "" {
		dbName = constants.DefaultMongoDBName
	}
	mongoDB := mongoClient.Database(dbName)

	if err := migrations.EnsureJobIndexes(ctx, mongoDB); err != nil {
		return fmt.Errorf("failed to ensure job indexes: %w", err)
	}
	a.store = queue.NewMongoStore(mongoDB)

	// Redis only mirrors breaker snapshots here; workers keep running
	// without it.
	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "Redis connection failed, breaker snapshot mirroring disabled", "error", err)
	} else {
		a.redisClient = redisClient
	}

	return nil
}

func (a *App) initWorkers(ctx context.Context) error {
	registry := worker.NewRegistry()
	if err := provider.RegisterHandlers(registry, a.Config.Providers, a.Logger); err != nil {
		return fmt.Errorf("failed to register provider handlers: %w", err)
	}
	a.Logger.InfowCtx(ctx, "Provider handlers registered", "job_types", registry.Types())

	a.breakers = circuitbreaker.NewRegistry(breakerDefaults(a.Config.CircuitBreaker))

	policy := retry.DefaultPolicy()
	if a.Config.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = a.Config.Retry.MaxAttempts
	}
	if a.Config.Retry.BaseDelay > 0 {
		policy.BaseDelay = a.Config.Retry.BaseDelay
	}
	if a.Config.Retry.MaxDelay > 0 {
		policy.MaxDelay = a.Config.Retry.MaxDelay
	}
	if a.Config.Retry.Jitter != nil {
		policy.JitterEnabled = *a.Config.Retry.Jitter
	}

	handlerTimeout := a.Config.Worker.HandlerTimeout
	if handlerTimeout <= 0 {
		handlerTimeout = constants.DefaultHandlerTimeout
	}

	executor := worker.NewExecutor(registry, a.breakers, policy, handlerTimeout, a.Logger)

	completionTopic := a.Config.Broker.Kafka.CompletionTopic
	if completionTopic == "" {
		completionTopic = constants.DefaultCompletionTopic
	}
	completions := worker.NewCompletionPublisher(a.Producer, completionTopic, a.Logger)

	a.manager = worker.NewManager(a.Config, a.store, executor, completions, a.Logger)
	return nil
}

func (a *App) initHTTPServer() error {
	mux := http.NewServeMux()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	if a.redisClient != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redisClient))
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := healthRegistry.Check(r.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		fmt.Fprintf(w, `{"status":"%s","timestamp":"%s"}`, h.Status, h.Timestamp.Format(time.RFC3339))
	})

	mux.Handle("/metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler: mux,
	}

	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
			if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	if a.redisClient != nil {
		g.Go(func() error {
			return a.publishBreakerSnapshots(gCtx)
		})
	}

	g.Go(func() error {
		return a.manager.Run(gCtx)
	})

	err := g.Wait()
	if shutdownErr := a.Shutdown(ctx); shutdownErr != nil {
		a.Logger.ErrorwCtx(ctx, "Shutdown error", "error", shutdownErr)
	}
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// publishBreakerSnapshots mirrors local breaker state into Redis so the
// gateway's ops API can report fleet-wide breaker health.
func (a *App) publishBreakerSnapshots(ctx context.Context) error {
	instance, err := os.Hostname()
	if err != nil {
		instance = "worker-unknown"
	}

	ticker := time.NewTicker(breakerSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.breakers.PublishSnapshots(ctx, a.redisClient, constants.CacheKeyPrefixBreaker, instance, breakerSnapshotTTL); err != nil {
				a.Logger.WarnwCtx(ctx, "Failed to publish breaker snapshots", "error", err)
			}
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.InfowCtx(ctx, "Shutting down worker service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redisClient, nil, a.mongoClient)...)

		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}

func breakerDefaults(cfg config.CircuitBreakerConfig) circuitbreaker.Config {
	defaults := circuitbreaker.DefaultConfig("")
	if cfg.MaxRequests > 0 {
		defaults.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		defaults.Interval = cfg.Interval
	}
	if cfg.RecoveryTimeout > 0 {
		defaults.RecoveryTimeout = cfg.RecoveryTimeout
	}
	if cfg.FailureThreshold > 0 {
		defaults.FailureThreshold = cfg.FailureThreshold
	}
	return defaults
}
