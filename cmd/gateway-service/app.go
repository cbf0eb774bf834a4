package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	_ "github.com/lib/pq" // PostgreSQL driver

	"magpie/internal/audit"
	"magpie/internal/config"
	"magpie/internal/constants"
	"magpie/internal/gateway"
	"magpie/internal/idempotency"
	"magpie/internal/logger"
	"magpie/internal/ops"
	"magpie/internal/queue"
	"magpie/pkg/bootstrap"
	"magpie/pkg/circuitbreaker"
	"magpie/pkg/health"
	"magpie/pkg/metrics"
	"magpie/pkg/middleware"
	"magpie/pkg/migrations"
	"magpie/pkg/ratelimit"
	"magpie/pkg/tracing"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type App struct {
	config         *config.Config
	logger         logger.Logger
	dbConnector    *bootstrap.DatabaseConnector
	redisClient    *redis.Client
	db             *sql.DB
	mongoClient    *mongo.Client
	store          queue.Store
	recorder       audit.Recorder
	limiter        *ratelimit.PerSource
	breakers       *circuitbreaker.Registry
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("gateway-service")
	}
	return &App{
		config:      cfg,
		logger:      log,
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.initRouter(ctx); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	if err := a.initServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	tp, err := tracing.Init(a.config.Tracing, "gateway-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redisClient = redisClient

	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return err
	}
	a.mongoClient = mongoClient

	dbName := a.config.Database.MongoDB.Database
	if dbName == "" {
		dbName = constants.DefaultMongoDBName
	}
	mongoDB := mongoClient.Database(dbName)

	if err := migrations.EnsureJobIndexes(ctx, mongoDB); err != nil {
		return fmt.Errorf("failed to ensure job indexes: %w", err)
	}
	a.store = queue.NewMongoStore(mongoDB)

	// The audit trail degrades to a no-op when PostgreSQL is not
	// configured; admission itself never depends on it.
	if a.config.Database.Postgres.Host != "" {
		db, err := a.dbConnector.InitPostgreSQL(ctx)
		if err != nil {
			return err
		}
		a.db = db
		a.recorder = audit.NewPostgresRecorder(db)
	} else {
		a.logger.WarnwCtx(ctx, "PostgreSQL not configured, admission audit trail disabled")
		a.recorder = audit.NopRecorder{}
	}

	return nil
}

func (a *App) initRouter(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware("gateway-service"))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	rl := a.config.Webhook.RateLimit
	a.limiter = ratelimit.NewPerSource(ratelimit.Config{
		RPS:             rl.RPS,
		Burst:           rl.Burst,
		CleanupInterval: time.Duration(rl.CleanupInterval) * time.Second,
		MaxAge:          time.Duration(rl.MaxAge) * time.Second,
	})
	if rl.Enabled {
		a.logger.InfowCtx(ctx, "Per-source rate limiting enabled", "rps", rl.RPS, "burst", rl.Burst)
	}

	idemRepo := idempotency.NewCircuitBreakerRepository(
		idempotency.NewRepository(a.redisClient),
		a.config.CircuitBreaker,
	)
	idemService := idempotency.NewService(idemRepo, a.config.Idempotency, a.logger)

	gatewayService, err := gateway.NewService(a.config, a.limiter, idemService, a.store, a.recorder, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create gateway service: %w", err)
	}
	gateway.NewHandler(gatewayService, a.logger).RegisterRoutes(router)

	// The gateway holds no job-type breakers of its own; worker
	// instances mirror theirs into Redis and the ops API reads both.
	a.breakers = circuitbreaker.NewRegistry(breakerDefaults(a.config.CircuitBreaker))

	queueNames := make([]string, 0, len(a.config.Queues))
	for _, qc := range a.config.Queues {
		queueNames = append(queueNames, qc.Name)
	}
	ops.NewHandler(a.store, a.breakers, a.recorder, a.redisClient, idemRepo, queueNames, a.logger).RegisterRoutes(router)

	metrics.RegisterGatewayMetrics()
	if a.config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewRedisChecker(a.redisClient))
	healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	if a.db != nil {
		healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	}

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
	return nil
}

func (a *App) initServer() error {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.config.Server.WriteTimeoutSeconds,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.logger.InfowCtx(ctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(ctx)
	case err := <-errChan:
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.limiter != nil {
		a.limiter.Stop()
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	dbErrs := a.dbConnector.ShutdownDatabases(ctx, a.redisClient, a.db, a.mongoClient)
	errs = append(errs, dbErrs...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
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
