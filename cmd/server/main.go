package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dapr/go-sdk/client"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"newsletter-go/internal/app"
	"newsletter-go/internal/config"
	"newsletter-go/internal/logging"
	"newsletter-go/internal/metrics"
	"newsletter-go/internal/middleware"
	"newsletter-go/internal/repository"
	"newsletter-go/internal/telemetry"
)

const (
	serviceName    = "newsletter-api"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := pflag.String("config", envOr("NEWSLETTER_CONFIG_FILE", "configuration.yaml"), "path to the YAML configuration file")
	migrateOnly := pflag.Bool("migrate-only", false, "apply database migrations and exit")
	pflag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := checkMigrateOnly(*migrateOnly, settings.Database.Driver); err != nil {
		log.Fatal(err)
	}

	logger, err := logging.NewLoggerWithConfig(settings.Log.Level, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to configure logger: %v", err)
	}

	tp, err := telemetry.InitTracing(serviceName, serviceVersion)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		if err := telemetry.ShutdownTracing(context.Background(), tp); err != nil {
			logger.WithError(err).Error("Error shutting down tracer provider")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openRepository(ctx, settings.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open subscriber store")
	}
	defer closeRepo()

	if *migrateOnly {
		logger.WithFields(logrus.Fields{"driver": settings.Database.Driver}).Info("Migrations applied, exiting")
		return
	}

	limiter, closeLimiter, err := newRateLimiter(ctx, settings.RateLimit, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure rate limiter")
	}
	defer closeLimiter()

	application, err := app.Build(&app.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Settings:       settings,
		Logger:         logger,
		TracerProvider: otel.GetTracerProvider(),
		Metrics:        metrics.NewMetrics(),
		Repository:     repo,
		RateLimiter:    limiter,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to build application")
	}

	go func() {
		if err := application.Run(); err != nil {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func openRepository(ctx context.Context, settings config.DatabaseSettings, logger *logging.ContextLogger) (repository.SubscriberRepository, func(), error) {
	switch settings.Driver {
	case config.DriverPostgres:
		db, err := repository.OpenPostgres(ctx, settings.ConnectionString(), repository.PostgresOptions{
			MaxOpenConns:    settings.MaxOpenConns,
			MaxIdleConns:    settings.MaxIdleConns,
			ConnMaxLifetime: settings.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := repository.Migrate(ctx, db, logger); err != nil {
			closeDB(db, logger)
			return nil, nil, err
		}
		return repository.NewPostgresSubscriberRepository(db), func() { closeDB(db, logger) }, nil

	case config.DriverDapr:
		daprClient, err := client.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create dapr client: %w", err)
		}
		logger.WithFields(logrus.Fields{"store": settings.DaprStore}).Info("Using Dapr state store")
		return repository.NewDaprSubscriberRepository(daprClient, settings.DaprStore), daprClient.Close, nil

	default:
		logger.Warn("Using in-memory subscriber store; data is lost on restart")
		return repository.NewInMemorySubscriberRepository(), func() {}, nil
	}
}

func closeDB(db *sql.DB, logger *logging.ContextLogger) {
	if err := db.Close(); err != nil {
		logger.WithError(err).Error("Error closing database")
	}
}

func newRateLimiter(ctx context.Context, settings config.RateLimitSettings, logger *logging.ContextLogger) (middleware.RateLimiter, func(), error) {
	if !settings.Enabled {
		return nil, func() {}, nil
	}

	if settings.RedisAddress == "" {
		limiter := middleware.NewLocalRateLimiter(settings.RPS, settings.Burst, middleware.WithIdleTTL(settings.IdleTTL))
		limiter.StartJanitor(ctx, 2*time.Minute)
		return limiter, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: settings.RedisAddress, DB: settings.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", settings.RedisAddress, err)
	}

	limiter, err := middleware.NewRedisRateLimiter(rdb, settings.Burst, settings.Window())
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}

	logger.WithFields(logrus.Fields{
		"redis":  settings.RedisAddress,
		"window": settings.Window().String(),
	}).Info("Using shared rate limiter")
	closeRedis := func() {
		if err := rdb.Close(); err != nil {
			logger.WithError(err).Error("Error closing redis client")
		}
	}
	return limiter, closeRedis, nil
}

// checkMigrateOnly refuses --migrate-only for stores that have no schema.
func checkMigrateOnly(migrateOnly bool, driver string) error {
	if migrateOnly && driver != config.DriverPostgres {
		return fmt.Errorf("--migrate-only requires database.driver %q, got %q", config.DriverPostgres, driver)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
