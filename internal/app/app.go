package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"newsletter-go/internal/config"
	"newsletter-go/internal/emailclient"
	"newsletter-go/internal/handlers"
	"newsletter-go/internal/logging"
	"newsletter-go/internal/metrics"
	"newsletter-go/internal/middleware"
	"newsletter-go/internal/repository"
	"newsletter-go/internal/service"
)

const readinessTimeout = 2 * time.Second

var limiterCleanupPeriod = 2 * time.Minute

type Config struct {
	ServiceName    string
	ServiceVersion string
	Settings       *config.Settings
	Logger         *logging.ContextLogger
	TracerProvider trace.TracerProvider
	Metrics        *metrics.Metrics
	// Optional collaborators. When nil, Build falls back to the in-memory
	// store, an email client built from Settings.EmailClient and, if rate
	// limiting is enabled, a per-process limiter whose idle buckets are
	// swept until Shutdown.
	Repository  repository.SubscriberRepository
	EmailSender service.EmailSender
	RateLimiter middleware.RateLimiter
}

type Application struct {
	server      *http.Server
	config      *Config
	router      *gin.Engine
	repo        repository.SubscriberRepository
	stopJanitor context.CancelFunc
}

func Build(config *Config) (*Application, error) {
	if config.Settings == nil {
		return nil, errors.New("app: settings are required")
	}
	if config.Logger == nil {
		config.Logger = logging.NewLogger()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewMetrics()
	}

	settings := config.Settings
	if settings.Application.GinMode != "" {
		gin.SetMode(settings.Application.GinMode)
	}

	repo := config.Repository
	if repo == nil {
		repo = repository.NewInMemorySubscriberRepository()
	}

	sender := config.EmailSender
	if sender == nil {
		client, err := newEmailClient(settings.EmailClient)
		if err != nil {
			return nil, err
		}
		sender = client
	}

	subscriptionService := service.NewSubscriptionService(repo, sender, config.Logger,
		service.WithBaseURL(settings.Application.BaseURL),
		service.WithMetrics(config.Metrics),
	)
	subscriptionHandler := handlers.NewSubscriptionHandler(subscriptionService, config.Logger)

	router := gin.New()
	if err := router.SetTrustedProxies(settings.Application.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid application.trusted_proxies: %w", err)
	}
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(config.ServiceName, otelgin.WithTracerProvider(config.TracerProvider)))
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(config.Logger, config.Metrics))

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	subscriptionRoutes := []gin.HandlerFunc{}
	if limiter := rateLimiter(janitorCtx, config); limiter != nil {
		subscriptionRoutes = append(subscriptionRoutes, middleware.RateLimit(limiter, config.Logger, config.Metrics))
	}
	subscriptionRoutes = append(subscriptionRoutes, subscriptionHandler.Subscribe)
	router.POST("/subscriptions", subscriptionRoutes...)

	router.GET("/health_check", handlers.HealthCheck)

	readiness := gin.WrapH(handlers.NewReadinessHandler(repo, readinessTimeout))
	router.GET("/ready", readiness)
	router.GET("/live", readiness)
	router.GET("/metrics", gin.WrapH(config.Metrics.Handler()))

	server := &http.Server{
		Addr:              settings.Application.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Application{
		server:      server,
		config:      config,
		router:      router,
		repo:        repo,
		stopJanitor: stopJanitor,
	}, nil
}

func newEmailClient(settings config.EmailClientSettings) (*emailclient.Client, error) {
	sender, err := settings.SenderEmail()
	if err != nil {
		return nil, fmt.Errorf("invalid email_client.sender: %w", err)
	}

	var opts []emailclient.Option
	if settings.Timeout > 0 {
		opts = append(opts, emailclient.WithTimeout(settings.Timeout))
	}
	return emailclient.NewClient(settings.BaseURL, sender, settings.AuthToken, opts...), nil
}

func rateLimiter(ctx context.Context, config *Config) middleware.RateLimiter {
	if config.RateLimiter != nil {
		return config.RateLimiter
	}
	if !config.Settings.RateLimit.Enabled {
		return nil
	}
	settings := config.Settings.RateLimit
	limiter := middleware.NewLocalRateLimiter(settings.RPS, settings.Burst, middleware.WithIdleTTL(settings.IdleTTL))
	limiter.StartJanitor(ctx, limiterCleanupPeriod)
	return limiter
}

func (app *Application) Run() error {
	app.config.Logger.Info("Starting server on " + app.server.Addr)
	if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (app *Application) Shutdown(ctx context.Context) error {
	app.config.Logger.Info("Shutting down server...")
	app.stopJanitor()
	return app.server.Shutdown(ctx)
}

func (app *Application) GetRepo() repository.SubscriberRepository {
	return app.repo
}

func (app *Application) GetRouter() *gin.Engine {
	return app.router
}
