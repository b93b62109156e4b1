// Package main is the entry point for the kickoff notifier.
//
// One process serves the internal trigger API, drains the notification queue
// on a fixed interval, and (when RABBITMQ_URL is set) consumes match events.
// SIGINT and SIGTERM stop intake first, then let in-flight triggers finish.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"kickoff/internal/api/handlers"
	"kickoff/internal/config"
	"kickoff/internal/core"
	"kickoff/internal/db"
	"kickoff/internal/events"
	"kickoff/internal/notifications/builder"
	notifcore "kickoff/internal/notifications/core"
	"kickoff/internal/notifications/fcm"
	"kickoff/internal/notifications/service"
	"kickoff/internal/notifications/webpush"
	"kickoff/internal/preferences"
	"kickoff/internal/scheduler"
	"kickoff/internal/security"
	"kickoff/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// slogAdapter lets packages that take a types.Logger log through slog. The
// With method is the only reason it exists.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// app is everything run starts and stops.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	redis    *redis.Client
	server   *core.Server
	service  *service.Service
	runner   *scheduler.Runner
	consumer *events.Consumer
}

func run() error {
	appEnv := os.Getenv("APP_ENV")
	cfg, err := config.LoadConfig(config.ProviderFor(appEnv, os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("kickoff notifier starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"transport", string(cfg.Push.Provider),
	)

	ctx := context.Background()
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return a.serve()
}

// build wires the dependency graph. Anything it opens is closed by app.close.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	typed := &slogAdapter{logger: logger}

	if cfg.Database.MigrateOnStart {
		version, err := db.Migrate(cfg.Database.URL.Unmask())
		if err != nil {
			return nil, fmt.Errorf("migrating database: %w", err)
		}
		logger.Info("database migrated", "version", version)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a.pool = pool

	queueRepo := db.NewQueueRepository(pool)
	targetRepo := db.NewTargetRepository(pool)

	var cache preferences.Cache
	if !cfg.Redis.URL.IsZero() {
		client, err := preferences.NewRedisClient(cfg.Redis.URL.Unmask())
		if err != nil {
			a.close()
			return nil, fmt.Errorf("configuring redis: %w", err)
		}
		a.redis = client
		cache = preferences.NewRedisCache(client)
	}
	prefs := preferences.New(db.NewPreferenceRepository(pool), cache, cfg.Redis.PreferenceTTL, typed.With("component", "preferences"))

	transport, err := newTransport(ctx, cfg.Push, cfg.Queue.SendTimeout, typed)
	if err != nil {
		a.close()
		return nil, err
	}

	metrics, metricsHandler, err := newMetrics(ctx, cfg, typed)
	if err != nil {
		a.close()
		return nil, err
	}

	provider := notifcore.NewTargetProvider(transport, targetRepo,
		notifcore.WithLogger(typed.With("component", "provider")),
		notifcore.WithMetrics(metrics),
		notifcore.WithBreaker(notifcore.NewTransportBreaker(string(cfg.Push.Provider))),
		notifcore.WithFanout(cfg.Push.TargetFanout),
		notifcore.WithBulkConcurrency(cfg.Push.BulkConcurrency),
	)

	facility, err := cfg.Facility.Location()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("loading facility timezone: %w", err)
	}

	retry := notifcore.RetryPolicy{
		BaseDelay:     cfg.Queue.RetryBaseDelay,
		BackoffFactor: notifcore.DefaultRetryPolicy.BackoffFactor,
		MaxDelay:      cfg.Queue.RetryMaxDelay,
		MaxAttempts:   cfg.Queue.MaxRetries,
	}

	a.service = service.New(service.Config{
		Matches:      db.NewMatchRepository(pool),
		Preferences:  prefs,
		Queue:        queueRepo,
		Provider:     provider,
		Builder:      builder.New(cfg.Push.AppBaseURL, cfg.Push.IconURL),
		Facility:     facility,
		Logger:       logger.With("component", "service"),
		MaxRetries:   cfg.Queue.MaxRetries,
		Retry:        retry,
		AsyncTimeout: cfg.Server.TriggerTimeout,
	})

	var sweeper *scheduler.RetentionSweeper
	if cfg.Queue.InlineRetention {
		sweeper = scheduler.NewRetentionSweeper(queueRepo, cfg.Queue.RetentionPeriod, 0, logger)
	}
	processor := scheduler.NewProcessor(scheduler.ProcessorConfig{
		Queue:             queueRepo,
		Provider:          provider,
		Transport:         cfg.Push.Provider,
		Metrics:           metrics,
		Logger:            logger.With("component", "processor"),
		BatchSize:         cfg.Queue.BatchSize,
		Concurrency:       cfg.Queue.Concurrency,
		SendTimeout:       cfg.Queue.SendTimeout,
		ClaimLease:        cfg.Queue.ClaimLease,
		Retry:             retry,
		Retention:         sweeper,
		RetentionInterval: cfg.Queue.RetentionInterval,
	})
	a.runner = scheduler.NewRunner(processor, cfg.Queue.PollInterval, logger.With("component", "runner"))

	if !cfg.Events.RabbitURL.IsZero() {
		a.consumer = events.NewConsumer(
			events.Dial(cfg.Events.RabbitURL.Unmask()),
			events.NewHandler(a.service),
			cfg.Events,
			events.WithLogger(logger.With("component", "events")),
			events.WithHandleTimeout(cfg.Server.TriggerTimeout),
		)
	}

	srv, err := core.NewServer(cfg.Server, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.MetricsHandler = metricsHandler
	srv.HealthProbes = a.probes()

	endpoints := security.NewEndpointValidator(security.DefaultPushHosts, nil)
	triggerHandler := handlers.NewTriggerHandler(a.service, queueRepo, srv.Validator, logger)
	preferenceHandler := handlers.NewPreferenceHandler(prefs, logger)
	subscriptionHandler := handlers.NewSubscriptionHandler(targetRepo, endpoints, cfg.Push.Provider, nil, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		triggerHandler.RegisterRoutes,
		preferenceHandler.RegisterRoutes,
		subscriptionHandler.RegisterRoutes,
	)
	srv.MountRoutes()
	a.server = srv

	return a, nil
}

func (a *app) probes() []core.HealthProbe {
	probes := []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", Fn: a.pool.Ping},
	}
	if a.redis != nil {
		probes = append(probes, core.ProbeFunc{ProbeName: "redis", Fn: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	return probes
}

// newTransport builds the single configured delivery transport.
func newTransport(ctx context.Context, cfg config.PushConfig, timeout time.Duration, logger types.Logger) (notifcore.Transport, error) {
	switch cfg.Provider {
	case types.TransportFCM:
		client, err := fcm.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return fcm.New(client, cfg.TTL, fcm.WithLogger(logger.With("transport", "fcm")))
	default:
		return webpush.New(cfg, timeout, webpush.WithLogger(logger.With("transport", "webpush")))
	}
}

// newMetrics picks the metrics backend. Only Prometheus contributes a
// /metrics handler.
func newMetrics(ctx context.Context, cfg *config.Config, logger types.Logger) (notifcore.NotificationMetrics, http.Handler, error) {
	switch cfg.Observability.MetricsBackend {
	case "cloudwatch":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		return notifcore.NewCloudWatchNotificationMetrics(client, cfg.Observability.MetricNamespace, logger), nil, nil
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		return notifcore.NewPrometheusNotificationMetrics(reg), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
	default:
		return notifcore.NopMetrics{}, nil, nil
	}
}

// serve runs until a signal arrives or the HTTP server fails, then shuts down
// in order: stop intake, stop the workers, drain triggers.
func (a *app) serve() error {
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	var workers sync.WaitGroup
	workers.Go(func() { a.runner.Run(workCtx) })
	if a.consumer != nil {
		workers.Go(func() { a.consumer.Run(workCtx) })
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.ListenAndServe()
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var runErr error
	select {
	case sig := <-shutdown:
		a.logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	a.logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("HTTP server shutdown error", "error", err)
	}
	stopWork()
	workers.Wait()
	if err := a.service.Drain(ctx); err != nil {
		a.logger.Error("notification triggers did not drain", "error", err)
		if runErr == nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("draining triggers: %w", err)
		}
	}

	if runErr == nil {
		a.logger.Info("notifier stopped cleanly")
	}
	return runErr
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close error", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// newLogger creates a JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
