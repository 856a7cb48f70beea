// Package main provides the entrypoint for the live status daemon.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/livestatus/livestatus/internal/api"
	"github.com/livestatus/livestatus/internal/api/handler"
	"github.com/livestatus/livestatus/internal/api/middleware"
	"github.com/livestatus/livestatus/internal/channel"
	"github.com/livestatus/livestatus/internal/config"
	"github.com/livestatus/livestatus/internal/database"
	"github.com/livestatus/livestatus/internal/featureflags"
	"github.com/livestatus/livestatus/internal/health"
	"github.com/livestatus/livestatus/internal/notify"
	"github.com/livestatus/livestatus/internal/poll"
	"github.com/livestatus/livestatus/internal/provider/resilience"
	"github.com/livestatus/livestatus/internal/reconcile"
	"github.com/livestatus/livestatus/internal/telemetry"
	"github.com/livestatus/livestatus/internal/tracker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const serviceName = "statusd"

func main() {
	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	log = log.Level(level)

	log.Info().
		Str("build_time", BuildTime).
		Str("env", cfg.Env).
		Msg("starting status daemon")

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("status daemon failed")
		os.Exit(1)
	}
	log.Info().Msg("status daemon stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TelemetryEnabled,
		SampleRatio:    cfg.TraceSampleRatio,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()
	if cfg.TelemetryEnabled {
		log.Info().Str("otlp_endpoint", cfg.OTLPEndpoint).Msg("OpenTelemetry initialized")
	}

	metrics, err := middleware.NewMetricsWithMeter(tp.Meter)
	if err != nil {
		return err
	}

	readiness := map[string]handler.ReadinessCheck{}

	var pool *pgxpool.Pool
	if cfg.DatabaseEnabled {
		dbConfig := database.ConfigFromEnv()
		dbConfig.Logger = log
		pool, err = database.Connect(ctx, dbConfig)
		if err != nil {
			return err
		}
		defer pool.Close()
		readiness["database"] = pool.Ping
		log.Info().
			Str("host", dbConfig.Host).
			Int("port", dbConfig.Port).
			Str("database", dbConfig.Database).
			Msg("database connected")
	}

	// Feature flags live in Postgres when a database is configured.
	var flagRepo featureflags.Repository = featureflags.NewInMemoryRepository()
	if pool != nil {
		pgFlags := featureflags.NewPostgresRepository(pool)
		if err := pgFlags.Migrate(ctx); err != nil {
			return err
		}
		flagRepo = pgFlags
	}
	flags := featureflags.NewService(featureflags.ServiceConfig{
		Repository: flagRepo,
		Logger:     log,
		CacheTTL:   1 * time.Minute,
	})

	registry := resilience.NewRegistry()
	newClient := func(name string) *resilience.Client {
		clientCfg := resilience.DefaultClientConfig(name)
		clientCfg.Registry = registry
		cb := resilience.DefaultCircuitBreakerConfig(name)
		cb.OnStateChange = resilience.LogStateChanges(log)
		clientCfg.CircuitBreaker = &cb
		return resilience.NewClient(clientCfg)
	}

	var fetcher poll.Fetcher
	switch cfg.PollSource {
	case config.PollSourcePostgres:
		fetcher = poll.NewPostgresFetcher(pool, cfg.StatusTable)
	default:
		fetcher = poll.NewHTTPFetcher(poll.HTTPFetcherConfig{
			Client:  newClient("status-api"),
			BaseURL: cfg.StatusBaseURL,
		})
	}
	log.Info().Str("poll_source", cfg.PollSource).Msg("poll fetcher initialized")

	dialer := channel.MultiDialer{
		"ws":  &channel.WebSocketDialer{},
		"wss": &channel.WebSocketDialer{},
	}

	var psClient *pubsub.Client
	if cfg.PubSubProject != "" {
		psClient, err = pubsub.NewClient(ctx, cfg.PubSubProject)
		if err != nil {
			return err
		}
		defer psClient.Close()
		dialer["pubsub"] = &channel.PubSubDialer{Client: psClient}
		log.Info().Str("project", cfg.PubSubProject).Msg("pubsub client initialized")
	}

	primary := notify.MultiSink{notify.NewLogSink(log)}
	if cfg.WebhookURL != "" {
		primary = append(primary, notify.NewWebhookSink(newClient("webhook"), cfg.WebhookURL))
	}
	dispatcherCfg := notify.DispatcherConfig{
		Primary:         primary,
		NativePermitted: flags.IsNativeNotificationsPermitted,
		Suppressed:      flags.IsNotificationsDisabled,
		Logger:          log,
	}
	if psClient != nil && cfg.NotificationTopic != "" {
		dispatcherCfg.Native = notify.NewPubSubSink(psClient, cfg.NotificationTopic)
	}
	dispatcher := notify.NewDispatcher(dispatcherCfg)
	policy := notify.NewPolicy(notify.PolicyConfig{})

	sources := health.MultiSource{health.NewRegistrySource(registry)}
	if cfg.ProbeBatchURL != "" {
		sources = append(sources, health.NewBatchSource(newClient("health-batch"), cfg.ProbeBatchURL))
	}
	if len(cfg.Resources.Probes) > 0 {
		probes := make([]health.HTTPProbe, 0, len(cfg.Resources.Probes))
		for _, p := range cfg.Resources.Probes {
			probes = append(probes, health.HTTPProbe{Name: p.Name, URL: p.URL, DegradedAfter: p.DegradedAfter})
		}
		sources = append(sources, health.NewHTTPSource(health.HTTPSourceConfig{Probes: probes}))
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		sources = append(sources, health.NewRedisSource(rdb))
		readiness["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	reconciler := reconcile.New(reconcile.Config{Logger: log})

	monitor := health.NewMonitor(health.MonitorConfig{
		Source:     sources,
		Reconciler: reconciler,
		Policy:     policy,
		Dispatcher: dispatcher,
		Interval:   cfg.HealthInterval,
		Logger:     log,
	})
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	engine, err := tracker.New(tracker.Config{
		Fetcher:        fetcher,
		Dialer:         dialer,
		Reconciler:     reconciler,
		Policy:         policy,
		Dispatcher:     dispatcher,
		Monitor:        monitor,
		Flags:          flags,
		ReconnectDelay: cfg.ReconnectDelay,
		FetchTimeout:   cfg.FetchTimeout,
		Meter:          tp.Meter,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	for _, spec := range cfg.Resources.Resources {
		resource, err := spec.TrackedResource()
		if err != nil {
			return err
		}
		if _, err := engine.Track(ctx, resource); err != nil {
			return err
		}
	}
	log.Info().Int("resources", len(cfg.Resources.Resources)).Msg("configured resources tracked")

	router := api.NewRouter(api.RouterConfig{
		Version:            Version,
		BuildTime:          BuildTime,
		Logger:             log,
		ServiceName:        serviceName,
		Metrics:            metrics,
		Tracker:            engine,
		Monitor:            monitor,
		FeatureFlagService: flags,
		Registry:           registry,
		PollMetrics:        engine.PollMetrics,
		ReadinessChecks:    readiness,
		RateLimit:          cfg.RateLimit,
		RequireTLS:         cfg.RequireTLS,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutting down server")
	case err := <-serveErr:
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	return server.Shutdown(shutdownCtx)
}
