package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/router"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/telemetry"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/tokens"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("Starting LLM gateway", slog.String("port", cfg.Port), slog.String("env", cfg.Env))

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTelEnabled {
		shutdown, err := tracing.Init("llm0-gateway", logger)
		if err != nil {
			fatal(logger, "Failed to initialize tracing", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
			}
		}()
	}

	// Routing configuration
	var watcher *config.Watcher
	legacyKeyID := cfg.LegacyChatKeyID
	_, statErr := os.Stat(cfg.RoutingFile)
	routingFile := statErr == nil
	if routingFile {
		watcher, err = config.NewWatcher(cfg.RoutingFile, logger)
		if err != nil {
			fatal(logger, "Failed to load routing config", err)
		}
		logger.Info("Loaded routing config", slog.String("path", cfg.RoutingFile))
	} else {
		watcher = config.NewStaticWatcher("", config.LegacyRouting(cfg), logger)
		if legacyKeyID == "" {
			legacyKeyID = "legacy"
		}
		logger.Info("No routing file found, serving the single LLM_MODEL binding",
			slog.String("path", cfg.RoutingFile),
			slog.String("model", cfg.LegacyModel),
		)
	}

	// Redis (optional)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			fatal(logger, "Failed to connect to Redis", err)
		}
		defer redisClient.Close()
		logger.Info("Connected to Redis")
	}

	// Telemetry and spend storage
	var (
		store      telemetry.Store
		spendStore ledger.SpendStore
	)
	switch cfg.TelemetryDriver {
	case "postgres", "sqlite":
		dsn := cfg.DatabaseURL
		if cfg.TelemetryDriver == database.DriverSQLite {
			dsn = cfg.SQLitePath
		}
		db, err := database.Open(ctx, cfg.TelemetryDriver, dsn)
		if err != nil {
			fatal(logger, "Failed to open database", err)
		}
		defer db.Close()
		store, spendStore = db, db
		logger.Info("Connected to database", slog.String("driver", db.Driver()))
	default:
		store = telemetry.NewMemoryStore(telemetry.DefaultMemoryRecords)
		logger.Info("Using in-memory telemetry store")
	}

	// Ledger
	ledgerOpts := []ledger.Option{ledger.WithLogger(logger)}
	if spendStore != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithStore(spendStore))
	}
	if cfg.RateLimitBackend == "redis" {
		ledgerOpts = append(ledgerOpts, ledger.WithWindow(ledger.NewRedisWindow(redisClient, ledger.DefaultWindow)))
	}
	keyLedger := ledger.New(ledgerOpts...)

	// Response cache
	var responseCache cache.Cache
	switch cfg.CacheBackend {
	case "redis":
		responseCache = cache.NewRedis(redisClient)
	case "memory":
		mem, err := cache.NewMemory(cfg.CacheMaxEntries)
		if err != nil {
			fatal(logger, "Failed to create cache", err)
		}
		responseCache = mem
	}
	logger.Info("Initialized cache", slog.String("backend", cfg.CacheBackend))

	// Router and providers, kept in step with the routing config
	modelRouter := router.New(nil)
	applier := &routingApplier{
		defaults:  config.Defaults{CacheTTL: cfg.CacheTTL, UpstreamTimeout: cfg.UpstreamTimeout},
		router:    modelRouter,
		providers: providers.NewManager(nil),
		ledger:    keyLedger,
		logger:    logger,
	}
	apply := func(rc *config.RoutingConfig) { applier.apply(rc) }
	apply(watcher.Get())
	watcher.OnChange(func(rc *config.RoutingConfig) {
		apply(rc)
		metrics.ConfigReloads.WithLabelValues("success").Inc()
	})
	if err := keyLedger.Restore(ctx); err != nil {
		fatal(logger, "Failed to restore key spend", err)
	}

	if routingFile {
		if err := watcher.Watch(ctx); err != nil {
			logger.Warn("Routing config hot reload disabled", slog.String("error", err.Error()))
		}
	}
	defer watcher.Close()

	counter, err := tokens.NewCounter()
	if err != nil {
		fatal(logger, "Failed to load tokenizer", err)
	}

	recorder := telemetry.NewRecorder(store, telemetry.RecorderConfig{
		Workers:    cfg.TelemetryWorkers,
		QueueSize:  cfg.TelemetryQueueSize,
		MaxRetries: cfg.TelemetryMaxRetries,
		RetryDelay: telemetry.DefaultRecorderConfig().RetryDelay,
	}, logger)

	p := pipeline.New(pipeline.Config{
		Router:              modelRouter,
		Ledger:              keyLedger,
		Providers:           applier.providers,
		Counter:             counter,
		Cache:               responseCache,
		Recorder:            recorder,
		CompletionAllowance: cfg.DefaultCompletionAllowance,
		UpstreamTimeout:     cfg.UpstreamTimeout,
		CacheHitFeeUSD:      cfg.CacheHitFeeUSD,
		Logger:              logger,
	})

	reload := func() error {
		if err := watcher.Reload(); err != nil {
			metrics.ConfigReloads.WithLabelValues("error").Inc()
			return err
		}
		return nil
	}

	// Initialize handlers
	handler := handlers.NewRouter(handlers.Routes{
		Chat:           handlers.NewChatHandler(p, handlers.LegacyChat{Model: cfg.LegacyModel, KeyID: legacyKeyID}, logger),
		Admin:          handlers.NewAdminHandler(store, keyLedger, responseCache, reload, logger),
		Models:         modelRouter,
		Middleware:     handlers.NewMiddleware(logger, cfg.AdminToken),
		RequestTimeout: cfg.RequestTimeout,
	})
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is not set, admin API is disabled")
	}
	if cfg.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "llm0-gateway")
	}

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "Failed to start server", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", slog.String("error", err.Error()))
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Error("Telemetry flush incomplete", slog.String("error", err.Error()))
	}

	logger.Info("Server stopped")
}
