package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/api"
	"signal-engine/internal/binance"
	"signal-engine/internal/cache"
	"signal-engine/internal/candles"
	"signal-engine/internal/circuit"
	"signal-engine/internal/database"
	"signal-engine/internal/dispatch"
	"signal-engine/internal/engine"
	"signal-engine/internal/events"
	"signal-engine/internal/exchange"
	"signal-engine/internal/logging"
	"signal-engine/internal/notification"
	"signal-engine/internal/strategy"
	"signal-engine/internal/vault"
)

func main() {
	configPath := flag.String("config", envOr("SIGNAL_ENGINE_CONFIG", "config.yaml"), "path to a YAML or JSON config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.Logging.Level,
		Output:      cfg.Logging.Output,
		JSONFormat:  cfg.Logging.JSONFormat,
		IncludeFile: cfg.Logging.IncludeFile,
		Component:   "signal-engine",
	})
	logger.Info().Msg("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize event bus
	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventError, func(ev events.Event) {
		logger.Error().Interface("data", ev.Data).Msg("Error event")
	})
	if logger.GetLevel() <= zerolog.DebugLevel {
		eventBus.SubscribeAll(func(ev events.Event) {
			logger.Debug().Str("event", string(ev.Type)).Str("user_id", ev.UserID).Msg("Event published")
		})
	}

	// Initialize database (required: strategies and live state live there)
	db, err := database.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
	}
	repo := database.NewRepository(db)

	// Initialize Redis; without it cooldowns and candle history stay
	// process-local.
	var cacheService *cache.CacheService
	if cfg.Redis.Enabled {
		cacheService, err = cache.NewCacheService(cfg.Redis, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, continuing without shared cache")
			cacheService = nil
		} else {
			defer cacheService.Close()
		}
	}
	cooldown := cache.NewCooldown(cacheService, cfg.Engine.Cooldown(), logger)
	history := cache.NewHistory(cacheService, repo, time.Duration(cfg.Redis.CandleTTL)*time.Second, logger)

	// Credentials for position reconciliation
	vaultClient, err := vault.NewClient(cfg.Vault)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Vault client")
	}

	binanceClient := binance.NewClient(binance.ClientConfig{
		BaseURL:           cfg.Exchange.BinanceRESTURL,
		Timeout:           time.Duration(cfg.Exchange.RESTTimeout) * time.Second,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Burst:             cfg.Exchange.Burst,
		Breaker: &circuit.Config{
			Enabled:          cfg.CircuitBreaker.Enabled,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			Cooldown:         time.Duration(cfg.CircuitBreaker.CooldownSeconds) * time.Second,
		},
	}, logger)

	// Initialize notification manager
	notifier := notification.NewManager(logger)
	var amqpPublisher *notification.AMQPPublisher
	if cfg.Notification.Enabled {
		if cfg.Notification.Telegram.Enabled {
			notifier.AddProvider(notification.NewTelegramNotifier(cfg.Notification.Telegram))
			logger.Info().Msg("Telegram notifications enabled")
		}
		if cfg.Notification.AMQP.Enabled {
			amqpPublisher = notification.NewAMQPPublisher(cfg.Notification.AMQP, logger)
			notifier.AddProvider(amqpPublisher)
			logger.Info().Msg("AMQP signal publishing enabled")
		}
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithPublisher(eventBus),
		dispatch.WithRetry(cfg.Engine.DispatchRetryInitial(), 2, cfg.Engine.DispatchMaxRetries),
	}
	if notifier.Enabled() {
		dispatchOpts = append(dispatchOpts, dispatch.WithNotifier(notifier))
	}
	dispatcher := dispatch.New(repo, cooldown, logger, dispatchOpts...)

	registry := strategy.NewDefaultRegistry(strategy.NewConditionEvaluator(repo, logger))

	loaders := []candles.HistoryLoader{history}
	if cfg.Engine.WarmStartFromREST {
		loaders = append(loaders, binance.KlineLoader{Client: binanceClient})
	}
	engineOpts := []engine.Option{
		engine.WithPositionChecker(binance.NewPositionChecker(binanceClient, vaultClient)),
		engine.WithHistory(loaders...),
		engine.WithEventBus(eventBus),
	}
	if cfg.Engine.CaptureHistory {
		engineOpts = append(engineOpts, engine.WithRecorder(history))
	}

	eng := engine.New(engine.Config{
		StreamURLs: map[string]string{
			exchange.Binance: cfg.Exchange.BinanceWSURL,
			exchange.Bybit:   cfg.Exchange.BybitWSURL,
		},
		Cooldown:         cfg.Engine.Cooldown(),
		ReconcileTimeout: cfg.Engine.ReconcileTimeoutDuration(),
		ReconnectBase:    cfg.Engine.ReconnectBase(),
		ReconnectCap:     cfg.Engine.ReconnectCap(),
		Heartbeat:        cfg.Engine.Heartbeat(),
		CaptureHistory:   cfg.Engine.CaptureHistory,
	}, repo, registry, candles.NewStore(cfg.Engine.BufferCapacity), repo, cooldown, dispatcher, logger, engineOpts...)

	// API server
	serverOpts := []api.Option{
		api.WithSignalHistory(repo),
		api.WithHealthCheck("database", repo.HealthCheck),
	}
	if cacheService != nil {
		serverOpts = append(serverOpts, api.WithHealthCheck("redis", cacheService.Ping))
	}
	if vaultClient.IsEnabled() {
		serverOpts = append(serverOpts, api.WithHealthCheck("vault", vaultClient.Health))
	}
	apiCfg := api.Config{
		Addr:            cfg.Server.Addr(),
		AllowedOrigins:  cfg.Server.Origins(),
		ProductionMode:  cfg.Logging.JSONFormat,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
	}
	if cfg.Metrics.Enabled {
		apiCfg.MetricsPath = cfg.Metrics.Path
	}
	server := api.NewServer(apiCfg, eng, eventBus, logger, serverOpts...)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()
	logger.Info().Str("addr", apiCfg.Addr).Msg("Signal engine started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}

	shutdownTimeout := apiCfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	eng.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if amqpPublisher != nil {
		if err := amqpPublisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("AMQP publisher close failed")
		}
	}
	logger.Info().Msg("Signal engine stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
