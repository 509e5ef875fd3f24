// Command drain-buffer replays signals parked in the offline buffer once the
// database accepts writes again.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"signal-engine/config"
	"signal-engine/internal/database"
	"signal-engine/internal/logging"
	"signal-engine/internal/notification"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to a YAML or JSON config file")
	batch := flag.Int("batch", 100, "buffered rows read per round")
	notify := flag.Bool("notify", false, "send notifications for replayed signals")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		JSONFormat: cfg.Logging.JSONFormat,
		Component:  "drain-buffer",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	var n notifier
	if *notify && cfg.Notification.Enabled {
		manager := notification.NewManager(logger)
		if cfg.Notification.Telegram.Enabled {
			manager.AddProvider(notification.NewTelegramNotifier(cfg.Notification.Telegram))
		}
		if cfg.Notification.AMQP.Enabled {
			publisher := notification.NewAMQPPublisher(cfg.Notification.AMQP, logger)
			defer publisher.Close()
			manager.AddProvider(publisher)
		}
		if manager.Enabled() {
			n = manager
		}
	}

	stats, err := drain(ctx, database.NewRepository(db), n, *batch, logger)
	ev := logger.Info()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Int("stored", stats.Stored).Int("duplicates", stats.Duplicates).Int("failed", stats.Failed).
		Msg("Signal buffer drain finished")
}
