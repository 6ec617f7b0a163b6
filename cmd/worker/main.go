package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/talkhaven/safeguard/internal/confidence"
	"github.com/talkhaven/safeguard/internal/config"
	"github.com/talkhaven/safeguard/internal/events"
	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/notifications"
	"github.com/talkhaven/safeguard/internal/performance"
	"github.com/talkhaven/safeguard/internal/privacy"
	"github.com/talkhaven/safeguard/internal/queue"
	"github.com/talkhaven/safeguard/internal/store"
	"github.com/talkhaven/safeguard/internal/threshold"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	collector := metrics.NewCollector()

	notifier := notifications.NewService(notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL:  cfg.Notifications.Slack.WebhookURL,
			Channel:     cfg.Notifications.Slack.Channel,
			Username:    "Safeguard Bot",
			IconEmoji:   ":shield:",
			Enabled:     cfg.Notifications.Slack.Enabled,
			MinSeverity: cfg.Notifications.MinSeverity,
		},
		Email: notifications.EmailConfig{
			SMTPHost:    cfg.Notifications.Email.SMTPHost,
			SMTPPort:    cfg.Notifications.Email.SMTPPort,
			Username:    cfg.Notifications.Email.Username,
			Password:    cfg.Notifications.Email.Password,
			From:        cfg.Notifications.Email.From,
			To:          cfg.Notifications.Email.To,
			Enabled:     cfg.Notifications.Email.Enabled,
			MinSeverity: cfg.Notifications.MinSeverity,
		},
	}, logger)

	privacyGate := privacy.NewGate(st, collector, logger)
	privacyGate.SetNotifier(notifier)

	confGate := confidence.NewGate(
		cfg.Gates.DefaultConfidenceThreshold,
		cfg.Gates.FieldThresholds,
	)

	engine := threshold.NewEngine(st, cfg.Escalation, collector, logger)
	engine.SetNotifier(notifier)

	eventService := events.NewService(st, privacyGate, confGate, engine, collector, logger)
	performanceService := performance.NewService(st, privacyGate, confGate, logger)

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	worker := queue.NewWorker(queue.WorkerConfig{
		Queue:       q,
		Events:      eventService,
		Performance: performanceService,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	logger.Info("worker started", "worker_id", worker.ID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	worker.Stop()
}
