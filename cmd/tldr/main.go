package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MikeSquared-Agency/tldr/internal/api"
	"github.com/MikeSquared-Agency/tldr/internal/collector"
	"github.com/MikeSquared-Agency/tldr/internal/config"
	"github.com/MikeSquared-Agency/tldr/internal/deliver"
	"github.com/MikeSquared-Agency/tldr/internal/engine"
	"github.com/MikeSquared-Agency/tldr/internal/guard"
	"github.com/MikeSquared-Agency/tldr/internal/queue"
	"github.com/MikeSquared-Agency/tldr/internal/slack"
	"github.com/MikeSquared-Agency/tldr/internal/worker"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("tldr starting", "port", cfg.Port, "model", cfg.Model, "streaming", cfg.StreamingEnabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SlackBotToken == "" {
		slog.Error("SLACK_BOT_TOKEN is required")
		os.Exit(1)
	}
	if cfg.OpenAIAPIKey == "" {
		slog.Error("OPENAI_API_KEY is required")
		os.Exit(1)
	}

	slackClient := slack.NewClient(cfg.SlackBotToken, slog.Default())

	eng := engine.New(cfg.OpenAIAPIKey, cfg.OpenAIOrgID, cfg.Model, slog.Default())
	slog.Info("completion engine ready", "model", cfg.Model)

	// NATS task queue
	queueClient, err := queue.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer queueClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	if err := queueClient.EnsureStream(cfg.TaskStream, cfg.TaskSubject); err != nil {
		slog.Error("failed to ensure task stream", "error", err)
		os.Exit(1)
	}
	if err := queueClient.SubscribeTasks(cfg.TaskSubject, cfg.TaskDurable); err != nil {
		slog.Error("failed to subscribe to tasks", "error", err)
		os.Exit(1)
	}

	coll := collector.New(slackClient, cfg.ImageConcurrency, cfg.ImageMaxBytes, slog.Default())
	del := deliver.New(slackClient, cfg.StreamMaxChunkChars, cfg.StreamMinAppendInterval, slog.Default())
	grd := guard.New(slackClient, slog.Default())

	consumer := worker.NewConsumer(worker.Deps{
		Collector: coll,
		Engine:    eng,
		Deliverer: del,
		Guard:     grd,
		Slack:     slackClient,
		Publisher: queueClient,
	}, cfg.StreamingEnabled, cfg.TaskTimeout, slog.Default())

	// HTTP API
	srv := api.NewServer(cfg.Port, consumer)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	go consumer.Run(ctx, queueClient)

	slog.Info("tldr ready", "subject", cfg.TaskSubject, "durable", cfg.TaskDurable)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("tldr stopped")
}

func setupLogging(level string) {
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
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
