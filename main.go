package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"patentdesk/backend/internal/app"
	"patentdesk/backend/internal/config"
	"patentdesk/backend/internal/logger"
	"patentdesk/backend/internal/worker"
)

func main() {
	// Structured JSON logs; correlation ids are injected from context.
	base := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(logger.NewContextHandler(base)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer deps.DB.Close()
	slog.Info("migrations applied successfully")

	var taskPub worker.Publisher
	if deps.NSQProducer != nil {
		taskPub = deps.NSQProducer
		defer deps.NSQProducer.Stop()
	}

	a, err := app.New(cfg, deps.DB, taskPub)
	if err != nil {
		slog.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	if cfg.EnableDispatchWorker {
		consumer, err := app.StartDispatchWorker(cfg, a.Consumer)
		if err != nil {
			slog.Error("failed to start dispatch worker", "error", err)
			os.Exit(1)
		}
		defer consumer.Stop()
		slog.Info("dispatch worker connected")
	}

	if !cfg.EnableAPI {
		// Worker-only deployment: block until signalled.
		<-ctx.Done()
		return
	}

	if err := a.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
