package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/nextania/harmony/internal/server"
	"github.com/nextania/harmony/pkg/config"
	"github.com/nextania/harmony/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app, err := server.NewApp(logger, ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize gateway", slog.Any("error", err))
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
