package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/audit"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/server"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/auth"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/config"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The user directory and audit sink belong to the wider platform; the
	// gateway process runs standalone with a permissive directory and a
	// log-backed audit sink until those collaborators are wired in.
	recorder := audit.NewLogRecorder(logger)
	app := server.NewApp(logger, ctx, cfg, auth.AllowAll(), recorder)

	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
