package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxsplit/voxsplit/internal/bus"
	"github.com/voxsplit/voxsplit/internal/config"
	"github.com/voxsplit/voxsplit/internal/engine"
	"github.com/voxsplit/voxsplit/internal/pipeline"
	"github.com/voxsplit/voxsplit/internal/runstore"
	"github.com/voxsplit/voxsplit/internal/telemetry"
	"github.com/voxsplit/voxsplit/internal/vad"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (built-in defaults when empty)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	input := flag.Arg(0)
	if input == "" {
		fmt.Fprintln(os.Stderr, "usage: voxsplit [flags] <audio file>")
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Telemetry.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(cfg.Telemetry, cfg.RunName, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	var events *bus.Client
	if cfg.Bus.Enabled {
		events, err = bus.Connect(cfg.Bus, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer events.Close()
	}

	store, err := runstore.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open run store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	model, err := activityModel(cfg)
	if err != nil {
		logger.Error("failed to initialize activity model", slog.String("error", err.Error()))
		os.Exit(1)
	}

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		logger.Error("failed to initialize engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	controller := pipeline.New(cfg, model, eng, store, events, logger)
	report, err := controller.Run(ctx, input)
	if err != nil {
		logger.Error("run failed", slog.String("input", input), slog.String("error", err.Error()))
		os.Exit(1)
	}

	fmt.Println(report.TranscriptPath)
}

func activityModel(cfg config.Config) (vad.Model, error) {
	switch cfg.VAD.Model {
	case "exec":
		return vad.NewExecModel(cfg.VAD.Command)
	default:
		return vad.NewEnergyModel(), nil
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
