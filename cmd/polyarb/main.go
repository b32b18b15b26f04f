package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/polyarb/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "simulate fills against live books instead of trading")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	resetKill := flag.Bool("reset-kill-switch", false, "clear a persisted kill switch before starting")
	table := flag.Bool("table", false, "print full dashboard tables (default: compact 1-line)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *dryRun {
		cfg.Execution.DryRun = true
	}
	setupLogger(cfg.Log)

	slog.Info("polyarb starting",
		"config", *configPath,
		"dry_run", cfg.Execution.DryRun,
		"feed", cfg.Markets.Feed,
		"market_making", cfg.Detector.MarketMaking,
		"max_global", cfg.Risk.MaxGlobal,
		"max_per_market", cfg.Risk.MaxPerMarket,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := runOptions{resetKillSwitch: *resetKill, table: *table}
	if err := run(ctx, cfg, opts); err != nil {
		slog.Error("polyarb exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("polyarb stopped cleanly")
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
