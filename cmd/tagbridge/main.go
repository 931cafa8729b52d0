// cmd/tagbridge/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tamzrod/tagbridge/internal/app"
	"github.com/tamzrod/tagbridge/internal/config"
	"github.com/tamzrod/tagbridge/internal/metrics"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tagbridge <config.yaml>")
		os.Exit(2)
	}

	cfgPath := os.Args[1]

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal(slog.Default(), "config load failed", err)
	}

	if err := config.Validate(cfg); err != nil {
		fatal(slog.Default(), "config validation failed", err)
	}
	config.Normalize(cfg)

	log := app.NewLogger(os.Stdout, cfg.Log.Level)
	slog.SetDefault(log)

	// --------------------
	// Build + run
	// --------------------

	var reg *metrics.Registry
	if cfg.Metrics.Listen != "" {
		reg = metrics.NewRegistry()
	}

	rt, err := app.New(cfg, app.Options{}, reg, log)
	if err != nil {
		fatal(log, "startup failed", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		fatal(log, "tagbridge failed", err)
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
