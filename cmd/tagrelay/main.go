// cmd/tagrelay/main.go
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
		fmt.Fprintln(os.Stderr, "usage: tagrelay <config.yaml>")
		os.Exit(2)
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := config.ValidateRelay(cfg); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	config.Normalize(cfg)

	log := app.NewLogger(os.Stdout, cfg.Log.Level)
	slog.SetDefault(log)

	var reg *metrics.Registry
	if cfg.Metrics.Listen != "" {
		reg = metrics.NewRegistry()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunRelay(ctx, cfg, nil, reg, log); err != nil {
		log.Error("tagrelay failed", "error", err)
		os.Exit(1)
	}
}
