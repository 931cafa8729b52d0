// internal/app/relay.go
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tamzrod/tagbridge/internal/config"
	"github.com/tamzrod/tagbridge/internal/metrics"
	"github.com/tamzrod/tagbridge/internal/relay"
	"github.com/tamzrod/tagbridge/internal/rotator"
)

// RunRelay runs the relay process: every window published on the relay
// subject is written through a local rotator until ctx is done. dial may be
// nil (relay.Dial).
func RunRelay(ctx context.Context, cfg *config.Config, dial func(url, name string, log *slog.Logger) (relay.Conn, error), reg *metrics.Registry, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if dial == nil {
		dial = relay.Dial
	}
	rc := cfg.RelayServer

	w, err := rotator.New(rotator.Config{
		Dir:      rc.LogDir,
		Bucket:   rc.Bucket,
		FileTime: ms(rc.FileTimeMs),
	}, reg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Warn("log writer close failed", "error", err)
		}
	}()

	conn, err := dial(rc.URL, "tagrelay", log)
	if err != nil {
		return fmt.Errorf("app: relay: %w", err)
	}
	defer conn.Close()

	recv, err := relay.NewReceiver(conn, rc.Subject, w, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return recv.Run(gctx) })
	g.Go(func() error { return reg.Serve(gctx, cfg.Metrics.Listen, log) })

	log.Info("tagrelay running", "subject", rc.Subject, "dir", rc.LogDir)
	err = g.Wait()

	if n := recv.Pending(); n > 0 {
		log.Warn("relayed bytes not written at shutdown", "bytes", n)
	}
	return err
}
