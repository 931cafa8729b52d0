// internal/app/app.go

// Package app wires one tagbridge process from its config: controllers,
// broker, watch server, logging sink and serial bridges.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tamzrod/tagbridge/internal/broker"
	"github.com/tamzrod/tagbridge/internal/config"
	"github.com/tamzrod/tagbridge/internal/controller"
	"github.com/tamzrod/tagbridge/internal/controller/modbus"
	"github.com/tamzrod/tagbridge/internal/historian"
	"github.com/tamzrod/tagbridge/internal/metrics"
	"github.com/tamzrod/tagbridge/internal/relay"
	"github.com/tamzrod/tagbridge/internal/rotator"
	"github.com/tamzrod/tagbridge/internal/serialbridge"
	"github.com/tamzrod/tagbridge/internal/sink"
	"github.com/tamzrod/tagbridge/internal/watch"
)

// ShutdownTimeout bounds teardown after the run context ends.
const ShutdownTimeout = 10 * time.Second

// Options replaces the real controller, port and relay factories (tests).
type Options struct {
	Controllers []controller.Controller
	OpenPort    func(config.SerialConfig) (io.ReadWriteCloser, error)
	DialRelay   func(url, name string, log *slog.Logger) (relay.Conn, error)
}

// Runtime is one wired process.
type Runtime struct {
	cfg *config.Config
	reg *metrics.Registry
	log *slog.Logger

	Broker    *broker.Broker
	Watch     *watch.Server
	Historian *historian.Sink  // nil when logging is disabled
	Writer    *rotator.Writer  // nil without local writes
	Publisher *relay.Publisher // nil without relay
	Bridges   []*serialbridge.Bridge
}

// New builds every component. cfg must already be validated and normalized.
// Nothing runs until Run.
func New(cfg *config.Config, opts Options, reg *metrics.Registry, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.OpenPort == nil {
		opts.OpenPort = openPort
	}
	if opts.DialRelay == nil {
		opts.DialRelay = relay.Dial
	}

	rt := &Runtime{cfg: cfg, reg: reg, log: log}

	// ---- controllers + broker ----
	ctrls := opts.Controllers
	if ctrls == nil {
		for _, cc := range cfg.Controllers {
			c, err := modbus.FromConfig(cc, log.With("controller", cc.Name))
			if err != nil {
				return nil, fmt.Errorf("app: controller %s: %w", cc.Name, err)
			}
			ctrls = append(ctrls, c)
		}
	}

	b, err := broker.New(broker.Config{StatusInterval: cfg.Broker.StatusInterval()}, ctrls, reg, log)
	if err != nil {
		return nil, err
	}
	rt.Broker = b

	sm, err := sink.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	// ---- logging sink ----
	if cfg.Logging.Enabled {
		if err := rt.buildHistorian(ctrls, sm, opts); err != nil {
			rt.closeOutputs()
			return nil, err
		}
	}

	// ---- watch ----
	wc := cfg.Watch
	var logging watch.LoggingConfigs
	if rt.Historian != nil {
		logging = rt.Historian
	}
	rt.Watch, err = watch.NewServer(watch.Config{
		Listen:          wc.Listen,
		Path:            wc.Path,
		Window:          ms(wc.WindowMs),
		DefaultInterval: ms(wc.DefaultIntervalMs),
		ResumeGrace:     ms(wc.ResumeGraceMs),
		PingInterval:    ms(wc.PingIntervalMs),
	}, b, logging, reg, sm, log)
	if err != nil {
		rt.closeOutputs()
		return nil, err
	}

	// ---- serial bridges ----
	for _, sc := range cfg.Serial {
		br, err := rt.buildBridge(sc, opts)
		if err != nil {
			rt.closeOutputs()
			return nil, err
		}
		rt.Bridges = append(rt.Bridges, br)
	}

	return rt, nil
}

func (rt *Runtime) buildHistorian(ctrls []controller.Controller, sm *sink.Metrics, opts Options) error {
	lc := rt.cfg.Logging

	store, err := historian.NewStore(lc.ConfigDir, rt.log)
	if err != nil {
		return err
	}

	var target rotator.Target
	if lc.LogDir != "" && (lc.Relay == nil || lc.Relay.LocalWrite) {
		w, err := rotator.New(rotator.Config{
			Dir:      lc.LogDir,
			Bucket:   lc.Bucket,
			FileTime: ms(lc.FileTimeMs),
		}, rt.reg, rt.log)
		if err != nil {
			return err
		}
		rt.Writer = w
		target = w
	}

	var fwd historian.Relay
	if lc.Relay != nil {
		conn, err := opts.DialRelay(lc.Relay.URL, "tagbridge", rt.log)
		if err != nil {
			return fmt.Errorf("app: relay: %w", err)
		}
		p, err := relay.NewPublisher(conn, lc.Relay.Subject, lc.Relay.LocalWrite)
		if err != nil {
			conn.Close()
			return err
		}
		rt.Publisher = p
		fwd = p
	}

	names := make([]string, 0, len(ctrls))
	for _, c := range ctrls {
		names = append(names, c.Name())
	}

	h, err := historian.New(historian.Options{
		Controllers: names,
		Window:      ms(lc.WindowMs),
		Cycle:       ms(lc.CycleMs),
		Retry:       ms(lc.RetryMs),
		SinkMetrics: sm,
	}, rt.Broker, store, target, fwd, rt.reg, rt.log)
	if err != nil {
		return err
	}
	rt.Historian = h
	return nil
}

func (rt *Runtime) buildBridge(sc config.SerialConfig, opts Options) (*serialbridge.Bridge, error) {
	port, err := opts.OpenPort(sc)
	if err != nil {
		return nil, err
	}

	sy := sc.Symbols
	br, err := serialbridge.New(serialbridge.Config{
		Name:       sc.Name,
		Controller: sc.Controller,
		Symbols: serialbridge.Symbols{
			InitRequest:      sy.InitRequest,
			ReceiveAccept:    sy.ReceiveAccept,
			TransmitRequest:  sy.TransmitRequest,
			InitAccepted:     sy.InitAccepted,
			ReceiveRequest:   sy.ReceiveRequest,
			TransmitAccepted: sy.TransmitAccepted,
			SendBuffer:       sy.SendBuffer,
			ReceiveBuffer:    sy.ReceiveBuffer,
			Heartbeat:        sy.Heartbeat,
		},
		Retry:     ms(sc.RetryMs),
		ChunkSize: rt.receiveChunk(sc),
		Reopen:    func() (io.ReadWriteCloser, error) { return opts.OpenPort(sc) },
	}, rt.Broker, port, rt.reg, rt.log)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return br, nil
}

// receiveChunk is the byte capacity of the bridge's receive-buffer symbol
// (two characters per register).
func (rt *Runtime) receiveChunk(sc config.SerialConfig) int {
	for _, c := range rt.cfg.Controllers {
		if c.Name != sc.Controller {
			continue
		}
		for _, s := range c.Symbols {
			if s.Name == sc.Symbols.ReceiveBuffer {
				return int(s.Length) * 2
			}
		}
	}
	return 0
}

func openPort(sc config.SerialConfig) (io.ReadWriteCloser, error) {
	return serialbridge.OpenPort(serialbridge.PortConfig{
		Address:  sc.Port.Address,
		BaudRate: sc.Port.BaudRate,
		DataBits: sc.Port.DataBits,
		StopBits: sc.Port.StopBits,
		Parity:   sc.Port.Parity,
		Timeout:  ms(sc.Port.TimeoutMs),
	})
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// ------------------------------------------------------------
// RUN
// ------------------------------------------------------------

// Run connects the controllers, starts every component and blocks until ctx
// is done or a component fails. Teardown always runs before it returns.
func (rt *Runtime) Run(ctx context.Context) error {
	// unreachable controllers reconnect on their next operation
	_ = rt.Broker.Connect(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return rt.Broker.Run(gctx) })
	g.Go(func() error { return rt.Watch.Run(gctx) })
	g.Go(func() error { return rt.reg.Serve(gctx, rt.cfg.Metrics.Listen, rt.log) })

	if rt.Historian != nil {
		rt.Historian.Reload()
		g.Go(func() error { return rt.Historian.Run(gctx) })
		if rt.cfg.Logging.WatchDir {
			g.Go(func() error { return rt.Historian.Watch(gctx) })
		}
	}

	for _, br := range rt.Bridges {
		br := br
		g.Go(func() error { return br.Run(gctx) })
	}

	rt.log.Info("tagbridge running",
		"controllers", len(rt.Broker.Controllers()),
		"logging", rt.Historian != nil,
		"bridges", len(rt.Bridges))

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	rt.Shutdown(shutdownCtx)
	return err
}

// Shutdown releases the logging subscriptions, writes the last window,
// completes the open segment and disconnects the controllers.
func (rt *Runtime) Shutdown(ctx context.Context) {
	rt.Watch.Close(ctx)
	if rt.Historian != nil {
		rt.Historian.Close(ctx)
		if n := rt.Historian.Pending(); n > 0 {
			rt.log.Warn("log bytes not written at shutdown", "bytes", n)
		}
	}
	rt.closeOutputs()
	if err := rt.Broker.Close(); err != nil {
		rt.log.Warn("controller disconnect failed", "error", err)
	}
	rt.log.Info("tagbridge stopped")
}

func (rt *Runtime) closeOutputs() {
	if rt.Writer != nil {
		if err := rt.Writer.Close(); err != nil {
			rt.log.Warn("log writer close failed", "error", err)
		}
	}
	if rt.Publisher != nil {
		rt.Publisher.Close()
	}
}
