// internal/serialbridge/bridge.go

// Package serialbridge emulates a serial port for a controller program: a
// ready/busy handshake over three control bits (controller side) and three
// status bits (bridge side), with string buffers for the payload.
package serialbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tamzrod/tagbridge/internal/broker"
	"github.com/tamzrod/tagbridge/internal/controller"
	"github.com/tamzrod/tagbridge/internal/metrics"
	"github.com/tamzrod/tagbridge/internal/retry"
)

const (
	DefaultRetry     = time.Second
	DefaultHeartbeat = time.Second
	DefaultChunkSize = 64
	DefaultMaxChunks = 1024
)

// Broker is the part of the subscription broker a bridge uses.
type Broker interface {
	SubscribeOnChange(ctx context.Context, sub broker.Subscriber, ctrl, symbol string) error
	UnsubscribeAll(ctx context.Context, id string)
	ReadSymbolValue(ctx context.Context, ctrl, symbol string) (any, error)
	WriteSymbolValue(ctx context.Context, ctrl, symbol string, value any) error
}

// Symbols names the controller symbols of one bridge.
type Symbols struct {
	InitRequest      string
	ReceiveAccept    string
	TransmitRequest  string
	InitAccepted     string
	ReceiveRequest   string
	TransmitAccepted string
	SendBuffer       string
	ReceiveBuffer    string
	Heartbeat        string
}

// Config is the per-bridge config.
type Config struct {
	Name       string
	Controller string
	Symbols    Symbols

	Retry     time.Duration // delay between failed controller writes
	Heartbeat time.Duration
	ChunkSize int // max bytes per receive-buffer write
	MaxChunks int // receive queue bound, oldest dropped

	// Reopen opens the port again after a read failure. Nil leaves the
	// bridge without input once the port fails.
	Reopen func() (io.ReadWriteCloser, error)
}

// ControlWord is the controller-owned half of the handshake.
type ControlWord struct {
	InitRequest     bool
	ReceiveAccept   bool
	TransmitRequest bool
}

// StatusWord is the bridge-owned half of the handshake.
type StatusWord struct {
	InitAccepted     bool
	ReceiveRequest   bool
	TransmitAccepted bool
}

// Bridge is one serial bridge. A single goroutine (Run) owns the handshake
// state; Receive and the port reader only record input and wake it.
type Bridge struct {
	cfg     Config
	broker  Broker
	log     *slog.Logger
	metrics *bridgeMetrics

	wake chan struct{}

	mu      sync.Mutex
	control ControlWord // latest seen
	rx      [][]byte    // received chunks, oldest first

	// owned by Run
	last   ControlWord
	status StatusWord

	portMu  sync.Mutex
	stream  io.ReadWriteCloser
	stopped bool
}

var _ broker.Subscriber = (*Bridge)(nil)

// New creates a bridge over stream.
func New(cfg Config, b Broker, stream io.ReadWriteCloser, reg *metrics.Registry, log *slog.Logger) (*Bridge, error) {
	if cfg.Name == "" || cfg.Controller == "" {
		return nil, errors.New("serialbridge: name and controller required")
	}
	if b == nil || stream == nil {
		return nil, errors.New("serialbridge: broker and stream required")
	}
	if cfg.Retry <= 0 {
		cfg.Retry = DefaultRetry
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}
	if log == nil {
		log = slog.Default()
	}

	m, err := newBridgeMetrics(reg)
	if err != nil {
		return nil, err
	}

	return &Bridge{
		cfg:     cfg,
		broker:  b,
		stream:  stream,
		log:     log.With("bridge", cfg.Name, "controller", cfg.Controller),
		metrics: m,
		wake:    make(chan struct{}, 1),
	}, nil
}

// ID is the broker subscriber id.
func (br *Bridge) ID() string { return "serial:" + br.cfg.Name }

// Receive records a control bit change. Changes are coalesced; the
// controller cannot toggle a bit twice without an answer in between.
func (br *Bridge) Receive(s controller.Sample) {
	v, ok := s.Value.(bool)
	if !ok {
		br.log.Debug("non-bool control sample ignored", "symbol", s.Symbol)
		return
	}

	br.mu.Lock()
	switch s.Symbol {
	case br.cfg.Symbols.InitRequest:
		br.control.InitRequest = v
	case br.cfg.Symbols.ReceiveAccept:
		br.control.ReceiveAccept = v
	case br.cfg.Symbols.TransmitRequest:
		br.control.TransmitRequest = v
	default:
		br.mu.Unlock()
		return
	}
	br.mu.Unlock()
	br.signal()
}

func (br *Bridge) signal() {
	select {
	case br.wake <- struct{}{}:
	default:
	}
}

// Queued returns the number of received chunks waiting for the controller.
func (br *Bridge) Queued() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return len(br.rx)
}

func (br *Bridge) enqueue(p []byte) {
	br.mu.Lock()
	for len(p) > 0 {
		n := min(len(p), br.cfg.ChunkSize)
		br.rx = append(br.rx, append([]byte(nil), p[:n]...))
		p = p[n:]
	}
	dropped := 0
	if over := len(br.rx) - br.cfg.MaxChunks; over > 0 {
		br.rx = br.rx[over:]
		dropped = over
	}
	br.mu.Unlock()

	if dropped > 0 {
		br.log.Warn("receive queue full, oldest chunks dropped", "chunks", dropped)
	}
	br.signal()
}

func (br *Bridge) dequeue() ([]byte, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if len(br.rx) == 0 {
		return nil, false
	}
	p := br.rx[0]
	br.rx = br.rx[1:]
	return p, true
}

// ------------------------------------------------------------
// RUN
// ------------------------------------------------------------

// Run announces the initial status word, subscribes to the control bits and
// drives the handshake until ctx is done. The stream is closed on return.
func (br *Bridge) Run(ctx context.Context) error {
	defer func() {
		br.broker.UnsubscribeAll(context.WithoutCancel(ctx), br.ID())
		br.closePort()
	}()

	sy := br.cfg.Symbols
	for _, sym := range []string{sy.InitAccepted, sy.ReceiveRequest, sy.TransmitAccepted} {
		if err := br.write(ctx, sym, false); err != nil {
			return nil
		}
	}

	for _, sym := range []string{sy.InitRequest, sy.ReceiveAccept, sy.TransmitRequest} {
		err := retry.Forever(ctx, br.cfg.Retry, br.log, "subscribe "+sym, func(ctx context.Context) error {
			return br.broker.SubscribeOnChange(ctx, br, br.cfg.Controller, sym)
		})
		if err != nil {
			return nil
		}
	}
	br.log.Info("serial bridge running")

	go br.readLoop(ctx)
	go br.heartbeatLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-br.wake:
			if err := br.step(ctx); err != nil {
				return nil
			}
		}
	}
}

// step reacts to the latest control word: edges on init and transmit, the
// level comparison for receive.
func (br *Bridge) step(ctx context.Context) error {
	br.mu.Lock()
	cw := br.control
	br.mu.Unlock()

	prev := br.last
	br.last = cw

	if cw.InitRequest != prev.InitRequest {
		return br.handleInit(ctx, cw)
	}

	if cw.TransmitRequest != prev.TransmitRequest {
		if err := br.handleTransmit(ctx); err != nil {
			return err
		}
	}

	if cw.ReceiveAccept == br.status.ReceiveRequest {
		if err := br.handleReceive(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (br *Bridge) handleInit(ctx context.Context, cw ControlWord) error {
	br.mu.Lock()
	br.rx = nil
	br.mu.Unlock()

	if err := br.write(ctx, br.cfg.Symbols.InitAccepted, cw.InitRequest); err != nil {
		return err
	}
	br.status.InitAccepted = cw.InitRequest
	br.log.Info("serial bridge initialised", "init", cw.InitRequest)
	br.metrics.event(br.cfg.Name, "init")
	return nil
}

func (br *Bridge) handleTransmit(ctx context.Context) error {
	var v any
	err := retry.Forever(ctx, br.cfg.Retry, br.log, "read "+br.cfg.Symbols.SendBuffer, func(ctx context.Context) error {
		var err error
		v, err = br.broker.ReadSymbolValue(ctx, br.cfg.Controller, br.cfg.Symbols.SendBuffer)
		return err
	})
	if err != nil {
		return err
	}

	payload := toString(v)
	if _, err := br.port().Write([]byte(payload)); err != nil {
		br.log.Error("serial write failed", "error", err)
	} else {
		br.metrics.bytes(br.cfg.Name, "tx", len(payload))
	}

	next := !br.status.TransmitAccepted
	if err := br.write(ctx, br.cfg.Symbols.TransmitAccepted, next); err != nil {
		return err
	}
	br.status.TransmitAccepted = next
	br.metrics.event(br.cfg.Name, "transmit")
	return nil
}

func (br *Bridge) handleReceive(ctx context.Context) error {
	chunk, ok := br.dequeue()
	if !ok {
		return nil
	}
	if err := br.write(ctx, br.cfg.Symbols.ReceiveBuffer, string(chunk)); err != nil {
		return err
	}

	next := !br.status.ReceiveRequest
	if err := br.write(ctx, br.cfg.Symbols.ReceiveRequest, next); err != nil {
		return err
	}
	br.status.ReceiveRequest = next
	br.metrics.bytes(br.cfg.Name, "rx", len(chunk))
	br.metrics.event(br.cfg.Name, "receive")
	return nil
}

// write retries a controller write until it succeeds or ctx is done.
func (br *Bridge) write(ctx context.Context, symbol string, value any) error {
	return retry.Forever(ctx, br.cfg.Retry, br.log, "write "+symbol, func(ctx context.Context) error {
		return br.broker.WriteSymbolValue(ctx, br.cfg.Controller, symbol, value)
	})
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// ------------------------------------------------------------
// READER / HEARTBEAT
// ------------------------------------------------------------

func (br *Bridge) port() io.ReadWriteCloser {
	br.portMu.Lock()
	defer br.portMu.Unlock()
	return br.stream
}

// swapPort installs a reopened port. It reports false once Run has
// returned; the caller then owns s.
func (br *Bridge) swapPort(s io.ReadWriteCloser) bool {
	br.portMu.Lock()
	defer br.portMu.Unlock()
	if br.stopped {
		return false
	}
	br.stream = s
	return true
}

func (br *Bridge) closePort() {
	br.portMu.Lock()
	defer br.portMu.Unlock()
	br.stopped = true
	_ = br.stream.Close()
}

// readLoop queues port input. A failed port is closed and reopened with
// the write retry delay until it opens again or ctx is done.
func (br *Bridge) readLoop(ctx context.Context) {
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		stream := br.port()
		n, err := stream.Read(buf)
		if n > 0 {
			br.enqueue(buf[:n])
		}
		if err == nil || isTimeout(err) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		br.log.Error("serial read failed", "error", err)
		if br.cfg.Reopen == nil {
			return
		}
		_ = stream.Close()
		if !br.reopen(ctx) {
			return
		}
	}
}

func (br *Bridge) reopen(ctx context.Context) bool {
	var s io.ReadWriteCloser
	err := retry.Forever(ctx, br.cfg.Retry, br.log, "reopen port", func(context.Context) error {
		var err error
		s, err = br.cfg.Reopen()
		return err
	})
	if err != nil {
		return false
	}
	if !br.swapPort(s) {
		_ = s.Close()
		return false
	}
	br.metrics.event(br.cfg.Name, "reopen")
	br.log.Info("serial port reopened")
	return true
}

func (br *Bridge) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(br.cfg.Heartbeat)
	defer ticker.Stop()

	var beat int16
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat++ // wraps to math.MinInt16
			if err := br.write(ctx, br.cfg.Symbols.Heartbeat, beat); err != nil {
				return
			}
		}
	}
}
