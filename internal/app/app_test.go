// internal/app/app_test.go
package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/tagbridge/internal/config"
	"github.com/tamzrod/tagbridge/internal/controller"
	"github.com/tamzrod/tagbridge/internal/controller/controllertest"
	"github.com/tamzrod/tagbridge/internal/historian"
	"github.com/tamzrod/tagbridge/internal/metrics"
	"github.com/tamzrod/tagbridge/internal/relay"
)

type nopPort struct{ closed chan struct{} }

func newNopPort() *nopPort { return &nopPort{closed: make(chan struct{})} }

func (p *nopPort) Read([]byte) (int, error) {
	<-p.closed
	return 0, io.EOF
}
func (p *nopPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *nopPort) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func loggingConfig(t *testing.T) *config.Config {
	t.Helper()
	confDir, logDir := t.TempDir(), t.TempDir()

	raw, err := json.Marshal(historian.Config{
		Measurement: "Reactor",
		Name:        "PLC1",
		Tags:        []historian.Tag{{Field: "Temp", Tag: "Main.Temp", Status: historian.StatusNew}},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(confDir, "PLC1.json"), raw, 0o644))

	cfg := &config.Config{
		Controllers: []config.ControllerConfig{{Name: "PLC1", Endpoint: "127.0.0.1:502"}},
		Logging: config.LoggingConfig{
			Enabled:   true,
			ConfigDir: confDir,
			LogDir:    logDir,
			WindowMs:  10,
		},
	}
	config.Normalize(cfg)
	return cfg
}

func TestRuntime_LogsToCompletedSegmentOnShutdown(t *testing.T) {
	cfg := loggingConfig(t)
	plc := controllertest.New("PLC1")

	rt, err := New(cfg, Options{Controllers: []controller.Controller{plc}}, metrics.NewRegistry(), slog.Default())
	require.NoError(t, err)
	require.NotNil(t, rt.Historian)
	require.NotNil(t, rt.Writer)
	assert.Nil(t, rt.Publisher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(plc.Subscribed()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, plc.Emit("Main.Temp", 23.5, time.UnixMilli(1000)))

	require.Eventually(t, func() bool {
		return rt.Writer.Current() != ""
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, plc.Subscribed())

	entries, err := os.ReadDir(cfg.Logging.LogDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.True(t, strings.HasSuffix(name, ".default.lp"), name)

	data, err := os.ReadFile(filepath.Join(cfg.Logging.LogDir, name))
	require.NoError(t, err)
	assert.Equal(t, "Reactor Temp=23.5 1000\n", string(data))
}

func TestRuntime_RelayOnlySkipsLocalWriter(t *testing.T) {
	cfg := loggingConfig(t)
	cfg.Logging.Relay = &config.RelayConfig{URL: "nats://relay:4222", Subject: "lines"}

	var dialed string
	opts := Options{
		Controllers: []controller.Controller{controllertest.New("PLC1")},
		DialRelay: func(url, _ string, _ *slog.Logger) (relay.Conn, error) {
			dialed = url
			return nopConn{}, nil
		},
	}
	rt, err := New(cfg, opts, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "nats://relay:4222", dialed)
	assert.Nil(t, rt.Writer)
	require.NotNil(t, rt.Publisher)
	assert.False(t, rt.Publisher.LocalWrite())
}

func TestRuntime_RelayDialFailure(t *testing.T) {
	cfg := loggingConfig(t)
	cfg.Logging.Relay = &config.RelayConfig{URL: "nats://relay:4222", LocalWrite: true}

	_, err := New(cfg, Options{
		Controllers: []controller.Controller{controllertest.New("PLC1")},
		DialRelay: func(string, string, *slog.Logger) (relay.Conn, error) {
			return nil, errors.New("no servers available")
		},
	}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no servers available")
}

func TestRuntime_SerialBridgeWired(t *testing.T) {
	cfg := &config.Config{
		Controllers: []config.ControllerConfig{{
			Name: "PLC1",
			Symbols: []config.SymbolConfig{
				{Name: "Serial.RxBuf", Area: config.AreaHolding, Address: 100, Type: config.TypeString, Length: 16},
			},
		}},
		Serial: []config.SerialConfig{{
			Name:       "port1",
			Controller: "PLC1",
			Port:       config.SerialPortConfig{Address: "/dev/ttyS0"},
			Symbols: config.HandshakeSymbols{
				InitRequest: "Serial.InitReq", ReceiveAccept: "Serial.RxAccept", TransmitRequest: "Serial.TxReq",
				InitAccepted: "Serial.InitAck", ReceiveRequest: "Serial.RxReq", TransmitAccepted: "Serial.TxAck",
				SendBuffer: "Serial.TxBuf", ReceiveBuffer: "Serial.RxBuf", Heartbeat: "Serial.Beat",
			},
		}},
	}
	config.Normalize(cfg)

	plc := controllertest.New("PLC1")
	var opened []string
	rt, err := New(cfg, Options{
		Controllers: []controller.Controller{plc},
		OpenPort: func(sc config.SerialConfig) (io.ReadWriteCloser, error) {
			opened = append(opened, sc.Port.Address)
			return newNopPort(), nil
		},
	}, nil, nil)
	require.NoError(t, err)
	require.Len(t, rt.Bridges, 1)
	assert.Equal(t, []string{"/dev/ttyS0"}, opened)
	assert.Equal(t, 32, rt.receiveChunk(cfg.Serial[0]))
	assert.Nil(t, rt.Historian)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(plc.Subscribed()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"serial:port1"}, rt.Broker.Subscribers("PLC1", "Serial.TxReq"))

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, plc.Subscribed())
}

type nopConn struct{}

func (nopConn) Publish(string, []byte) error { return nil }
func (nopConn) Subscribe(string, func([]byte)) (func() error, error) {
	return func() error { return nil }, nil
}
func (nopConn) Close() {}

func TestRunRelay_WritesPublishedWindows(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{RelayServer: config.RelayServerConfig{URL: "nats://relay:4222", LogDir: dir}}
	config.Normalize(cfg)

	bus := &busConn{subscribed: make(chan func([]byte), 1)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunRelay(ctx, cfg, func(string, string, *slog.Logger) (relay.Conn, error) { return bus, nil }, nil, nil)
	}()

	deliver := <-bus.subscribed
	deliver([]byte("Reactor Temp=23.5 1000\n"))

	cancel()
	require.NoError(t, <-done)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "Reactor Temp=23.5 1000\n", string(data))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

// busConn hands the subscription callback to the test.
type busConn struct {
	nopConn
	subscribed chan func([]byte)
}

func (b *busConn) Subscribe(_ string, fn func([]byte)) (func() error, error) {
	b.subscribed <- fn
	return func() error { return nil }, nil
}
