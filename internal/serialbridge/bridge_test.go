// internal/serialbridge/bridge_test.go
package serialbridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/tagbridge/internal/broker"
	"github.com/tamzrod/tagbridge/internal/controller"
	"github.com/tamzrod/tagbridge/internal/controller/controllertest"
	"github.com/tamzrod/tagbridge/internal/metrics"
)

// ---- fakes ----

type fakeStream struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []string
}

func newFakeStream() *fakeStream {
	return &fakeStream{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeStream) Read(p []byte) (int, error) {
	select {
	case b := <-f.in:
		return copy(p, b), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeStream) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, string(p))
	return len(p), nil
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) transmissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

var testSymbols = Symbols{
	InitRequest:      "Serial.InitReq",
	ReceiveAccept:    "Serial.RxAccept",
	TransmitRequest:  "Serial.TxReq",
	InitAccepted:     "Serial.InitAck",
	ReceiveRequest:   "Serial.RxReq",
	TransmitAccepted: "Serial.TxAck",
	SendBuffer:       "Serial.TxBuf",
	ReceiveBuffer:    "Serial.RxBuf",
	Heartbeat:        "Serial.Heartbeat",
}

type harness struct {
	plc    *controllertest.Controller
	stream *fakeStream
	bridge *Bridge
	cancel context.CancelFunc
	done   chan struct{}
}

func start(t *testing.T, cfg Config) *harness {
	t.Helper()
	plc := controllertest.New("PLC1")
	b, err := broker.New(broker.Config{StatusInterval: time.Hour}, []controller.Controller{plc}, nil, nil)
	require.NoError(t, err)

	cfg.Name = "port1"
	cfg.Controller = "PLC1"
	cfg.Symbols = testSymbols
	if cfg.Retry == 0 {
		cfg.Retry = 5 * time.Millisecond
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = time.Hour
	}

	stream := newFakeStream()
	br, err := New(cfg, b, stream, metrics.NewRegistry(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{plc: plc, stream: stream, bridge: br, cancel: cancel, done: make(chan struct{})}
	go func() {
		_ = br.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.stop)

	require.Eventually(t, func() bool { return len(plc.Subscribed()) == 3 }, time.Second, time.Millisecond)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) emit(symbol string, v bool) {
	h.plc.Emit(symbol, v, time.Now())
}

// ---- tests ----

func TestBridge_AnnouncesIdleStatusAndSubscribes(t *testing.T) {
	h := start(t, Config{})

	assert.Equal(t, []string{"Serial.InitReq", "Serial.RxAccept", "Serial.TxReq"}, h.plc.Subscribed())
	for _, sym := range []string{testSymbols.InitAccepted, testSymbols.ReceiveRequest, testSymbols.TransmitAccepted} {
		assert.Equal(t, []any{false}, h.plc.WritesOf(sym), sym)
	}
	assert.Equal(t, "serial:port1", h.bridge.ID())
}

func TestBridge_TransmitEdge(t *testing.T) {
	h := start(t, Config{})
	h.plc.Set(testSymbols.SendBuffer, "HELLO\r\n")

	h.emit(testSymbols.TransmitRequest, true)
	require.Eventually(t, func() bool {
		return h.plc.Value(testSymbols.TransmitAccepted) == true
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"HELLO\r\n"}, h.stream.transmissions())

	// same control word again: no edge, no second transmission
	h.emit(testSymbols.TransmitRequest, true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"HELLO\r\n"}, h.stream.transmissions())
	assert.Equal(t, []any{false, true}, h.plc.WritesOf(testSymbols.TransmitAccepted))

	// the falling edge is the next request
	h.plc.Set(testSymbols.SendBuffer, "AGAIN")
	h.emit(testSymbols.TransmitRequest, false)
	require.Eventually(t, func() bool {
		return len(h.stream.transmissions()) == 2
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return h.plc.Value(testSymbols.TransmitAccepted) == false
	}, time.Second, time.Millisecond)
	assert.Equal(t, "AGAIN", h.stream.transmissions()[1])
}

func TestBridge_ReceiveLevelHandshake(t *testing.T) {
	h := start(t, Config{ChunkSize: 4})

	// controller not ready: accept differs from request
	h.emit(testSymbols.ReceiveAccept, true)
	h.stream.in <- []byte("abcdef")
	require.Eventually(t, func() bool { return h.bridge.Queued() == 2 }, time.Second, time.Millisecond)
	assert.Empty(t, h.plc.WritesOf(testSymbols.ReceiveBuffer))

	h.emit(testSymbols.ReceiveAccept, false)
	require.Eventually(t, func() bool {
		return h.plc.Value(testSymbols.ReceiveRequest) == true
	}, time.Second, time.Millisecond)
	assert.Equal(t, []any{"abcd"}, h.plc.WritesOf(testSymbols.ReceiveBuffer))
	assert.Equal(t, 1, h.bridge.Queued())

	h.emit(testSymbols.ReceiveAccept, true)
	require.Eventually(t, func() bool {
		return h.plc.Value(testSymbols.ReceiveRequest) == false
	}, time.Second, time.Millisecond)
	assert.Equal(t, []any{"abcd", "ef"}, h.plc.WritesOf(testSymbols.ReceiveBuffer))
	assert.Equal(t, 0, h.bridge.Queued())
}

func TestBridge_InitClearsQueues(t *testing.T) {
	h := start(t, Config{})

	h.emit(testSymbols.ReceiveAccept, true)
	h.stream.in <- []byte("stale")
	require.Eventually(t, func() bool { return h.bridge.Queued() == 1 }, time.Second, time.Millisecond)

	h.emit(testSymbols.InitRequest, true)
	require.Eventually(t, func() bool {
		return h.plc.Value(testSymbols.InitAccepted) == true
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.bridge.Queued())

	h.emit(testSymbols.InitRequest, false)
	require.Eventually(t, func() bool {
		return h.plc.Value(testSymbols.InitAccepted) == false
	}, time.Second, time.Millisecond)
	assert.Empty(t, h.plc.WritesOf(testSymbols.ReceiveBuffer))
}

func TestBridge_WritesRetriedUntilAccepted(t *testing.T) {
	h := start(t, Config{})
	h.plc.Set(testSymbols.SendBuffer, "X")
	h.plc.SetFailWrite(testSymbols.TransmitAccepted, errors.New("timeout"))

	h.emit(testSymbols.TransmitRequest, true)
	require.Eventually(t, func() bool { return len(h.stream.transmissions()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []any{false}, h.plc.WritesOf(testSymbols.TransmitAccepted))

	h.plc.SetFailWrite(testSymbols.TransmitAccepted, nil)
	require.Eventually(t, func() bool {
		return h.plc.Value(testSymbols.TransmitAccepted) == true
	}, time.Second, time.Millisecond)
	assert.Len(t, h.stream.transmissions(), 1)
}

func TestBridge_Heartbeat(t *testing.T) {
	h := start(t, Config{Heartbeat: 5 * time.Millisecond})

	require.Eventually(t, func() bool {
		return len(h.plc.WritesOf(testSymbols.Heartbeat)) >= 3
	}, time.Second, time.Millisecond)
	beats := h.plc.WritesOf(testSymbols.Heartbeat)
	assert.Equal(t, int16(1), beats[0])
	assert.Equal(t, int16(2), beats[1])
}

func TestBridge_StopReleasesEverything(t *testing.T) {
	h := start(t, Config{})
	h.stop()

	assert.Empty(t, h.plc.Subscribed())
	select {
	case <-h.stream.closed:
	default:
		t.Fatal("stream not closed")
	}
}

func TestBridge_QueueBound(t *testing.T) {
	br, err := New(Config{Name: "p", Controller: "PLC1", ChunkSize: 2, MaxChunks: 3},
		&broker.Broker{}, newFakeStream(), nil, nil)
	require.NoError(t, err)

	br.enqueue([]byte("aabbccdd"))
	assert.Equal(t, 3, br.Queued())
	p, ok := br.dequeue()
	require.True(t, ok)
	assert.Equal(t, "bb", string(p))
}

func TestBridge_ReopensFailedPort(t *testing.T) {
	next := newFakeStream()
	var (
		mu       sync.Mutex
		attempts int
	)
	h := start(t, Config{Reopen: func() (io.ReadWriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil, errors.New("device busy")
		}
		return next, nil
	}})

	// port unplugged
	_ = h.stream.Close()
	require.Eventually(t, func() bool { return h.bridge.port() == next }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()

	next.in <- []byte("hi")
	require.Eventually(t, func() bool {
		return h.plc.Value(testSymbols.ReceiveBuffer) == "hi"
	}, time.Second, time.Millisecond)

	h.plc.Set(testSymbols.SendBuffer, "X")
	h.emit(testSymbols.TransmitRequest, true)
	require.Eventually(t, func() bool {
		return len(next.transmissions()) == 1
	}, time.Second, time.Millisecond)

	h.stop()
	select {
	case <-next.closed:
	default:
		t.Fatal("reopened port not closed")
	}
}
