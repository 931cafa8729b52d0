// internal/controller/modbus/controller_test.go
package modbus

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/tagbridge/internal/config"
	"github.com/tamzrod/tagbridge/internal/controller"
)

// ---- fake client ----

type fakeClient struct {
	mu       sync.Mutex
	coils    map[uint16]bool
	discrete map[uint16]bool
	holding  map[uint16]uint16
	input    map[uint16]uint16

	failNext error
	closed   bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		coils:    map[uint16]bool{},
		discrete: map[uint16]bool{},
		holding:  map[uint16]uint16{},
		input:    map[uint16]uint16{},
	}
}

func (f *fakeClient) takeErr() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeClient) bits(m map[uint16]bool, addr, qty uint16) ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	out := make([]bool, qty)
	for i := range out {
		out[i] = m[addr+uint16(i)]
	}
	return out, nil
}

func (f *fakeClient) regs(m map[uint16]uint16, addr, qty uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return nil, err
	}
	out := make([]uint16, qty)
	for i := range out {
		out[i] = m[addr+uint16(i)]
	}
	return out, nil
}

func (f *fakeClient) ReadCoils(addr, qty uint16) ([]bool, error) { return f.bits(f.coils, addr, qty) }
func (f *fakeClient) ReadDiscreteInputs(addr, qty uint16) ([]bool, error) {
	return f.bits(f.discrete, addr, qty)
}
func (f *fakeClient) ReadHoldingRegisters(addr, qty uint16) ([]uint16, error) {
	return f.regs(f.holding, addr, qty)
}
func (f *fakeClient) ReadInputRegisters(addr, qty uint16) ([]uint16, error) {
	return f.regs(f.input, addr, qty)
}

func (f *fakeClient) WriteCoil(addr uint16, v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	f.coils[addr] = v
	return nil
}

func (f *fakeClient) WriteRegisters(addr uint16, regs []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	for i, r := range regs {
		f.holding[addr+uint16(i)] = r
	}
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) setHolding(addr uint16, v uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holding[addr] = v
}

// ---- helpers ----

var testSymbols = []config.SymbolConfig{
	{Name: "Main.X", Area: config.AreaCoil, Address: 0, Type: config.TypeBool},
	{Name: "Main.Ready", Area: config.AreaDiscrete, Address: 3, Type: config.TypeBool},
	{Name: "Main.Temp", Area: config.AreaHolding, Address: 0, Type: config.TypeFloat32},
	{Name: "Main.Count", Area: config.AreaHolding, Address: 2, Type: config.TypeInt16},
	{Name: "Main.Text", Area: config.AreaHolding, Address: 10, Type: config.TypeString, Length: 4},
	{Name: "Main.Mode", Area: config.AreaHolding, Address: 20, Type: config.TypeEnum,
		Enum: map[int64]string{0: "Stopped", 1: "Running"}},
	{Name: "Main.Level", Area: config.AreaInput, Address: 0, Type: config.TypeUint32},
}

func newTestController(t *testing.T, fc *fakeClient) (*Controller, *int) {
	t.Helper()
	dials := 0
	c, err := New(Config{
		Name:         "PLC1",
		OnChangePoll: 5 * time.Millisecond,
		Symbols:      testSymbols,
	}, func() (Client, error) {
		dials++
		return fc, nil
	}, nil)
	require.NoError(t, err)
	return c, &dials
}

// ---- tests ----

func TestReadDecodesTypes(t *testing.T) {
	fc := newFakeClient()
	bits := math.Float32bits(23.5)
	fc.holding[0] = uint16(bits >> 16)
	fc.holding[1] = uint16(bits)
	fc.holding[2] = uint16(0xFFFE) // -2
	fc.holding[10] = uint16('O')<<8 | uint16('K')
	fc.holding[20] = 1
	fc.input[0] = 0x0001
	fc.input[1] = 0x0002
	fc.discrete[3] = true

	c, _ := newTestController(t, fc)
	ctx := context.Background()

	v, err := c.ReadSymbolValue(ctx, "Main.Temp")
	require.NoError(t, err)
	assert.Equal(t, float32(23.5), v)

	v, err = c.ReadSymbolValue(ctx, "Main.Count")
	require.NoError(t, err)
	assert.Equal(t, int16(-2), v)

	v, err = c.ReadSymbolValue(ctx, "Main.Text")
	require.NoError(t, err)
	assert.Equal(t, "OK", v)

	v, err = c.ReadSymbolValue(ctx, "Main.Mode")
	require.NoError(t, err)
	assert.Equal(t, controller.EnumValue{Value: 1, Name: "Running"}, v)

	v, err = c.ReadSymbolValue(ctx, "Main.Level")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00010002), v)

	v, err = c.ReadSymbolValue(ctx, "Main.Ready")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	assert.True(t, c.IsConnected())
}

func TestWriteEncodesTypes(t *testing.T) {
	fc := newFakeClient()
	c, _ := newTestController(t, fc)
	ctx := context.Background()

	require.NoError(t, c.WriteSymbolValue(ctx, "Main.X", true))
	require.NoError(t, c.WriteSymbolValue(ctx, "Main.Count", float64(-3)))
	require.NoError(t, c.WriteSymbolValue(ctx, "Main.Text", "hello world"))
	require.NoError(t, c.WriteSymbolValue(ctx, "Main.Mode", "Stopped"))

	assert.True(t, fc.coils[0])
	assert.Equal(t, uint16(0xFFFD), fc.holding[2])
	// truncated to 4 registers = 8 chars
	assert.Equal(t, "hello wo", decodeString([]uint16{fc.holding[10], fc.holding[11], fc.holding[12], fc.holding[13]}))
	assert.Equal(t, uint16(0), fc.holding[20])

	err := c.WriteSymbolValue(ctx, "Main.Count", 1.5)
	assert.Error(t, err)

	err = c.WriteSymbolValue(ctx, "Main.Count", 40000)
	assert.Error(t, err)
}

func TestWriteReadOnlyRejected(t *testing.T) {
	c, _ := newTestController(t, newFakeClient())

	err := c.WriteSymbolValue(context.Background(), "Main.Level", 1)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestUnknownSymbol(t *testing.T) {
	c, _ := newTestController(t, newFakeClient())

	_, err := c.ReadSymbolValue(context.Background(), "Nope")
	assert.ErrorIs(t, err, controller.ErrUnknownSymbol)

	_, err = c.SubscribeOnChange(context.Background(), "Nope", func(controller.Sample) {})
	assert.ErrorIs(t, err, controller.ErrUnknownSymbol)
}

func TestTransportErrorDiscardsClient(t *testing.T) {
	fc := newFakeClient()
	c, dials := newTestController(t, fc)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, 1, *dials)

	fc.failNext = errors.New("connection reset")
	_, err := c.ReadSymbolValue(ctx, "Main.Count")
	require.Error(t, err)
	assert.False(t, c.IsConnected())
	assert.True(t, fc.closed)

	_, err = c.ReadSymbolValue(ctx, "Main.Count")
	require.NoError(t, err)
	assert.Equal(t, 2, *dials)
	assert.True(t, c.IsConnected())
}

func TestExceptionKeepsClient(t *testing.T) {
	fc := newFakeClient()
	c, dials := newTestController(t, fc)
	ctx := context.Background()

	fc.failNext = &modbus.ModbusError{FunctionCode: 3, ExceptionCode: 2}
	_, err := c.ReadSymbolValue(ctx, "Main.Count")
	require.Error(t, err)
	assert.True(t, c.IsConnected())

	_, err = c.ReadSymbolValue(ctx, "Main.Count")
	require.NoError(t, err)
	assert.Equal(t, 1, *dials)
}

func TestSubscribeOnChangeEmitsOnlyChanges(t *testing.T) {
	fc := newFakeClient()
	c, _ := newTestController(t, fc)

	var mu sync.Mutex
	var got []any
	_, err := c.SubscribeOnChange(context.Background(), "Main.Count", func(s controller.Sample) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s.Value)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	// unchanged value for several poll periods: no new samples
	time.Sleep(30 * time.Millisecond)
	fc.setHolding(2, 7)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Unsubscribe(context.Background(), "Main.Count"))

	mu.Lock()
	assert.Equal(t, []any{int16(0), int16(7)}, got)
	mu.Unlock()
}

func TestUnsubscribeUnknown(t *testing.T) {
	c, _ := newTestController(t, newFakeClient())

	err := c.Unsubscribe(context.Background(), "Main.X")
	assert.ErrorIs(t, err, controller.ErrNotSubscribed)
}

func TestSymbolsDescribeWritability(t *testing.T) {
	c, _ := newTestController(t, newFakeClient())

	syms, err := c.Symbols(context.Background())
	require.NoError(t, err)
	assert.Len(t, syms, len(testSymbols))
	assert.True(t, syms["Main.X"].Writable)
	assert.False(t, syms["Main.Ready"].Writable)

	types, err := c.DataTypes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, types[config.TypeFloat32].Size)
}
