// internal/controller/controllertest/fake.go

// Package controllertest provides an in-memory controller for tests.
package controllertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tamzrod/tagbridge/internal/controller"
)

// Controller is an in-memory controller.Controller. Samples are only
// emitted when the test calls Emit.
type Controller struct {
	name string

	mu        sync.Mutex
	connected bool
	values    map[string]any
	subs      map[string]controller.SampleFunc
	nextID    uint64

	// Calls counts controller-level calls by operation name.
	Calls map[string]int

	// FailSubscribe, FailUnsubscribe, FailRead, FailWrite make the
	// matching operation fail for the listed symbols ("*" = all).
	FailSubscribe   map[string]error
	FailUnsubscribe map[string]error
	FailRead        map[string]error
	FailWrite       map[string]error

	// Writes records every successful write in order.
	Writes []Write
}

// Write is one recorded WriteSymbolValue call.
type Write struct {
	Symbol string
	Value  any
}

var _ controller.Controller = (*Controller)(nil)

// New creates a connected fake controller.
func New(name string) *Controller {
	return &Controller{
		name:            name,
		connected:       true,
		values:          make(map[string]any),
		subs:            make(map[string]controller.SampleFunc),
		Calls:           make(map[string]int),
		FailSubscribe:   make(map[string]error),
		FailUnsubscribe: make(map[string]error),
		FailRead:        make(map[string]error),
		FailWrite:       make(map[string]error),
	}
}

func failure(m map[string]error, symbol string) error {
	if err, ok := m[symbol]; ok {
		return err
	}
	return m["*"]
}

func (c *Controller) Name() string { return c.name }

func (c *Controller) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["connect"]++
	c.connected = true
	return nil
}

func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["disconnect"]++
	c.connected = false
	return nil
}

func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected flips the connectivity flag.
func (c *Controller) SetConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

func (c *Controller) DataTypes(context.Context) (map[string]controller.TypeDescriptor, error) {
	return map[string]controller.TypeDescriptor{"bool": {Name: "bool", Size: 1}}, nil
}

func (c *Controller) Symbols(context.Context) (map[string]controller.SymbolDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]controller.SymbolDescriptor, len(c.values))
	for s := range c.values {
		out[s] = controller.SymbolDescriptor{Name: s, Writable: true}
	}
	return out, nil
}

func (c *Controller) SubscribeCyclic(_ context.Context, symbol string, fn controller.SampleFunc, interval time.Duration) (controller.Handle, error) {
	return c.subscribe("subscribe", symbol, fn, interval, false)
}

func (c *Controller) SubscribeOnChange(_ context.Context, symbol string, fn controller.SampleFunc) (controller.Handle, error) {
	return c.subscribe("subscribe", symbol, fn, 0, true)
}

func (c *Controller) subscribe(op, symbol string, fn controller.SampleFunc, interval time.Duration, onChange bool) (controller.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls[op]++
	if err := failure(c.FailSubscribe, symbol); err != nil {
		return controller.Handle{}, err
	}
	c.nextID++
	c.subs[symbol] = fn
	return controller.Handle{Symbol: symbol, ID: c.nextID, OnChange: onChange, Interval: interval}, nil
}

func (c *Controller) Unsubscribe(_ context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["unsubscribe"]++
	if err := failure(c.FailUnsubscribe, symbol); err != nil {
		return err
	}
	if _, ok := c.subs[symbol]; !ok {
		return fmt.Errorf("%w: %s", controller.ErrNotSubscribed, symbol)
	}
	delete(c.subs, symbol)
	return nil
}

func (c *Controller) UnsubscribeAll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["unsubscribe_all"]++
	c.subs = make(map[string]controller.SampleFunc)
	return nil
}

func (c *Controller) ReadSymbolValue(_ context.Context, symbol string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["read"]++
	if err := failure(c.FailRead, symbol); err != nil {
		return nil, err
	}
	v, ok := c.values[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", controller.ErrUnknownSymbol, symbol)
	}
	return v, nil
}

func (c *Controller) WriteSymbolValue(_ context.Context, symbol string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["write"]++
	if err := failure(c.FailWrite, symbol); err != nil {
		return err
	}
	c.values[symbol] = value
	c.Writes = append(c.Writes, Write{Symbol: symbol, Value: value})
	return nil
}

// ---- test helpers ----

// Set stores a symbol value without recording a write.
func (c *Controller) Set(symbol string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[symbol] = v
}

// Value returns the stored value of a symbol.
func (c *Controller) Value(symbol string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[symbol]
}

// Emit delivers one sample to the live subscription of symbol.
// It reports whether a subscription existed.
func (c *Controller) Emit(symbol string, v any, ts time.Time) bool {
	c.mu.Lock()
	fn, ok := c.subs[symbol]
	c.mu.Unlock()
	if !ok {
		return false
	}
	fn(controller.Sample{Controller: c.name, Symbol: symbol, Value: v, Timestamp: ts})
	return true
}

// Subscribed lists symbols with a live subscription, sorted.
func (c *Controller) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CallCount returns the number of calls of op.
func (c *Controller) CallCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls[op]
}

// SetFailSubscribe sets or clears (err == nil) a subscribe failure.
func (c *Controller) SetFailSubscribe(symbol string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.FailSubscribe, symbol)
		return
	}
	c.FailSubscribe[symbol] = err
}

// SetFailWrite sets or clears (err == nil) a write failure.
func (c *Controller) SetFailWrite(symbol string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.FailWrite, symbol)
		return
	}
	c.FailWrite[symbol] = err
}

// WritesOf returns the recorded writes of one symbol.
func (c *Controller) WritesOf(symbol string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, w := range c.Writes {
		if w.Symbol == symbol {
			out = append(out, w.Value)
		}
	}
	return out
}
