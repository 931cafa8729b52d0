// internal/controller/controller.go
package controller

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownSymbol is returned for symbols the controller does not expose.
var ErrUnknownSymbol = errors.New("controller: unknown symbol")

// ErrNotSubscribed is returned when unsubscribing a symbol with no live subscription.
var ErrNotSubscribed = errors.New("controller: symbol not subscribed")

// Sample is one value notification emitted by a controller subscription.
type Sample struct {
	Controller string
	Symbol     string
	Value      any
	Type       string
	Timestamp  time.Time
}

// SampleFunc receives samples from a controller-level subscription.
// It is called from the controller's own goroutine and must not block.
type SampleFunc func(Sample)

// EnumValue is the value shape of enumerated symbols.
type EnumValue struct {
	Value int64  `json:"value"`
	Name  string `json:"name"`
}

// Handle identifies one controller-level subscription.
type Handle struct {
	Symbol   string
	ID       uint64
	OnChange bool
	Interval time.Duration
}

// TypeDescriptor describes one data type the controller understands.
type TypeDescriptor struct {
	Name string `json:"name"`
	Size int    `json:"size"` // bytes
}

// SymbolDescriptor describes one addressable symbol.
type SymbolDescriptor struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Area     string `json:"area"`
	Address  uint16 `json:"address"`
	Writable bool   `json:"writable"`
}

// Controller is the capability the broker needs from one physical or
// simulated controller. Callers never see driver-specific types.
type Controller interface {
	Name() string

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	DataTypes(ctx context.Context) (map[string]TypeDescriptor, error)
	Symbols(ctx context.Context) (map[string]SymbolDescriptor, error)

	SubscribeCyclic(ctx context.Context, symbol string, fn SampleFunc, interval time.Duration) (Handle, error)
	SubscribeOnChange(ctx context.Context, symbol string, fn SampleFunc) (Handle, error)
	Unsubscribe(ctx context.Context, symbol string) error
	UnsubscribeAll(ctx context.Context) error

	ReadSymbolValue(ctx context.Context, symbol string) (any, error)
	WriteSymbolValue(ctx context.Context, symbol string, value any) error
}
