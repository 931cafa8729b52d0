// internal/controller/modbus/controller.go
package modbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tamzrod/tagbridge/internal/config"
	"github.com/tamzrod/tagbridge/internal/controller"
)

// ErrReadOnly is returned when writing a symbol in a read-only area.
var ErrReadOnly = errors.New("modbus: symbol is read-only")

// Config is the runtime config of one Modbus controller.
type Config struct {
	Name         string
	Endpoint     string
	UnitID       uint8
	Timeout      time.Duration
	OnChangePoll time.Duration
	Symbols      []config.SymbolConfig
}

// Controller implements controller.Controller over Modbus TCP.
// Connection is reused while healthy. On transport death the client is
// discarded and the factory is used again on the next operation.
type Controller struct {
	cfg     Config
	symbols map[string]config.SymbolConfig
	factory func() (Client, error)
	log     *slog.Logger

	// clientMu serializes all bus traffic.
	clientMu  sync.Mutex
	client    Client
	connected atomic.Bool

	subsMu sync.Mutex
	subs   map[string]*poll
	nextID uint64
}

// compile-time check
var _ controller.Controller = (*Controller)(nil)

// New creates a controller from its config. No connection is made.
// If factory is nil, Modbus TCP is dialed with the config's endpoint.
func New(cfg Config, factory func() (Client, error), log *slog.Logger) (*Controller, error) {
	if cfg.Name == "" {
		return nil, errors.New("modbus: controller name required")
	}
	if cfg.OnChangePoll <= 0 {
		cfg.OnChangePoll = 100 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	if factory == nil {
		factory = func() (Client, error) {
			return Dial(ClientConfig{
				Endpoint: cfg.Endpoint,
				UnitID:   cfg.UnitID,
				Timeout:  cfg.Timeout,
			})
		}
	}

	symbols := make(map[string]config.SymbolConfig, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s.Name] = s
	}

	return &Controller{
		cfg:     cfg,
		symbols: symbols,
		factory: factory,
		log:     log.With("controller", cfg.Name),
		subs:    make(map[string]*poll),
	}, nil
}

// FromConfig builds a Modbus TCP controller from a config entry.
func FromConfig(c config.ControllerConfig, log *slog.Logger) (*Controller, error) {
	return New(Config{
		Name:         c.Name,
		Endpoint:     c.Endpoint,
		UnitID:       c.UnitID,
		Timeout:      time.Duration(c.TimeoutMs) * time.Millisecond,
		OnChangePoll: time.Duration(c.OnChangePollMs) * time.Millisecond,
		Symbols:      c.Symbols,
	}, nil, log)
}

func (c *Controller) Name() string { return c.cfg.Name }

func (c *Controller) IsConnected() bool { return c.connected.Load() }

// Connect establishes the transport (fail fast at startup).
func (c *Controller) Connect(ctx context.Context) error {
	return c.withClient(ctx, func(Client) error { return nil })
}

// Disconnect stops every poll and closes the transport.
func (c *Controller) Disconnect() error {
	_ = c.UnsubscribeAll(context.Background())

	c.clientMu.Lock()
	defer c.clientMu.Unlock()

	c.connected.Store(false)
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// withClient runs fn with a live client, dialing one if needed.
func (c *Controller) withClient(ctx context.Context, fn func(Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.clientMu.Lock()
	defer c.clientMu.Unlock()

	if c.client == nil {
		cl, err := c.factory()
		if err != nil {
			c.connected.Store(false)
			return fmt.Errorf("modbus: connect %s: %w", c.cfg.Endpoint, err)
		}
		c.client = cl
	}

	err := fn(c.client)
	if err != nil && !isProtocolError(err) {
		// transport death: discard, the next call dials again
		_ = c.client.Close()
		c.client = nil
		c.connected.Store(false)
		return err
	}

	c.connected.Store(true)
	return err
}

// ---- discovery ----

var dataTypes = map[string]controller.TypeDescriptor{
	config.TypeBool:    {Name: config.TypeBool, Size: 1},
	config.TypeInt16:   {Name: config.TypeInt16, Size: 2},
	config.TypeUint16:  {Name: config.TypeUint16, Size: 2},
	config.TypeInt32:   {Name: config.TypeInt32, Size: 4},
	config.TypeUint32:  {Name: config.TypeUint32, Size: 4},
	config.TypeFloat32: {Name: config.TypeFloat32, Size: 4},
	config.TypeString:  {Name: config.TypeString, Size: 0},
	config.TypeEnum:    {Name: config.TypeEnum, Size: 2},
}

func (c *Controller) DataTypes(context.Context) (map[string]controller.TypeDescriptor, error) {
	out := make(map[string]controller.TypeDescriptor, len(dataTypes))
	for k, v := range dataTypes {
		out[k] = v
	}
	return out, nil
}

func (c *Controller) Symbols(context.Context) (map[string]controller.SymbolDescriptor, error) {
	out := make(map[string]controller.SymbolDescriptor, len(c.symbols))
	for name, s := range c.symbols {
		out[name] = controller.SymbolDescriptor{
			Name:     name,
			Type:     s.Type,
			Area:     s.Area,
			Address:  s.Address,
			Writable: config.Writable(s.Area),
		}
	}
	return out, nil
}

// ---- read / write ----

func (c *Controller) ReadSymbolValue(ctx context.Context, symbol string) (any, error) {
	s, ok := c.symbols[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", controller.ErrUnknownSymbol, symbol)
	}

	var out any
	err := c.withClient(ctx, func(cl Client) error {
		v, err := readSymbol(cl, s)
		out = v
		return err
	})
	return out, err
}

func (c *Controller) WriteSymbolValue(ctx context.Context, symbol string, value any) error {
	s, ok := c.symbols[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", controller.ErrUnknownSymbol, symbol)
	}
	if !config.Writable(s.Area) {
		return fmt.Errorf("%w: %s", ErrReadOnly, symbol)
	}

	switch s.Area {
	case config.AreaCoil:
		b, err := toBool(value)
		if err != nil {
			return err
		}
		return c.withClient(ctx, func(cl Client) error {
			return cl.WriteCoil(s.Address, b)
		})

	default:
		regs, err := encodeRegisters(s, value)
		if err != nil {
			return err
		}
		return c.withClient(ctx, func(cl Client) error {
			return cl.WriteRegisters(s.Address, regs)
		})
	}
}

func readSymbol(cl Client, s config.SymbolConfig) (any, error) {
	switch s.Area {
	case config.AreaCoil:
		bits, err := cl.ReadCoils(s.Address, 1)
		if err != nil {
			return nil, err
		}
		return firstBit(bits)
	case config.AreaDiscrete:
		bits, err := cl.ReadDiscreteInputs(s.Address, 1)
		if err != nil {
			return nil, err
		}
		return firstBit(bits)
	case config.AreaHolding:
		regs, err := cl.ReadHoldingRegisters(s.Address, s.Registers())
		if err != nil {
			return nil, err
		}
		return decodeRegisters(s, regs)
	case config.AreaInput:
		regs, err := cl.ReadInputRegisters(s.Address, s.Registers())
		if err != nil {
			return nil, err
		}
		return decodeRegisters(s, regs)
	default:
		return nil, fmt.Errorf("modbus: unsupported area %q", s.Area)
	}
}

func firstBit(bits []bool) (any, error) {
	if len(bits) < 1 {
		return nil, errors.New("modbus: short read-bits payload")
	}
	return bits[0], nil
}
