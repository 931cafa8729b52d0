// internal/broker/broker.go
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tamzrod/tagbridge/internal/controller"
	"github.com/tamzrod/tagbridge/internal/metrics"
	"github.com/tamzrod/tagbridge/internal/status"
)

// ErrUnknownController is returned for controller names the broker does not own.
var ErrUnknownController = errors.New("broker: unknown controller")

// DefaultStatusInterval is the connectivity polling period.
const DefaultStatusInterval = 5 * time.Second

// Subscriber is a consumer of samples.
// Receive is called from controller goroutines and must not block.
type Subscriber interface {
	ID() string
	Receive(s controller.Sample)
}

// StatusListener receives controller connectivity broadcasts.
type StatusListener interface {
	ControllerStatus(connected map[string]bool)
}

// Config is the broker runtime config.
type Config struct {
	StatusInterval time.Duration
}

// Broker multiplexes subscriber interest onto the minimal set of
// controller-level subscriptions and fans samples out.
type Broker struct {
	cfg         Config
	controllers map[string]controller.Controller
	names       []string
	log         *slog.Logger
	metrics     *brokerMetrics

	// ops serializes subscribe/unsubscribe per controller so calls for one
	// key never interleave while a slow controller holds up no other.
	// Controller I/O happens under ops, never under state.mu.
	ops   map[string]*sync.Mutex
	state *state

	statusMu   sync.Mutex
	lastStatus status.Snapshot
	listeners  map[StatusListener]struct{}
}

// New creates a broker over the given controllers.
func New(cfg Config, ctrls []controller.Controller, reg *metrics.Registry, log *slog.Logger) (*Broker, error) {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if log == nil {
		log = slog.Default()
	}

	byName := make(map[string]controller.Controller, len(ctrls))
	ops := make(map[string]*sync.Mutex, len(ctrls))
	names := make([]string, 0, len(ctrls))
	for _, c := range ctrls {
		if _, dup := byName[c.Name()]; dup {
			return nil, fmt.Errorf("broker: duplicate controller %q", c.Name())
		}
		byName[c.Name()] = c
		ops[c.Name()] = new(sync.Mutex)
		names = append(names, c.Name())
	}
	sort.Strings(names)

	m, err := newBrokerMetrics(reg)
	if err != nil {
		return nil, err
	}

	return &Broker{
		cfg:         cfg,
		controllers: byName,
		names:       names,
		ops:         ops,
		log:         log,
		metrics:     m,
		state:       newState(),
		listeners:   make(map[StatusListener]struct{}),
	}, nil
}

// Controllers returns the controller names, sorted.
func (b *Broker) Controllers() []string {
	return append([]string(nil), b.names...)
}

func (b *Broker) controller(name string) (controller.Controller, error) {
	c, ok := b.controllers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownController, name)
	}
	return c, nil
}

// ------------------------------------------------------------
// SUBSCRIBE / UNSUBSCRIBE
// ------------------------------------------------------------

// SubscribeCyclic adds sub to (ctrl, symbol) with a fixed-interval controller
// subscription. Only the first subscriber of a key reaches the controller.
func (b *Broker) SubscribeCyclic(ctx context.Context, sub Subscriber, ctrl, symbol string, interval time.Duration) error {
	return b.subscribe(ctx, sub, ctrl, symbol, func(c controller.Controller, fn controller.SampleFunc) (controller.Handle, error) {
		return c.SubscribeCyclic(ctx, symbol, fn, interval)
	})
}

// SubscribeOnChange adds sub to (ctrl, symbol) with an on-change controller subscription.
func (b *Broker) SubscribeOnChange(ctx context.Context, sub Subscriber, ctrl, symbol string) error {
	return b.subscribe(ctx, sub, ctrl, symbol, func(c controller.Controller, fn controller.SampleFunc) (controller.Handle, error) {
		return c.SubscribeOnChange(ctx, symbol, fn)
	})
}

type subscribeFunc func(controller.Controller, controller.SampleFunc) (controller.Handle, error)

func (b *Broker) subscribe(ctx context.Context, sub Subscriber, ctrlName, symbol string, call subscribeFunc) error {
	if sub == nil || sub.ID() == "" {
		return errors.New("broker: subscriber id required")
	}
	c, err := b.controller(ctrlName)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.ops[ctrlName].Lock()
	defer b.ops[ctrlName].Unlock()

	k := key{controller: ctrlName, symbol: symbol}

	// The route is published before the controller call so the first
	// sample (which may arrive before the call returns) has a target.
	b.state.mu.Lock()
	created := b.state.addLocked(k, sub)
	b.state.mu.Unlock()

	if !created {
		return nil
	}

	h, err := call(c, b.dispatcher(k))
	b.metrics.controllerCall("subscribe", err)

	b.state.mu.Lock()
	defer b.state.mu.Unlock()

	if err != nil {
		// roll back: the key existed only for this call
		b.state.removeLocked(sub.ID(), k)
		return fmt.Errorf("broker: subscribe %s/%s: %w", ctrlName, symbol, err)
	}

	if r, ok := b.state.keys[k]; ok {
		r.handle = h
		r.live = true
	}
	b.metrics.setLive(len(b.state.keys))

	b.log.Debug("controller subscription opened",
		"controller", ctrlName, "symbol", symbol, "on_change", h.OnChange)
	return nil
}

// Unsubscribe removes sub from (ctrl, symbol). The subscriber stops receiving
// samples immediately; the controller unsubscribe for an emptied key is
// best-effort.
func (b *Broker) Unsubscribe(ctx context.Context, id, ctrlName, symbol string) error {
	if _, err := b.controller(ctrlName); err != nil {
		return err
	}

	b.ops[ctrlName].Lock()
	defer b.ops[ctrlName].Unlock()

	k := key{controller: ctrlName, symbol: symbol}

	b.state.mu.Lock()
	found, emptied := b.state.removeLocked(id, k)
	live := len(b.state.keys)
	b.state.mu.Unlock()

	if !found {
		return nil
	}
	b.metrics.setLive(live)

	if emptied {
		b.release(ctx, k)
	}
	return nil
}

// UnsubscribeAll tears down every key held by id. Used on consumer disconnect.
func (b *Broker) UnsubscribeAll(ctx context.Context, id string) {
	b.state.mu.RLock()
	held := make([]string, 0, len(b.state.index[id]))
	for c := range b.state.index[id] {
		held = append(held, c)
	}
	b.state.mu.RUnlock()
	sort.Strings(held)

	for _, name := range held {
		b.unsubscribeAllOn(ctx, id, name)
	}
}

func (b *Broker) unsubscribeAllOn(ctx context.Context, id, ctrlName string) {
	b.ops[ctrlName].Lock()
	defer b.ops[ctrlName].Unlock()

	b.state.mu.Lock()
	var emptied []key
	for _, k := range b.state.keysOfLocked(id) {
		if k.controller != ctrlName {
			continue
		}
		if _, e := b.state.removeLocked(id, k); e {
			emptied = append(emptied, k)
		}
	}
	live := len(b.state.keys)
	b.state.mu.Unlock()

	b.metrics.setLive(live)

	for _, k := range emptied {
		b.release(ctx, k)
	}
}

// release closes the controller subscription of an emptied key.
// Failure is logged, never retried.
func (b *Broker) release(ctx context.Context, k key) {
	c := b.controllers[k.controller]
	err := c.Unsubscribe(ctx, k.symbol)
	b.metrics.controllerCall("unsubscribe", err)
	if err != nil {
		b.log.Warn("controller unsubscribe failed",
			"controller", k.controller, "symbol", k.symbol, "error", err)
		return
	}
	b.log.Debug("controller subscription closed", "controller", k.controller, "symbol", k.symbol)
}

// ------------------------------------------------------------
// DISPATCH
// ------------------------------------------------------------

// dispatcher returns the sample callback bound to one key.
func (b *Broker) dispatcher(k key) controller.SampleFunc {
	return func(s controller.Sample) {
		targets, ok := b.state.targets(k)
		if !ok {
			// Only reachable for samples already in flight when the key
			// was retired; routes are created before their subscription.
			b.metrics.dropped()
			b.log.Error("sample without route dropped", "controller", k.controller, "symbol", k.symbol)
			return
		}
		for _, t := range targets {
			t.Receive(s)
		}
		b.metrics.dispatched(len(targets))
	}
}

// ------------------------------------------------------------
// CONTROLLER STATUS
// ------------------------------------------------------------

// AddStatusListener registers a sink for connectivity broadcasts.
func (b *Broker) AddStatusListener(l StatusListener) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.listeners[l] = struct{}{}
}

// RemoveStatusListener unregisters a sink.
func (b *Broker) RemoveStatusListener(l StatusListener) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	delete(b.listeners, l)
}

// ControllerStatus polls every controller's connectivity flag and
// broadcasts the result to every status listener.
func (b *Broker) ControllerStatus() map[string]bool {
	snap := status.Snapshot{
		At:        time.Now(),
		Connected: make(map[string]bool, len(b.names)),
	}
	for _, n := range b.names {
		snap.Connected[n] = b.controllers[n].IsConnected()
	}

	b.statusMu.Lock()
	prev := b.lastStatus
	b.lastStatus = snap
	listeners := make([]StatusListener, 0, len(b.listeners))
	for l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.statusMu.Unlock()

	for _, t := range status.Diff(prev, snap) {
		b.log.Info("controller connectivity changed",
			"controller", t.Controller,
			"from", status.HealthName(t.From),
			"to", status.HealthName(t.To))
	}
	for _, n := range b.names {
		b.metrics.setHealth(n, snap.Health(n))
	}

	for _, l := range listeners {
		l.ControllerStatus(snap.Map())
	}
	return snap.Map()
}

// Run polls controller status every StatusInterval until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.StatusInterval)
	defer ticker.Stop()

	b.ControllerStatus()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.ControllerStatus()
		}
	}
}

// Connect connects every controller. Failures are logged and returned
// joined; the controllers retry on their next operation.
func (b *Broker) Connect(ctx context.Context) error {
	var errs []string
	for _, n := range b.names {
		if err := b.controllers[n].Connect(ctx); err != nil {
			b.log.Warn("controller connect failed", "controller", n, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", n, err))
		}
	}
	if len(errs) > 0 {
		return errors.New("broker: " + strings.Join(errs, " | "))
	}
	return nil
}

// Close disconnects every controller.
func (b *Broker) Close() error {
	var errs []string
	for _, n := range b.names {
		if err := b.controllers[n].Disconnect(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", n, err))
		}
	}
	if len(errs) > 0 {
		return errors.New("broker: " + strings.Join(errs, " | "))
	}
	return nil
}

// ------------------------------------------------------------
// PASS-THROUGH
// ------------------------------------------------------------

// ReadSymbolValue reads one symbol from the named controller. No caching.
func (b *Broker) ReadSymbolValue(ctx context.Context, ctrlName, symbol string) (any, error) {
	c, err := b.controller(ctrlName)
	if err != nil {
		return nil, err
	}
	return c.ReadSymbolValue(ctx, symbol)
}

// WriteSymbolValue writes one symbol on the named controller.
func (b *Broker) WriteSymbolValue(ctx context.Context, ctrlName, symbol string, value any) error {
	c, err := b.controller(ctrlName)
	if err != nil {
		return err
	}
	return c.WriteSymbolValue(ctx, symbol, value)
}

// WriteSymbolValues writes every entry and reports per-symbol success.
// The error joins every failure.
func (b *Broker) WriteSymbolValues(ctx context.Context, ctrlName string, values map[string]any) (map[string]bool, error) {
	c, err := b.controller(ctrlName)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(values))
	for s := range values {
		names = append(names, s)
	}
	sort.Strings(names)

	result := make(map[string]bool, len(values))
	var errs []string
	for _, s := range names {
		if err := c.WriteSymbolValue(ctx, s, values[s]); err != nil {
			result[s] = false
			errs = append(errs, fmt.Sprintf("%s: %v", s, err))
			continue
		}
		result[s] = true
	}
	if len(errs) > 0 {
		return result, errors.New("broker: " + strings.Join(errs, " | "))
	}
	return result, nil
}

// Symbols lists the symbols of one controller.
func (b *Broker) Symbols(ctx context.Context, ctrlName string) (map[string]controller.SymbolDescriptor, error) {
	c, err := b.controller(ctrlName)
	if err != nil {
		return nil, err
	}
	return c.Symbols(ctx)
}

// ------------------------------------------------------------
// INTROSPECTION
// ------------------------------------------------------------

// Subscribers lists the subscriber IDs of one key, sorted.
func (b *Broker) Subscribers(ctrlName, symbol string) []string {
	return b.state.subscribers(key{controller: ctrlName, symbol: symbol})
}

// SubscriptionsOf returns controller -> sorted symbols held by id.
func (b *Broker) SubscriptionsOf(id string) map[string][]string {
	return b.state.subscriptionsOf(id)
}

// LiveKeys is the number of live controller-level subscriptions.
func (b *Broker) LiveKeys() int {
	return b.state.liveKeys()
}
