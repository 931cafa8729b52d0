// internal/watch/session.go
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tamzrod/tagbridge/internal/broker"
	"github.com/tamzrod/tagbridge/internal/controller"
	"github.com/tamzrod/tagbridge/internal/sink"
)

// ErrDetached is returned by Send while a session has no transport.
var ErrDetached = errors.New("watch: session detached")

// Transport carries envelopes to one interactive client.
type Transport interface {
	Send(env Envelope) error
	Close() error
}

// Broker is the part of the subscription broker a session uses.
type Broker interface {
	SubscribeCyclic(ctx context.Context, sub broker.Subscriber, ctrl, symbol string, interval time.Duration) error
	Unsubscribe(ctx context.Context, id, ctrl, symbol string) error
	UnsubscribeAll(ctx context.Context, id string)
	AddStatusListener(l broker.StatusListener)
	RemoveStatusListener(l broker.StatusListener)
}

// Session is the Watch Sink of one interactive consumer. It mirrors the
// consumer's live subscriptions as ordered per-controller symbol lists and
// survives transport reconnects through Resubscribe.
type Session struct {
	id       string
	broker   Broker
	acc      *sink.Accumulator
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	transport Transport
	subs      map[string][]string // controller -> symbols in subscribe order
	intervals map[string]time.Duration
	closed    bool
}

var (
	_ broker.Subscriber     = (*Session)(nil)
	_ broker.StatusListener = (*Session)(nil)
)

// SessionConfig is the per-session config.
type SessionConfig struct {
	ID              string
	Window          time.Duration
	DefaultInterval time.Duration
	SinkMetrics     *sink.Metrics
}

// NewSession creates a session attached to t.
func NewSession(cfg SessionConfig, b Broker, t Transport, log *slog.Logger) (*Session, error) {
	if cfg.ID == "" {
		return nil, errors.New("watch: session id required")
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		id:        cfg.ID,
		broker:    b,
		interval:  cfg.DefaultInterval,
		log:       log.With("session", cfg.ID),
		transport: t,
		subs:      make(map[string][]string),
		intervals: make(map[string]time.Duration),
	}

	acc, err := sink.New(sink.Config{
		Name:    "watch",
		Window:  cfg.Window,
		Flush:   s.flush,
		Metrics: cfg.SinkMetrics,
	})
	if err != nil {
		return nil, err
	}
	s.acc = acc
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Receive accumulates one sample; the window flush sends it.
func (s *Session) Receive(sample controller.Sample) { s.acc.Receive(sample) }

// ControllerStatus pushes the connectivity map.
func (s *Session) ControllerStatus(connected map[string]bool) {
	s.push(TypeStatus, "", connected)
}

func (s *Session) flush(b sink.Batch, _ time.Time) {
	s.push(TypeData, "", b)
}

// ---- transport ----

// Send writes one envelope to the current transport.
func (s *Session) Send(env Envelope) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return ErrDetached
	}
	return t.Send(env)
}

func (s *Session) push(typ, id string, payload any) {
	env, err := newEnvelope(typ, id, payload)
	if err != nil {
		s.log.Error("encode message failed", "type", typ, "error", err)
		return
	}
	if err := s.Send(env); err != nil && !errors.Is(err, ErrDetached) {
		s.log.Debug("send failed", "type", typ, "error", err)
	}
}

// Attach swaps in a new transport (resume).
func (s *Session) Attach(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// Detach drops the transport and releases every controller subscription.
// The symbol lists are kept for Resubscribe.
func (s *Session) Detach(ctx context.Context) {
	s.mu.Lock()
	s.transport = nil
	s.mu.Unlock()

	s.broker.RemoveStatusListener(s)
	s.broker.UnsubscribeAll(ctx, s.id)
}

// Close releases everything; the session cannot be resumed.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	t := s.transport
	s.transport = nil
	s.subs = make(map[string][]string)
	s.mu.Unlock()

	s.broker.RemoveStatusListener(s)
	s.broker.UnsubscribeAll(ctx, s.id)
	if t != nil {
		_ = t.Close()
	}
}

// ---- subscriptions ----

func subKey(ctrl, symbol string) string { return ctrl + "\x00" + symbol }

// Subscribe adds (ctrl, symbol) with a cyclic interval (0 = default) and
// pushes the updated list on success.
func (s *Session) Subscribe(ctx context.Context, ctrl, symbol string, interval time.Duration) error {
	if interval <= 0 {
		interval = s.interval
	}
	if err := s.broker.SubscribeCyclic(ctx, s, ctrl, symbol, interval); err != nil {
		return err
	}

	s.mu.Lock()
	list := s.subs[ctrl]
	found := false
	for _, sym := range list {
		if sym == symbol {
			found = true
			break
		}
	}
	if !found {
		s.subs[ctrl] = append(list, symbol)
	}
	s.intervals[subKey(ctrl, symbol)] = interval
	s.mu.Unlock()

	s.pushSubscriptions(ctrl)
	return nil
}

// Unsubscribe removes (ctrl, symbol) and pushes the updated list.
func (s *Session) Unsubscribe(ctx context.Context, ctrl, symbol string) error {
	if err := s.broker.Unsubscribe(ctx, s.id, ctrl, symbol); err != nil {
		return err
	}

	s.mu.Lock()
	list := s.subs[ctrl]
	for i, sym := range list {
		if sym == symbol {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.subs, ctrl)
	} else {
		s.subs[ctrl] = list
	}
	delete(s.intervals, subKey(ctrl, symbol))
	s.mu.Unlock()

	s.pushSubscriptions(ctrl)
	return nil
}

// Subscriptions returns a copy of the ordered per-controller lists.
func (s *Session) Subscriptions() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.subs))
	for c, list := range s.subs {
		out[c] = append([]string(nil), list...)
	}
	return out
}

func (s *Session) pushSubscriptions(ctrl string) {
	s.mu.Lock()
	list := append([]string{}, s.subs[ctrl]...)
	s.mu.Unlock()
	s.push(TypeSubscriptions, "", SubscriptionsPayload{Controller: ctrl, Symbols: list})
}

// Resubscribe re-issues the cyclic subscription of every listed symbol, in
// list order, and re-registers for status. Failures are joined.
func (s *Session) Resubscribe(ctx context.Context) error {
	s.broker.AddStatusListener(s)

	s.mu.Lock()
	ctrls := make([]string, 0, len(s.subs))
	for c := range s.subs {
		ctrls = append(ctrls, c)
	}
	sort.Strings(ctrls)
	type entry struct {
		ctrl, symbol string
		interval     time.Duration
	}
	var work []entry
	for _, c := range ctrls {
		for _, sym := range s.subs[c] {
			work = append(work, entry{ctrl: c, symbol: sym, interval: s.intervals[subKey(c, sym)]})
		}
	}
	s.mu.Unlock()

	var errs []string
	for _, e := range work {
		interval := e.interval
		if interval <= 0 {
			interval = s.interval
		}
		if err := s.broker.SubscribeCyclic(ctx, s, e.ctrl, e.symbol, interval); err != nil {
			s.log.Warn("resubscribe failed", "controller", e.ctrl, "symbol", e.symbol, "error", err)
			errs = append(errs, fmt.Sprintf("%s/%s: %v", e.ctrl, e.symbol, err))
		}
	}
	for _, c := range ctrls {
		s.pushSubscriptions(c)
	}

	if len(errs) > 0 {
		return errors.New("watch: " + strings.Join(errs, " | "))
	}
	return nil
}
