// internal/historian/historian.go

// Package historian is the Logging Sink: it keeps the per-controller
// logging configs, holds the matching broker subscriptions and turns every
// accumulation window into line records.
package historian

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
	"github.com/tamzrod/tagbridge/internal/metrics"
	"github.com/tamzrod/tagbridge/internal/rotator"
	"github.com/tamzrod/tagbridge/internal/sink"
)

const (
	DefaultID       = "historian"
	DefaultCycle    = time.Second
	DefaultRetry    = 5 * time.Second
	maxPendingBytes = 8 << 20
)

// Broker is the part of the subscription broker the sink uses.
type Broker interface {
	SubscribeCyclic(ctx context.Context, sub broker.Subscriber, ctrl, symbol string, interval time.Duration) error
	SubscribeOnChange(ctx context.Context, sub broker.Subscriber, ctrl, symbol string) error
	UnsubscribeAll(ctx context.Context, id string)
}

// Relay forwards encoded windows to a remote writer.
type Relay interface {
	Forward(ctx context.Context, p []byte) error
	LocalWrite() bool
}

// Options is the sink runtime config.
type Options struct {
	ID          string
	Controllers []string      // controllers whose config files are loaded
	Window      time.Duration // accumulation window
	Cycle       time.Duration // cyclic subscription interval
	Retry       time.Duration // delay before a retry pass
	SinkMetrics *sink.Metrics
}

// Sink is the Logging Sink.
type Sink struct {
	cfg     Options
	broker  Broker
	store   *Store
	writer  rotator.Target
	relay   Relay
	log     *slog.Logger
	metrics *historianMetrics
	acc     *sink.Accumulator

	// mu guards configs and encoder.
	mu      sync.RWMutex
	configs map[string]Config
	encoder *Encoder

	// queue holds bytes not yet accepted by the writer (nil without writer).
	queue *rotator.Queue

	fresh chan struct{}

	countMu   sync.Mutex
	succeeded int
	failed    int
}

var _ broker.Subscriber = (*Sink)(nil)

// New creates the sink. writer and relay may be nil (no local output or no
// remote output). Nothing is subscribed until Reload and Run.
func New(cfg Options, b Broker, store *Store, writer rotator.Target, relay Relay, reg *metrics.Registry, log *slog.Logger) (*Sink, error) {
	if b == nil || store == nil {
		return nil, errors.New("historian: broker and store required")
	}
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}
	if cfg.Cycle <= 0 {
		cfg.Cycle = DefaultCycle
	}
	if cfg.Retry <= 0 {
		cfg.Retry = DefaultRetry
	}
	if log == nil {
		log = slog.Default()
	}

	m, err := newHistorianMetrics(reg)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		cfg:     cfg,
		broker:  b,
		store:   store,
		writer:  writer,
		relay:   relay,
		log:     log.With("sink", cfg.ID),
		metrics: m,
		configs: make(map[string]Config),
		encoder: NewEncoder(nil),
		fresh:   make(chan struct{}, 1),
	}

	acc, err := sink.New(sink.Config{
		Name:    cfg.ID,
		Window:  cfg.Window,
		Flush:   s.flush,
		Metrics: cfg.SinkMetrics,
	})
	if err != nil {
		return nil, err
	}
	s.acc = acc
	if writer != nil {
		s.queue = rotator.NewQueue(writer, maxPendingBytes)
	}
	return s, nil
}

func (s *Sink) ID() string { return s.cfg.ID }

// Receive accumulates one sample.
func (s *Sink) Receive(sample controller.Sample) { s.acc.Receive(sample) }

// ------------------------------------------------------------
// CONFIG
// ------------------------------------------------------------

// Configs returns a copy of every controller's logging config.
func (s *Sink) Configs() map[string]Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConfigs(s.configs)
}

// Reload reads every configured controller's file and requests a fresh pass.
// Missing or malformed files leave that controller without config.
func (s *Sink) Reload() {
	loaded := make(map[string]Config, len(s.cfg.Controllers))
	for _, c := range s.cfg.Controllers {
		if cfg, ok := s.store.Load(c); ok {
			loaded[c] = cfg
		}
	}

	s.mu.Lock()
	s.configs = loaded
	s.encoder = NewEncoder(s.configs)
	s.mu.Unlock()

	s.log.Info("logging configs loaded", "controllers", len(loaded))
	s.requestFresh()
}

// ReloadController rereads one controller's file (used by the directory
// watcher) and requests a fresh pass.
func (s *Sink) ReloadController(name string) {
	cfg, ok := s.store.Load(name)

	s.mu.Lock()
	if ok {
		s.configs[name] = cfg
	} else {
		delete(s.configs, name)
	}
	s.encoder = NewEncoder(s.configs)
	s.mu.Unlock()

	s.log.Info("logging config reloaded", "controller", name, "present", ok)
	s.requestFresh()
}

// ReplaceConfigs persists each controller's config and resubscribes.
func (s *Sink) ReplaceConfigs(configs map[string]Config) error {
	return s.ApplyConfig(configs, true)
}

// ApplyConfig installs configs, persisting each one. Controllers absent from
// configs keep their current config. Tags marked remove, given or already
// held, are deleted. With reSubscribe a fresh pass follows.
func (s *Sink) ApplyConfig(configs map[string]Config, reSubscribe bool) error {
	names := make([]string, 0, len(configs))
	for n := range configs {
		names = append(names, n)
	}
	sort.Strings(names)

	var errs []string

	s.mu.Lock()
	for _, n := range names {
		cfg := configs[n].Clone()
		if cfg.Name == "" {
			cfg.Name = n
		}
		for i := range cfg.Tags {
			if cfg.Tags[i].Status == "" {
				cfg.Tags[i].Status = StatusNew
			}
		}
		cfg, _ = withoutRemoved(cfg)
		if err := s.commitLocked(n, cfg); err != nil {
			errs = append(errs, err.Error())
		}
	}
	for n, cfg := range s.configs {
		if _, given := configs[n]; given {
			continue
		}
		if kept, pruned := withoutRemoved(cfg); pruned {
			if err := s.commitLocked(n, kept); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	s.mu.Unlock()

	if reSubscribe {
		s.requestFresh()
	}
	if len(errs) > 0 {
		return errors.New("historian: " + strings.Join(errs, " | "))
	}
	return nil
}

// UpsertTag adds or replaces the tag of t.Tag on ctrl, marking it new or
// modified, persists and resubscribes.
func (s *Sink) UpsertTag(ctrl string, t Tag) error {
	if t.Tag == "" || t.Field == "" {
		return errors.New("historian: tag and field required")
	}

	s.mu.Lock()
	cfg, ok := s.configs[ctrl]
	if !ok {
		cfg = Config{Measurement: ctrl, Name: ctrl}
	}
	cfg = cfg.Clone()
	if i := cfg.find(t.Tag); i >= 0 {
		t.Status = StatusModified
		cfg.Tags[i] = t
	} else {
		t.Status = StatusNew
		cfg.Tags = append(cfg.Tags, t)
	}
	err := s.commitLocked(ctrl, cfg)
	s.mu.Unlock()

	s.requestFresh()
	return err
}

// RemoveTag marks the tag of symbol on ctrl as remove. It is dropped from
// the file by the next Apply.
func (s *Sink) RemoveTag(ctrl, symbol string) error {
	s.mu.Lock()
	cfg, ok := s.configs[ctrl]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("historian: no logging config for %s", ctrl)
	}
	cfg = cfg.Clone()
	i := cfg.find(symbol)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("historian: %s has no tag %s", ctrl, symbol)
	}
	cfg.Tags[i].Status = StatusRemove
	err := s.commitLocked(ctrl, cfg)
	s.mu.Unlock()

	s.requestFresh()
	return err
}

// Apply physically deletes every tag marked remove and persists the
// affected controllers.
func (s *Sink) Apply() error {
	var errs []string

	s.mu.Lock()
	for name, cfg := range s.configs {
		kept, pruned := withoutRemoved(cfg)
		if !pruned {
			continue
		}
		if err := s.commitLocked(name, kept); err != nil {
			errs = append(errs, err.Error())
		}
	}
	s.mu.Unlock()

	if len(errs) > 0 {
		return errors.New("historian: " + strings.Join(errs, " | "))
	}
	return nil
}

// withoutRemoved returns cfg minus its remove tags and whether any were
// dropped.
func withoutRemoved(cfg Config) (Config, bool) {
	kept := make([]Tag, 0, len(cfg.Tags))
	for _, t := range cfg.Tags {
		if t.Status != StatusRemove {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(cfg.Tags) {
		return cfg, false
	}
	cfg.Tags = kept
	return cfg, true
}

func (s *Sink) commitLocked(ctrl string, cfg Config) error {
	s.configs[ctrl] = cfg
	s.encoder = NewEncoder(s.configs)
	if err := s.store.Save(ctrl, cfg); err != nil {
		s.log.Error("logging config save failed", "controller", ctrl, "error", err)
		return err
	}
	return nil
}

// ------------------------------------------------------------
// RECONCILIATION
// ------------------------------------------------------------

type passKind int

const (
	passFresh passKind = iota
	passRetry
)

func (k passKind) String() string {
	if k == passFresh {
		return "fresh"
	}
	return "retry"
}

func (s *Sink) requestFresh() {
	select {
	case s.fresh <- struct{}{}:
	default:
	}
}

// Run is the reconciliation worker. Exactly one pass runs at a time; a
// fresh request supersedes a pending retry.
func (s *Sink) Run(ctx context.Context) error {
	var (
		retry  *time.Timer
		retryC <-chan time.Time
	)
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
	}
	defer stopRetry()

	for {
		var kind passKind
		select {
		case <-ctx.Done():
			return nil
		case <-s.fresh:
			kind = passFresh
		case <-retryC:
			kind = passRetry
		}
		stopRetry()

		failed := s.reconcile(ctx, kind)
		if failed > 0 && ctx.Err() == nil {
			retry = time.NewTimer(s.cfg.Retry)
			retryC = retry.C
		}
	}
}

type tagRef struct {
	ctrl     string
	symbol   string
	onChange bool
}

// reconcile runs one pass and returns the number of failed subscriptions.
func (s *Sink) reconcile(ctx context.Context, kind passKind) int {
	if kind == passFresh {
		s.broker.UnsubscribeAll(ctx, s.cfg.ID)
	}

	s.mu.RLock()
	var work []tagRef
	ctrls := make([]string, 0, len(s.configs))
	for c := range s.configs {
		ctrls = append(ctrls, c)
	}
	sort.Strings(ctrls)
	for _, c := range ctrls {
		for _, t := range s.configs[c].Tags {
			if !t.Active() {
				continue
			}
			if kind == passRetry && t.Status == StatusSuccess {
				continue
			}
			work = append(work, tagRef{ctrl: c, symbol: t.Tag, onChange: t.OnChange})
		}
	}
	s.mu.RUnlock()

	results := make(map[tagRef]error, len(work))
	ok, failed := 0, 0
	for _, w := range work {
		if ctx.Err() != nil {
			break
		}
		var err error
		if w.onChange {
			err = s.broker.SubscribeOnChange(ctx, s, w.ctrl, w.symbol)
		} else {
			err = s.broker.SubscribeCyclic(ctx, s, w.ctrl, w.symbol, s.cfg.Cycle)
		}
		results[w] = err
		if err != nil {
			failed++
			s.log.Warn("tag subscribe failed", "controller", w.ctrl, "symbol", w.symbol, "error", err)
			continue
		}
		ok++
	}

	s.recordStatuses(results)

	s.countMu.Lock()
	if kind == passFresh {
		s.succeeded = 0
	}
	// a retry pass only covers tags that had not succeeded
	s.succeeded += ok
	s.failed = failed
	succeeded := s.succeeded
	s.countMu.Unlock()

	s.metrics.pass(kind.String(), succeeded, failed)
	s.log.Info("reconciliation pass done", "pass", kind.String(), "subscribed", ok, "failed", failed)
	return failed
}

// recordStatuses writes the outcome of a pass into the configs and persists
// every controller whose statuses changed.
func (s *Sink) recordStatuses(results map[tagRef]error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, cfg := range s.configs {
		changed := false
		tags := append([]Tag(nil), cfg.Tags...)
		for i, t := range tags {
			err, seen := results[tagRef{ctrl: name, symbol: t.Tag, onChange: t.OnChange}]
			if !seen || !t.Active() {
				// mutated while the pass ran; the next fresh pass owns it
				continue
			}
			next := StatusSuccess
			if err != nil {
				next = StatusFail
			}
			if t.Status != next {
				tags[i].Status = next
				changed = true
			}
		}
		if !changed {
			continue
		}
		cfg.Tags = tags
		s.configs[name] = cfg
		if err := s.store.Save(name, cfg); err != nil {
			s.log.Error("logging config save failed", "controller", name, "error", err)
		}
	}
}

// Counts returns the subscriptions held and failed by the last passes.
func (s *Sink) Counts() (succeeded, failed int) {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	return s.succeeded, s.failed
}

// ------------------------------------------------------------
// OUTPUT
// ------------------------------------------------------------

func (s *Sink) flush(b sink.Batch, windowStart time.Time) {
	s.mu.RLock()
	enc := s.encoder
	s.mu.RUnlock()

	data := enc.Encode(b, windowStart.UnixMilli())
	if len(data) == 0 {
		return
	}
	s.metrics.encoded(len(data))

	local := s.writer != nil
	if s.relay != nil {
		if err := s.relay.Forward(context.Background(), data); err != nil {
			s.metrics.relayError()
			s.log.Warn("relay forward failed", "bytes", len(data), "error", err)
		}
		local = local && s.relay.LocalWrite()
	}
	if !local {
		return
	}
	s.writeLocal(data)
}

// writeLocal queues data and hands the queue to the writer when it is
// available. Rejected bytes stay queued for the next flush.
func (s *Sink) writeLocal(data []byte) {
	dropped, err := s.queue.Push(data)
	if dropped > 0 {
		s.metrics.droppedBytes(dropped)
		s.log.Warn("pending log buffer overflow, oldest records dropped", "bytes", dropped)
	}
	s.metrics.setPending(s.queue.Len())
	if err != nil {
		s.log.Debug("log write deferred", "pending", s.queue.Len(), "error", err)
	}
}

// Pending returns the number of bytes waiting for the writer.
func (s *Sink) Pending() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.Len()
}

// Flush forces the current window out and retries pending bytes once.
func (s *Sink) Flush() {
	s.acc.Flush()
	if s.queue != nil && s.queue.Len() > 0 {
		s.writeLocal(nil)
	}
}

// Close releases every subscription and flushes what is buffered.
func (s *Sink) Close(ctx context.Context) {
	s.broker.UnsubscribeAll(ctx, s.cfg.ID)
	s.Flush()
}
