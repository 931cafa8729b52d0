// internal/watch/server.go

// Package watch serves interactive consumers: every client connection is a
// Session (a Watch Sink) carried over a WebSocket.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tamzrod/tagbridge/internal/controller"
	"github.com/tamzrod/tagbridge/internal/historian"
	"github.com/tamzrod/tagbridge/internal/metrics"
	"github.com/tamzrod/tagbridge/internal/sink"
)

const (
	DefaultPath        = "/ws"
	DefaultWindow      = 100 * time.Millisecond
	DefaultInterval    = 500 * time.Millisecond
	DefaultResumeGrace = time.Minute
	DefaultPing        = 30 * time.Second
)

// Controllers is the read/write/browse surface of the broker.
type Controllers interface {
	Broker
	ReadSymbolValue(ctx context.Context, ctrl, symbol string) (any, error)
	WriteSymbolValues(ctx context.Context, ctrl string, values map[string]any) (map[string]bool, error)
	Symbols(ctx context.Context, ctrl string) (map[string]controller.SymbolDescriptor, error)
}

// LoggingConfigs is the logging sink's config surface (optional).
type LoggingConfigs interface {
	Configs() map[string]historian.Config
	ReplaceConfigs(configs map[string]historian.Config) error
	UpsertTag(ctrl string, t historian.Tag) error
	RemoveTag(ctrl, symbol string) error
	Apply() error
}

// Config is the server config.
type Config struct {
	Listen          string
	Path            string
	Window          time.Duration
	DefaultInterval time.Duration
	ResumeGrace     time.Duration
	PingInterval    time.Duration
}

// Server owns every session: live ones and detached ones waiting for a
// resume within the grace period.
type Server struct {
	cfg         Config
	broker      Controllers
	logging     LoggingConfigs
	log         *slog.Logger
	metrics     *watchMetrics
	sinkMetrics *sink.Metrics

	mu       sync.Mutex
	live     map[string]*Session
	detached map[string]*time.Timer
	sessions map[string]*Session // live and detached
}

// NewServer creates the server. logging may be nil.
func NewServer(cfg Config, b Controllers, logging LoggingConfigs, reg *metrics.Registry, sm *sink.Metrics, log *slog.Logger) (*Server, error) {
	if b == nil {
		return nil, errors.New("watch: broker required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = DefaultInterval
	}
	if cfg.ResumeGrace <= 0 {
		cfg.ResumeGrace = DefaultResumeGrace
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPing
	}
	if log == nil {
		log = slog.Default()
	}

	m, err := newWatchMetrics(reg)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:         cfg,
		broker:      b,
		logging:     logging,
		log:         log,
		metrics:     m,
		sinkMetrics: sm,
		live:        make(map[string]*Session),
		detached:    make(map[string]*time.Timer),
		sessions:    make(map[string]*Session),
	}, nil
}

// ------------------------------------------------------------
// SESSION LIFECYCLE
// ------------------------------------------------------------

// Connect creates a session for a new transport and announces its id.
func (s *Server) Connect(t Transport) (*Session, error) {
	sess, err := NewSession(SessionConfig{
		ID:              "watch:" + uuid.NewString(),
		Window:          s.cfg.Window,
		DefaultInterval: s.cfg.DefaultInterval,
		SinkMetrics:     s.sinkMetrics,
	}, s.broker, t, s.log)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.live[sess.ID()] = sess
	s.sessions[sess.ID()] = sess
	n := len(s.live)
	s.mu.Unlock()

	s.metrics.setSessions(n)
	s.broker.AddStatusListener(sess)
	sess.push(TypeSession, "", SessionPayload{SessionID: sess.ID()})
	s.log.Info("watch session opened", "session", sess.ID())
	return sess, nil
}

// Disconnect detaches sess. Its controller subscriptions are released now;
// the session itself stays resumable for ResumeGrace.
func (s *Server) Disconnect(ctx context.Context, sess *Session) {
	sess.Detach(ctx)

	s.mu.Lock()
	if _, ok := s.live[sess.ID()]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.live, sess.ID())
	id := sess.ID()
	s.detached[id] = time.AfterFunc(s.cfg.ResumeGrace, func() { s.expire(id) })
	n := len(s.live)
	s.mu.Unlock()

	s.metrics.setSessions(n)
	s.log.Info("watch session detached", "session", id, "grace", s.cfg.ResumeGrace)
}

func (s *Server) expire(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if _, waiting := s.detached[id]; !ok || !waiting {
		s.mu.Unlock()
		return
	}
	delete(s.detached, id)
	delete(s.sessions, id)
	s.mu.Unlock()

	sess.Close(context.Background())
	s.log.Info("watch session expired", "session", id)
}

// resume moves transport t from the fresh session cur onto the detached
// session id. It returns the session the connection now belongs to.
func (s *Server) resume(ctx context.Context, cur *Session, id string, t Transport) (*Session, error) {
	s.mu.Lock()
	timer, waiting := s.detached[id]
	prev := s.sessions[id]
	if !waiting || prev == nil {
		s.mu.Unlock()
		return cur, fmt.Errorf("watch: no resumable session %s", id)
	}
	timer.Stop()
	delete(s.detached, id)
	delete(s.live, cur.ID())
	delete(s.sessions, cur.ID())
	s.live[id] = prev
	n := len(s.live)
	s.mu.Unlock()

	// the fresh session never held anything but its status registration
	cur.mu.Lock()
	cur.transport = nil
	cur.mu.Unlock()
	cur.Close(ctx)

	prev.Attach(t)
	s.metrics.setSessions(n)
	s.metrics.resumed()
	prev.push(TypeSession, "", SessionPayload{SessionID: id, Resumed: true})

	err := prev.Resubscribe(ctx)
	s.log.Info("watch session resumed", "session", id)
	return prev, err
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close closes every session, live or detached.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	for _, t := range s.detached {
		t.Stop()
	}
	s.live = make(map[string]*Session)
	s.detached = make(map[string]*time.Timer)
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range all {
		sess.Close(ctx)
	}
	s.metrics.setSessions(0)
}

// ------------------------------------------------------------
// REQUESTS
// ------------------------------------------------------------

// Handle processes one client message on the connection owned by sess and
// returns the session that owns the connection afterwards (a resume swaps
// it). Every request is answered by one result message.
func (s *Server) Handle(ctx context.Context, sess *Session, t Transport, data []byte) *Session {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.metrics.message("invalid")
		sess.push(TypeResult, "", ResultPayload{Request: "", OK: false, Error: "invalid message: " + err.Error()})
		return sess
	}
	s.metrics.message(requestLabel(env.Type))

	res := ResultPayload{Request: env.Type}
	var err error

	switch env.Type {
	case TypeSubscribe:
		var req SubscribeRequest
		if err = decode(env.Payload, &req); err == nil {
			err = sess.Subscribe(ctx, req.Controller, req.Symbol, time.Duration(req.IntervalMs)*time.Millisecond)
		}

	case TypeUnsubscribe:
		var req UnsubscribeRequest
		if err = decode(env.Payload, &req); err == nil {
			err = sess.Unsubscribe(ctx, req.Controller, req.Symbol)
		}

	case TypeWrite:
		var req WriteRequest
		if err = decode(env.Payload, &req); err == nil {
			res.Results, err = s.broker.WriteSymbolValues(ctx, req.Controller, req.Values)
		}

	case TypeRead:
		var req ReadRequest
		if err = decode(env.Payload, &req); err == nil {
			res.Value, err = s.broker.ReadSymbolValue(ctx, req.Controller, req.Symbol)
		}

	case TypeSymbols:
		var req SymbolsRequest
		if err = decode(env.Payload, &req); err == nil {
			var syms map[string]controller.SymbolDescriptor
			syms, err = s.broker.Symbols(ctx, req.Controller)
			res.Value = SymbolsValue{Controller: req.Controller, Symbols: syms}
		}

	case TypeGetLoggingConfig:
		if s.logging == nil {
			err = errors.New("logging is not enabled")
		} else {
			res.Value = s.logging.Configs()
		}

	case TypeSetLoggingConfig:
		var req SetLoggingConfigRequest
		if s.logging == nil {
			err = errors.New("logging is not enabled")
		} else if err = decode(env.Payload, &req); err == nil {
			err = s.logging.ReplaceConfigs(req.Configs)
		}

	case TypeSetLoggingTag:
		var req SetLoggingTagRequest
		if s.logging == nil {
			err = errors.New("logging is not enabled")
		} else if err = decode(env.Payload, &req); err == nil {
			err = s.logging.UpsertTag(req.Controller, req.Tag)
		}

	case TypeRemoveLoggingTag:
		var req RemoveLoggingTagRequest
		if s.logging == nil {
			err = errors.New("logging is not enabled")
		} else if err = decode(env.Payload, &req); err == nil {
			err = s.logging.RemoveTag(req.Controller, req.Symbol)
		}

	case TypeApplyLogging:
		if s.logging == nil {
			err = errors.New("logging is not enabled")
		} else {
			err = s.logging.Apply()
		}

	case TypeResume:
		var req ResumeRequest
		if err = decode(env.Payload, &req); err == nil {
			sess, err = s.resume(ctx, sess, req.SessionID, t)
		}

	default:
		err = fmt.Errorf("unknown request type %q", env.Type)
	}

	if err != nil {
		res.Error = err.Error()
	} else {
		res.OK = true
	}
	sess.push(TypeResult, env.ID, res)
	return sess
}

func requestLabel(typ string) string {
	switch typ {
	case TypeSubscribe, TypeUnsubscribe, TypeWrite, TypeRead, TypeSymbols,
		TypeGetLoggingConfig, TypeSetLoggingConfig, TypeSetLoggingTag,
		TypeRemoveLoggingTag, TypeApplyLogging, TypeResume:
		return typ
	}
	return "unknown"
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("payload required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// ------------------------------------------------------------
// HTTP
// ------------------------------------------------------------

// Handler returns the HTTP mux serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	return mux
}

// Run serves the WebSocket endpoint on cfg.Listen until ctx is done, then
// closes every session.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Listen == "" {
		<-ctx.Done()
		s.Close(context.Background())
		return nil
	}

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("watch listening", "addr", s.cfg.Listen, "path", s.cfg.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.Close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
