// internal/watch/transport.go
package watch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// wsTransport is one WebSocket connection. gorilla connections allow a
// single concurrent writer.
type wsTransport struct {
	conn     *websocket.Conn
	interval time.Duration // ping period

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWSTransport(conn *websocket.Conn, interval time.Duration) *wsTransport {
	return &wsTransport{conn: conn, interval: interval, done: make(chan struct{})}
}

func (t *wsTransport) Send(env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return websocket.ErrCloseSent
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return websocket.ErrCloseSent
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				return
			}
		}
	}
}

// serveWS upgrades the request and runs the read loop of one connection.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	t := newWSTransport(conn, s.cfg.PingInterval)
	defer t.Close()

	sess, err := s.Connect(t)
	if err != nil {
		s.log.Error("watch session create failed", "error", err)
		return
	}
	go t.pingLoop()

	// a peer that misses two pings is gone
	pongWait := 2 * s.cfg.PingInterval
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read failed", "session", sess.ID(), "error", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		sess = s.Handle(ctx, sess, t, data)
	}

	// the request context is done once the handler returns
	s.Disconnect(context.WithoutCancel(ctx), sess)
}
