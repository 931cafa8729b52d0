// internal/relay/receiver.go
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tamzrod/tagbridge/internal/rotator"
)

// DefaultRetryInterval is how often queued bytes are retried when no new
// message arrives.
const DefaultRetryInterval = time.Second

// Receiver writes every relayed window through a rotator. Windows the
// writer cannot take now stay queued.
type Receiver struct {
	conn    Conn
	subject string
	queue   *rotator.Queue
	retry   time.Duration
	log     *slog.Logger
}

// NewReceiver creates a receiver writing to w.
func NewReceiver(conn Conn, subject string, w rotator.Target, log *slog.Logger) (*Receiver, error) {
	if conn == nil || w == nil {
		return nil, errors.New("relay: conn and writer required")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		conn:    conn,
		subject: subject,
		queue:   rotator.NewQueue(w, 0),
		retry:   DefaultRetryInterval,
		log:     log.With("subject", subject),
	}, nil
}

// Handle queues one window and writes what the writer accepts.
func (r *Receiver) Handle(data []byte) {
	dropped, err := r.queue.Push(data)
	if dropped > 0 {
		r.log.Warn("relay queue overflow, oldest records dropped", "bytes", dropped)
	}
	if err != nil {
		r.log.Debug("relay write deferred", "pending", r.queue.Len(), "error", err)
	}
}

// Pending returns the queued byte count.
func (r *Receiver) Pending() int { return r.queue.Len() }

// Run subscribes and writes until ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	unsubscribe, err := r.conn.Subscribe(r.subject, r.Handle)
	if err != nil {
		return fmt.Errorf("relay: subscribe %s: %w", r.subject, err)
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			r.log.Warn("relay unsubscribe failed", "error", err)
		}
	}()
	r.log.Info("relay receiving")

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r.queue.Len() > 0 {
				r.Handle(nil)
			}
		}
	}
}
