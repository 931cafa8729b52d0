// internal/relay/relay.go

// Package relay ships encoded line-record windows to a remote process over
// NATS. The broker side publishes one message per flush window; the relay
// process subscribes and writes every message through its own rotator.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	DefaultSubject       = "tagbridge.lines"
	DefaultReconnectWait = 2 * time.Second
)

// Conn is the part of a NATS connection the relay uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, fn func(data []byte)) (unsubscribe func() error, err error)
	Close()
}

// natsConn adapts *nats.Conn to Conn.
type natsConn struct {
	nc *nats.Conn
}

func (c natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c natsConn) Subscribe(subject string, fn func([]byte)) (func() error, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) { fn(m.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (c natsConn) Close() {
	// drain flushes buffered publishes before closing
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}

// Dial connects to NATS with unlimited reconnects. Connection state changes
// are logged.
func Dial(url, name string, log *slog.Logger) (Conn, error) {
	if url == "" {
		return nil, errors.New("relay: url required")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("url", url)

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(DefaultReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("relay disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("relay reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("relay connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("relay error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: connect %s: %w", url, err)
	}
	log.Info("relay connected")
	return natsConn{nc: nc}, nil
}
