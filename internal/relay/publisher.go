// internal/relay/publisher.go
package relay

import (
	"context"
	"errors"
)

// Publisher forwards encoded windows to the relay subject.
// It satisfies historian.Relay.
type Publisher struct {
	conn    Conn
	subject string
	local   bool
}

// NewPublisher creates a publisher. localWrite tells the logging sink to
// keep a local copy of everything it forwards.
func NewPublisher(conn Conn, subject string, localWrite bool) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("relay: conn required")
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject, local: localWrite}, nil
}

// Forward publishes p as one message. Empty windows are not sent.
func (p *Publisher) Forward(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return p.conn.Publish(p.subject, data)
}

// LocalWrite reports whether a local copy is also written.
func (p *Publisher) LocalWrite() bool { return p.local }

// Close drains and closes the connection.
func (p *Publisher) Close() { p.conn.Close() }
