// internal/serialbridge/port.go
package serialbridge

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goburrow/serial"
)

// PortConfig describes the physical port.
type PortConfig struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // N | E | O
	Timeout  time.Duration
}

// OpenPort opens the physical serial port. The read timeout keeps the
// reader goroutine responsive to cancellation.
func OpenPort(c PortConfig) (io.ReadWriteCloser, error) {
	cfg := &serial.Config{
		Address:  c.Address,
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		StopBits: c.StopBits,
		Parity:   c.Parity,
		Timeout:  c.Timeout,
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Parity == "" {
		cfg.Parity = "N"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}

	p, err := serial.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("serialbridge: open %s: %w", c.Address, err)
	}
	return p, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) {
		return true
	}
	var to interface{ Timeout() bool }
	return errors.As(err, &to) && to.Timeout()
}
