// internal/controller/modbus/poller.go
package modbus

import (
	"context"
	"fmt"
	"time"

	"github.com/tamzrod/tagbridge/internal/controller"
)

// poll is one controller-level subscription: a dumb, clock-driven reader
// for a single symbol. One goroutine per subscription. No overlap.
type poll struct {
	id       uint64
	symbol   string
	onChange bool
	interval time.Duration
	fn       controller.SampleFunc

	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Controller) SubscribeCyclic(ctx context.Context, symbol string, fn controller.SampleFunc, interval time.Duration) (controller.Handle, error) {
	if interval <= 0 {
		return controller.Handle{}, fmt.Errorf("modbus: interval must be > 0")
	}
	return c.subscribe(ctx, symbol, fn, interval, false)
}

func (c *Controller) SubscribeOnChange(ctx context.Context, symbol string, fn controller.SampleFunc) (controller.Handle, error) {
	return c.subscribe(ctx, symbol, fn, c.cfg.OnChangePoll, true)
}

func (c *Controller) subscribe(ctx context.Context, symbol string, fn controller.SampleFunc, interval time.Duration, onChange bool) (controller.Handle, error) {
	if _, ok := c.symbols[symbol]; !ok {
		return controller.Handle{}, fmt.Errorf("%w: %s", controller.ErrUnknownSymbol, symbol)
	}
	if fn == nil {
		return controller.Handle{}, fmt.Errorf("modbus: nil sample func")
	}

	// A subscription on an unreachable controller is rejected so the
	// caller can apply its own retry policy.
	if err := c.Connect(ctx); err != nil {
		return controller.Handle{}, err
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	// Replace any previous subscription on the same symbol.
	if prev, ok := c.subs[symbol]; ok {
		prev.cancel()
		delete(c.subs, symbol)
	}

	c.nextID++
	runCtx, cancel := context.WithCancel(context.Background())
	p := &poll{
		id:       c.nextID,
		symbol:   symbol,
		onChange: onChange,
		interval: interval,
		fn:       fn,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.subs[symbol] = p

	go c.run(runCtx, p)

	return controller.Handle{
		Symbol:   symbol,
		ID:       p.id,
		OnChange: onChange,
		Interval: interval,
	}, nil
}

func (c *Controller) Unsubscribe(_ context.Context, symbol string) error {
	c.subsMu.Lock()
	p, ok := c.subs[symbol]
	if ok {
		delete(c.subs, symbol)
	}
	c.subsMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", controller.ErrNotSubscribed, symbol)
	}
	p.cancel()
	return nil
}

func (c *Controller) UnsubscribeAll(context.Context) error {
	c.subsMu.Lock()
	all := c.subs
	c.subs = make(map[string]*poll)
	c.subsMu.Unlock()

	for _, p := range all {
		p.cancel()
	}
	return nil
}

// run reads the symbol once immediately and then on every tick.
// Cyclic polls emit every successful read; on-change polls emit only
// when the value differs from the previous successful read.
func (c *Controller) run(ctx context.Context, p *poll) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var (
		last    any
		hasLast bool
	)

	tick := func() {
		v, err := c.ReadSymbolValue(ctx, p.symbol)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("poll read failed", "symbol", p.symbol, "error", err)
			}
			return
		}
		if p.onChange && hasLast && v == last {
			return
		}
		last, hasLast = v, true

		// a cancelled poll must not emit after Unsubscribe returned
		if ctx.Err() != nil {
			return
		}
		p.fn(controller.Sample{
			Controller: c.cfg.Name,
			Symbol:     p.symbol,
			Value:      v,
			Type:       c.symbols[p.symbol].Type,
			Timestamp:  time.Now(),
		})
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
