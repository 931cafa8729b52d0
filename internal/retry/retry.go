// internal/retry/retry.go

// Package retry runs operations again after a fixed delay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config is a fixed-delay retry policy.
type Config struct {
	Delay       time.Duration // delay between attempts
	MaxAttempts int           // 0 = retry until ctx is done
}

// Forever runs fn until it succeeds or ctx is done.
// Every failure is logged at warn level and retried after delay.
func Forever(ctx context.Context, delay time.Duration, log *slog.Logger, op string, fn func(context.Context) error) error {
	return Do(ctx, Config{Delay: delay}, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && log != nil && ctx.Err() == nil {
			log.Warn("operation failed, retrying", "op", op, "delay", delay, "error", err)
		}
		return err
	})
}

// Do runs fn with the given policy. It returns nil on the first success,
// the last error once MaxAttempts is exhausted, or the context error.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	if cfg.Delay < 0 {
		return errors.New("retry: delay cannot be negative")
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry cancelled after attempt %d: %w", attempt-1, lastErr)
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return lastErr
		}

		timer := time.NewTimer(cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, lastErr)
		case <-timer.C:
		}
	}
}

// After schedules fn once after delay unless stop is called first.
// It is the continuation form used by timer-driven retry loops.
func After(delay time.Duration, fn func()) (stop func() bool) {
	t := time.AfterFunc(delay, fn)
	return t.Stop
}
