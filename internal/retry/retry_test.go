// internal/retry/retry_test.go
package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{Delay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_BoundedReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{Delay: time.Millisecond, MaxAttempts: 2}, func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	assert.Equal(t, 2, calls)
}

func TestDo_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, Config{Delay: 5 * time.Millisecond}, func(context.Context) error {
			calls.Add(1)
			return errors.New("down")
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorContains(t, err, "down")
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestDo_NegativeDelay(t *testing.T) {
	err := Do(context.Background(), Config{Delay: -1}, func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestForever_NilLogger(t *testing.T) {
	calls := 0
	err := Forever(context.Background(), time.Millisecond, nil, "write", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("once")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestAfter_Stop(t *testing.T) {
	var fired atomic.Bool
	stop := After(20*time.Millisecond, func() { fired.Store(true) })
	assert.True(t, stop())

	time.Sleep(40 * time.Millisecond)
	assert.False(t, fired.Load())
}
