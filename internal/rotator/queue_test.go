// internal/rotator/queue_test.go
package rotator

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	buf       bytes.Buffer
	available bool
}

func (f *fakeTarget) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *fakeTarget) Available() bool             { return f.available }

func TestQueue_HoldsWhileUnavailable(t *testing.T) {
	tgt := &fakeTarget{}
	q := NewQueue(tgt, 0)

	dropped, err := q.Push([]byte("a 1\n"))
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Equal(t, 4, q.Len())
	assert.Empty(t, tgt.buf.String())

	tgt.available = true
	_, err = q.Push([]byte("b 2\n"))
	require.NoError(t, err)
	assert.Equal(t, "a 1\nb 2\n", tgt.buf.String())
	assert.Zero(t, q.Len())
}

func TestQueue_DropsOldestWholeLines(t *testing.T) {
	tgt := &fakeTarget{}
	q := NewQueue(tgt, 10)

	_, _ = q.Push([]byte("aaaa\n"))
	_, _ = q.Push([]byte("bbbb\n"))
	dropped, _ := q.Push([]byte("cc\n"))

	assert.Equal(t, 5, dropped)
	tgt.available = true
	_, _ = q.Push(nil)
	assert.Equal(t, "bbbb\ncc\n", tgt.buf.String())
}

func TestQueue_WithWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Dir: dir, Now: fixedClock("2026-03-01T10:20:30.123Z")}, nil, nil)
	require.NoError(t, err)

	q := NewQueue(w, 0)
	_, err = q.Push([]byte("x 1\n"))
	require.NoError(t, err)
	assert.Zero(t, q.Len())

	require.NoError(t, w.Close())
	// a closed writer is not available: the bytes stay queued
	_, err = q.Push([]byte("y 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, q.Len())
}
