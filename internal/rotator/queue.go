// internal/rotator/queue.go
package rotator

import (
	"sync"
)

// DefaultQueueLimit bounds the bytes a Queue keeps for a busy writer.
const DefaultQueueLimit = 8 << 20

// Target is what a Queue writes to (a *Writer).
type Target interface {
	Write(p []byte) (int, error)
	Available() bool
}

// Queue is the caller-side buffer in front of a Writer: bytes the writer
// does not accept now stay queued and go out with the next Push.
type Queue struct {
	target Target
	limit  int

	mu  sync.Mutex
	buf []byte
}

// NewQueue creates a queue in front of t. limit <= 0 uses DefaultQueueLimit.
func NewQueue(t Target, limit int) *Queue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Queue{target: t, limit: limit}
}

// Push appends p and hands everything queued to the target if it is
// available. When the queue outgrows its limit the oldest whole lines are
// dropped; their byte count is returned. err is the target's write error.
func (q *Queue) Push(p []byte) (dropped int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.buf = append(q.buf, p...)
	if over := len(q.buf) - q.limit; over > 0 {
		cut := over
		for cut < len(q.buf) && q.buf[cut-1] != '\n' {
			cut++
		}
		q.buf = append([]byte(nil), q.buf[cut:]...)
		dropped = cut
	}

	if len(q.buf) == 0 || !q.target.Available() {
		return dropped, nil
	}

	n, err := q.target.Write(q.buf)
	if n > 0 {
		q.buf = q.buf[n:]
	}
	if len(q.buf) == 0 {
		q.buf = nil
	}
	return dropped, err
}

// Len returns the queued byte count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
