// internal/rotator/metrics.go
package rotator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamzrod/tagbridge/internal/metrics"
)

// rotatorMetrics is labelled by bucket so a process may own several writers.
// A nil *rotatorMetrics records nothing.
type rotatorMetrics struct {
	bucket   string
	segments *prometheus.CounterVec // bucket, event
	bytes    *prometheus.CounterVec // bucket
	busy     *prometheus.CounterVec // bucket
	errors   *prometheus.CounterVec // bucket, op
}

var (
	segmentsVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "rotator",
		Name:      "segments_total",
		Help:      "Segment lifecycle events (opened, completed, recovered)",
	}, []string{"bucket", "event"})
	bytesVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "rotator",
		Name:      "bytes_written_total",
		Help:      "Bytes appended to segments",
	}, []string{"bucket"})
	busyVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "rotator",
		Name:      "busy_rejections_total",
		Help:      "Writes rejected while a segment was being opened or rotated",
	}, []string{"bucket"})
	errorsVec = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "rotator",
		Name:      "fs_errors_total",
		Help:      "File-system failures by operation",
	}, []string{"bucket", "op"})
)

func newRotatorMetrics(reg *metrics.Registry, bucket string) (*rotatorMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	// The vectors are shared; registering them again on the same registry
	// is tolerated by metrics.Registry.
	if err := reg.Register(segmentsVec, bytesVec, busyVec, errorsVec); err != nil {
		return nil, err
	}
	return &rotatorMetrics{
		bucket:   bucket,
		segments: segmentsVec,
		bytes:    bytesVec,
		busy:     busyVec,
		errors:   errorsVec,
	}, nil
}

func (m *rotatorMetrics) opened()    { m.segment("opened") }
func (m *rotatorMetrics) completed() { m.segment("completed") }
func (m *rotatorMetrics) recovered() { m.segment("recovered") }

func (m *rotatorMetrics) segment(event string) {
	if m == nil {
		return
	}
	m.segments.WithLabelValues(m.bucket, event).Inc()
}

func (m *rotatorMetrics) wrote(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(m.bucket).Add(float64(n))
}

func (m *rotatorMetrics) busyReject() {
	if m == nil {
		return
	}
	m.busy.WithLabelValues(m.bucket).Inc()
}

func (m *rotatorMetrics) fsError(op string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(m.bucket, op).Inc()
}
