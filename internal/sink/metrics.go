// internal/sink/metrics.go
package sink

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamzrod/tagbridge/internal/metrics"
)

// Metrics is shared by every accumulator of a process, labelled by sink.
// A nil *Metrics records nothing.
type Metrics struct {
	samples *prometheus.CounterVec // sink
	flushes *prometheus.CounterVec // sink
	entries *prometheus.HistogramVec
}

// NewMetrics registers the accumulator metrics. A nil registry returns nil.
func NewMetrics(reg *metrics.Registry) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "sink",
			Name:      "samples_total",
			Help:      "Samples accepted into accumulation buffers",
		}, []string{"sink"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "sink",
			Name:      "flushes_total",
			Help:      "Accumulation windows flushed",
		}, []string{"sink"}),
		entries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "sink",
			Name:      "flush_entries",
			Help:      "Symbols per flushed batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 6),
		}, []string{"sink"}),
	}

	if err := reg.Register(m.samples, m.flushes, m.entries); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) received(sink string) {
	if m == nil {
		return
	}
	m.samples.WithLabelValues(sink).Inc()
}

func (m *Metrics) flushed(sink string, n int) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(sink).Inc()
	m.entries.WithLabelValues(sink).Observe(float64(n))
}
