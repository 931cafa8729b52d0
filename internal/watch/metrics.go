// internal/watch/metrics.go
package watch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamzrod/tagbridge/internal/metrics"
)

type watchMetrics struct {
	sessions prometheus.Gauge
	messages *prometheus.CounterVec // type
	resumes  prometheus.Counter
}

func newWatchMetrics(reg *metrics.Registry) (*watchMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &watchMetrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "watch",
			Name:      "sessions",
			Help:      "Live watch sessions",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "watch",
			Name:      "requests_total",
			Help:      "Client requests by type",
		}, []string{"type"}),
		resumes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "watch",
			Name:      "resumes_total",
			Help:      "Sessions resumed within the grace period",
		}),
	}

	if err := reg.Register(m.sessions, m.messages, m.resumes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *watchMetrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *watchMetrics) message(typ string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(typ).Inc()
}

func (m *watchMetrics) resumed() {
	if m == nil {
		return
	}
	m.resumes.Inc()
}
