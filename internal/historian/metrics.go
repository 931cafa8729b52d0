// internal/historian/metrics.go
package historian

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamzrod/tagbridge/internal/metrics"
)

// A nil *historianMetrics records nothing.
type historianMetrics struct {
	passes       *prometheus.CounterVec // pass
	subscribed   prometheus.Gauge
	failed       prometheus.Gauge
	encodedBytes prometheus.Counter
	pendingBytes prometheus.Gauge
	droppedTotal prometheus.Counter
	relayErrors  prometheus.Counter
}

func newHistorianMetrics(reg *metrics.Registry) (*historianMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &historianMetrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "historian",
			Name:      "reconciliation_passes_total",
			Help:      "Reconciliation passes by kind (fresh, retry)",
		}, []string{"pass"}),
		subscribed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "historian",
			Name:      "tags_subscribed",
			Help:      "Tags subscribed successfully since the last fresh pass",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "historian",
			Name:      "tags_failed",
			Help:      "Tags that failed to subscribe in the last pass",
		}),
		encodedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "historian",
			Name:      "encoded_bytes_total",
			Help:      "Line-record bytes produced",
		}),
		pendingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "historian",
			Name:      "pending_bytes",
			Help:      "Bytes waiting for the log writer",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "historian",
			Name:      "dropped_bytes_total",
			Help:      "Pending bytes dropped on buffer overflow",
		}),
		relayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "historian",
			Name:      "relay_errors_total",
			Help:      "Failed relay forwards",
		}),
	}

	if err := reg.Register(
		m.passes,
		m.subscribed,
		m.failed,
		m.encodedBytes,
		m.pendingBytes,
		m.droppedTotal,
		m.relayErrors,
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *historianMetrics) pass(kind string, subscribed, failed int) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(kind).Inc()
	m.subscribed.Set(float64(subscribed))
	m.failed.Set(float64(failed))
}

func (m *historianMetrics) encoded(n int) {
	if m == nil {
		return
	}
	m.encodedBytes.Add(float64(n))
}

func (m *historianMetrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingBytes.Set(float64(n))
}

func (m *historianMetrics) droppedBytes(n int) {
	if m == nil {
		return
	}
	m.droppedTotal.Add(float64(n))
}

func (m *historianMetrics) relayError() {
	if m == nil {
		return
	}
	m.relayErrors.Inc()
}
