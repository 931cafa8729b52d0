// internal/serialbridge/metrics.go
package serialbridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamzrod/tagbridge/internal/metrics"
)

type bridgeMetrics struct {
	events  *prometheus.CounterVec // bridge, event
	traffic *prometheus.CounterVec // bridge, direction
}

func newBridgeMetrics(reg *metrics.Registry) (*bridgeMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &bridgeMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "serial",
			Name:      "handshakes_total",
			Help:      "Completed handshake steps by kind",
		}, []string{"bridge", "event"}),
		traffic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "serial",
			Name:      "bytes_total",
			Help:      "Bytes moved between the port and the controller",
		}, []string{"bridge", "direction"}),
	}

	if err := reg.Register(m.events, m.traffic); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bridgeMetrics) event(bridge, kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(bridge, kind).Inc()
}

func (m *bridgeMetrics) bytes(bridge, dir string, n int) {
	if m == nil {
		return
	}
	m.traffic.WithLabelValues(bridge, dir).Add(float64(n))
}
