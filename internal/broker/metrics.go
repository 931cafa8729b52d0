// internal/broker/metrics.go
package broker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamzrod/tagbridge/internal/metrics"
)

// brokerMetrics holds Prometheus metrics for the broker.
// A nil *brokerMetrics records nothing.
type brokerMetrics struct {
	liveSubscriptions prometheus.Gauge
	controllerCalls   *prometheus.CounterVec // op, result
	samplesDispatched prometheus.Counter
	samplesDropped    prometheus.Counter
	controllerHealth  *prometheus.GaugeVec // controller
}

func newBrokerMetrics(reg *metrics.Registry) (*brokerMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &brokerMetrics{
		liveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "live_subscriptions",
			Help:      "Number of live controller-level subscriptions",
		}),
		controllerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "controller_calls_total",
			Help:      "Controller subscribe/unsubscribe calls issued by the broker",
		}, []string{"op", "result"}),
		samplesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "deliveries_total",
			Help:      "Samples delivered to subscribers",
		}),
		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "samples_dropped_total",
			Help:      "Samples received for keys with no route",
		}),
		controllerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "controller_health",
			Help:      "Controller health code (0 unknown, 1 connected, 2 disconnected)",
		}, []string{"controller"}),
	}

	if err := reg.Register(
		m.liveSubscriptions,
		m.controllerCalls,
		m.samplesDispatched,
		m.samplesDropped,
		m.controllerHealth,
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *brokerMetrics) controllerCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.controllerCalls.WithLabelValues(op, result).Inc()
}

func (m *brokerMetrics) setLive(n int) {
	if m == nil {
		return
	}
	m.liveSubscriptions.Set(float64(n))
}

func (m *brokerMetrics) dispatched(n int) {
	if m == nil {
		return
	}
	m.samplesDispatched.Add(float64(n))
}

func (m *brokerMetrics) dropped() {
	if m == nil {
		return
	}
	m.samplesDropped.Inc()
}

func (m *brokerMetrics) setHealth(ctrl string, h uint16) {
	if m == nil {
		return
	}
	m.controllerHealth.WithLabelValues(ctrl).Set(float64(h))
}
