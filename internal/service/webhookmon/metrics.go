package webhookmon

import (
	"github.com/prometheus/client_golang/prometheus"
)

type monitorMetrics struct {
	received *prometheus.CounterVec
	sent     *prometheus.CounterVec
	retries  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func newMonitorMetrics() *monitorMetrics {
	m := &monitorMetrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipetrack",
			Subsystem: "webhook",
			Name:      "received_total",
			Help:      "Count of inbound webhooks by source and outcome",
		}, []string{"source", "outcome"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipetrack",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Count of outbound delivery attempts by source and outcome",
		}, []string{"source", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipetrack",
			Subsystem: "webhook",
			Name:      "retries_total",
			Help:      "Count of scheduled delivery retries by source and failure category",
		}, []string{"source", "category"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipetrack",
			Subsystem: "webhook",
			Name:      "failures_total",
			Help:      "Count of terminal delivery failures by source and failure category",
		}, []string{"source", "category"}),
	}

	for _, collector := range []**prometheus.CounterVec{&m.received, &m.sent, &m.retries, &m.failures} {
		if err := prometheus.Register(**collector); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					*collector = existing
				}
			}
		}
	}
	return m
}

func (m *monitorMetrics) recordReceived(source, outcome string) {
	m.received.With(prometheus.Labels{"source": source, "outcome": outcome}).Inc()
}

func (m *monitorMetrics) recordSent(source, outcome string) {
	m.sent.With(prometheus.Labels{"source": source, "outcome": outcome}).Inc()
}

func (m *monitorMetrics) recordRetry(source string, category string) {
	m.retries.With(prometheus.Labels{"source": source, "category": category}).Inc()
}

func (m *monitorMetrics) recordFailure(source string, category string) {
	m.failures.With(prometheus.Labels{"source": source, "category": category}).Inc()
}
