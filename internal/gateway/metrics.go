package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/broker"
)

// metricsExporter publishes broker counters on a per-server Prometheus
// registry. A private registry keeps repeated server construction (tests,
// restarts) away from duplicate-registration panics on the default one.
type metricsExporter struct {
	registry *prometheus.Registry
}

func newMetricsExporter(b *broker.Broker) *metricsExporter {
	registry := prometheus.NewRegistry()

	counters := map[string]struct {
		help  string
		value func(broker.Metrics) int64
	}{
		"broker_messages_published_total": {
			"Messages accepted by publish.",
			func(m broker.Metrics) int64 { return m.Published }},
		"broker_messages_handled_total": {
			"Messages whose handler returned success.",
			func(m broker.Metrics) int64 { return m.Handled }},
		"broker_messages_retried_total": {
			"Failed attempts re-queued with backoff.",
			func(m broker.Metrics) int64 { return m.Retried }},
		"broker_messages_dead_lettered_total": {
			"Messages quarantined in the dead-letter queue.",
			func(m broker.Metrics) int64 { return m.DeadLettered }},
		"broker_acks_sent_total": {
			"Delivery receipts published for correlated messages.",
			func(m broker.Metrics) int64 { return m.AcksSent }},
		"broker_handler_panics_total": {
			"Panics recovered inside handlers.",
			func(m broker.Metrics) int64 { return m.HandlerPanics }},
		"broker_messages_expired_total": {
			"Messages whose TTL elapsed before dequeue.",
			func(m broker.Metrics) int64 { return m.Expired }},
		"broker_messages_unroutable_total": {
			"Messages dequeued with a foreign target.",
			func(m broker.Metrics) int64 { return m.Unroutable }},
	}

	for name, def := range counters {
		value := def.value
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: def.help,
		}, func() float64 {
			return float64(value(b.Metrics()))
		}))
	}

	return &metricsExporter{registry: registry}
}

func (e *metricsExporter) httpHandler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
