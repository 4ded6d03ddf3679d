package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// WebhookTotal counts inbound gateway notifications by pipeline outcome.
	WebhookTotal *prometheus.CounterVec
	// WebhookDuration records end-to-end notification handling latency in milliseconds.
	WebhookDuration *prometheus.HistogramVec
	// PaymentTransitionTotal counts state machine decisions.
	PaymentTransitionTotal *prometheus.CounterVec
	// FulfillmentTotal counts dispatcher side effects by action and result.
	FulfillmentTotal *prometheus.CounterVec
	// GatewayRequestTotal counts outbound gateway API lookups.
	GatewayRequestTotal *prometheus.CounterVec
	// LedgerStaleEvents reports claimed-but-unprocessed ledger records past the grace period.
	LedgerStaleEvents *prometheus.GaugeVec
	// ReplayTotal counts manual replay executions.
	ReplayTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
// Safe to call from several binaries and tests; only the first call registers.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		WebhookTotal = mustRegisterCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_notifications_total",
			Help:      "Count of gateway notifications by outcome.",
		}, []string{"gateway", "topic", "outcome"}))
		WebhookDuration = mustRegisterCollector(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_ms",
			Help:      "Latency of notification processing in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 3000, 5000},
		}, []string{"gateway"}))
		PaymentTransitionTotal = mustRegisterCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Count of payment state machine decisions.",
		}, []string{"from", "to", "verdict"}))
		FulfillmentTotal = mustRegisterCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulfillment_actions_total",
			Help:      "Count of fulfillment side effects by result.",
		}, []string{"action", "result"}))
		GatewayRequestTotal = mustRegisterCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Count of outbound gateway API lookups.",
		}, []string{"gateway", "operation", "result"}))
		LedgerStaleEvents = mustRegisterCollector(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_stale_events",
			Help:      "Claimed webhook events still unprocessed after the grace period.",
		}, []string{"gateway"}))
		ReplayTotal = mustRegisterCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_replays_total",
			Help:      "Count of manual webhook replays by outcome.",
		}, []string{"outcome"}))
	})
}

// CountWebhook increments WebhookTotal when domain metrics are registered.
func CountWebhook(gateway, topic, outcome string) {
	if WebhookTotal == nil {
		return
	}
	WebhookTotal.WithLabelValues(Label(gateway), Label(topic), outcome).Inc()
}

// CountTransition increments PaymentTransitionTotal when registered.
func CountTransition(from, to, verdict string) {
	if PaymentTransitionTotal == nil {
		return
	}
	PaymentTransitionTotal.WithLabelValues(from, to, verdict).Inc()
}

// CountFulfillment increments FulfillmentTotal when registered.
func CountFulfillment(action, result string) {
	if FulfillmentTotal == nil {
		return
	}
	FulfillmentTotal.WithLabelValues(action, result).Inc()
}

// CountGatewayRequest increments GatewayRequestTotal when registered.
func CountGatewayRequest(gateway, operation, result string) {
	if GatewayRequestTotal == nil {
		return
	}
	GatewayRequestTotal.WithLabelValues(gateway, operation, result).Inc()
}

// CountReplay increments ReplayTotal when registered.
func CountReplay(outcome string) {
	if ReplayTotal == nil {
		return
	}
	ReplayTotal.WithLabelValues(outcome).Inc()
}

// Label normalises free-form values used as metric labels.
func Label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
