package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_breaker_state",
		Help: "Gateway breaker position: 0 closed, 1 open, 2 half-open.",
	}, []string{"gateway"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_breaker_transitions_total",
		Help: "Gateway breaker state changes.",
	}, []string{"gateway", "from", "to"})
)
