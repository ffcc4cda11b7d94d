package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retrieval_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	circuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"service", "from_state", "to_state"},
	)

	circuitBreakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retrieval_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"service"},
	)
)

func recordStateChange(service string, from, to State) {
	circuitBreakerStateChanges.WithLabelValues(service, from.String(), to.String()).Inc()
	circuitBreakerState.WithLabelValues(service).Set(float64(to))

	if to == StateOpen {
		circuitBreakerOpenSince.WithLabelValues(service).SetToCurrentTime()
	} else if from == StateOpen {
		circuitBreakerOpenSince.WithLabelValues(service).Set(0)
	}
}
