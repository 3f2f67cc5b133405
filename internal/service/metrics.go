package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	waitOutcomeReached     = "reached"
	waitOutcomeStalled     = "stalled"
	waitOutcomeQueryFailed = "query_failed"
	waitOutcomeUnexpected  = "unexpected_state"
)

var (
	// waitOutcomes tracks how WaitForServiceState calls end
	waitOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcctl_wait_outcomes_total",
			Help: "Total service state waits by source state, target state and outcome",
		},
		[]string{"from", "to", "outcome"},
	)

	// stopCascadeFailures tracks dependent stop cascades aborted by a failing dependent
	stopCascadeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "svcctl_stop_cascade_failures_total",
			Help: "Total dependent stop cascades aborted because a dependent failed to stop",
		},
	)

	// registryOperations tracks registry operations by operation and result
	registryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcctl_registry_operations_total",
			Help: "Total registry operations by operation and result",
		},
		[]string{"operation", "result"},
	)
)

func recordWait(from, to State, outcome string) {
	waitOutcomes.WithLabelValues(from.String(), to.String(), outcome).Inc()
}

func recordOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	registryOperations.WithLabelValues(operation, result).Inc()
}
