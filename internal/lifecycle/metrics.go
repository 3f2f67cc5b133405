package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BrainStation-23/svcctl/internal/service"
)

var (
	// transitions tracks status records published per service and state
	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcctl_lifecycle_transitions_total",
			Help: "Total status records published by service and state",
		},
		[]string{"service", "state"},
	)

	// controls tracks control codes handled per service, kind and result
	controls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcctl_control_requests_total",
			Help: "Total control codes handled by service, control and result",
		},
		[]string{"service", "control", "result"},
	)

	// publishFailures tracks status records the sink rejected
	publishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svcctl_status_publish_failures_total",
			Help: "Total status records that could not be published",
		},
		[]string{"service"},
	)
)

func recordControl(name string, kind service.ControlKind, result service.Result) {
	controls.WithLabelValues(name, kind.String(), result.String()).Inc()
}
