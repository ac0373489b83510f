package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for failoverd.
// Using promauto for automatic registration with default registry.
var (
	// --- Role Metrics ---

	// Role is 1 for the role this node currently holds, 0 for the others.
	Role = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "failoverd",
			Subsystem: "coordinator",
			Name:      "role",
			Help:      "Current role of this node (1 for the active role)",
		},
		[]string{"role"},
	)

	// RoleTransitions counts confirmed role changes.
	RoleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "failoverd",
			Subsystem: "coordinator",
			Name:      "role_transitions_total",
			Help:      "Total number of confirmed role transitions",
		},
		[]string{"from", "to"},
	)

	// Ticks counts coordination loop ticks by outcome.
	Ticks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "failoverd",
			Subsystem: "coordinator",
			Name:      "ticks_total",
			Help:      "Total number of coordination ticks by outcome",
		},
		[]string{"outcome"},
	)

	// TickDuration tracks how long a full tick takes.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "failoverd",
			Subsystem: "coordinator",
			Name:      "tick_duration_seconds",
			Help:      "Duration of coordination ticks in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	// --- Lock Metrics ---

	// LockAcquisitions counts acquire attempts by result.
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "failoverd",
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Total lock acquire attempts by result (held, other, error, expired)",
		},
		[]string{"result"},
	)

	// --- Adapter Metrics ---

	// AdapterCalls counts adapter invocations by operation and result.
	AdapterCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "failoverd",
			Subsystem: "adapter",
			Name:      "calls_total",
			Help:      "Total adapter calls by operation and result",
		},
		[]string{"op", "result"},
	)

	// Healthy is 1 while the last health check passed.
	Healthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "failoverd",
			Subsystem: "adapter",
			Name:      "healthy",
			Help:      "Result of the last application health check",
		},
	)

	// --- Registry Metrics ---

	// RegistryUpdates counts registry writes by kind and result.
	RegistryUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "failoverd",
			Subsystem: "registry",
			Name:      "updates_total",
			Help:      "Total registry writes by kind (register, tag, deregister) and result",
		},
		[]string{"kind", "result"},
	)
)

var roles = []string{"unknown", "master", "slave"}

// SetRole marks role as the active one.
func SetRole(role string) {
	for _, r := range roles {
		v := 0.0
		if r == role {
			v = 1
		}
		Role.WithLabelValues(r).Set(v)
	}
}

// SetHealthy records the last health result.
func SetHealthy(ok bool) {
	if ok {
		Healthy.Set(1)
		return
	}
	Healthy.Set(0)
}

// RecordAdapterCall records an adapter invocation.
func RecordAdapterCall(op string, err error) {
	AdapterCalls.WithLabelValues(op, result(err)).Inc()
}

// RecordRegistryUpdate records a registry write.
func RecordRegistryUpdate(kind string, err error) {
	RegistryUpdates.WithLabelValues(kind, result(err)).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
