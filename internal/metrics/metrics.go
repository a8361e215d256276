// Package metrics defines the broker's prometheus collectors: connections
// accepted, modules registered/promoted/demoted, dispatch errors by code,
// function calls forwarded, and hook triggers. Grounded in
// oriys-nova/go.mod, which carries the same client_golang stack for its own
// request path; wired here into internal/adminapi's /metrics endpoint via
// promhttp.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every broker-level collector. A nil *Metrics is not safe to
// use directly; callers that may run without a registry (tests) guard
// every call site with a nil check
// instead of handing out no-op collectors, keeping the hot path free of an
// extra interface indirection.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ModulesRegistered   prometheus.Counter
	ModulesPromoted     prometheus.Counter
	ModulesDemoted      prometheus.Counter
	DispatchErrors      *prometheus.CounterVec
	FunctionCalls       prometheus.Counter
	HookDeliveries      prometheus.Counter
}

// New creates and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "juno",
			Name:      "connections_accepted_total",
			Help:      "Total number of inbound connections accepted by the transport adapter.",
		}),
		ModulesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "juno",
			Name:      "modules_registered_total",
			Help:      "Total number of successful registerModule requests.",
		}),
		ModulesPromoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "juno",
			Name:      "modules_promoted_total",
			Help:      "Total number of modules promoted from unregistered to registered by the dependency engine.",
		}),
		ModulesDemoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "juno",
			Name:      "modules_demoted_total",
			Help:      "Total number of modules demoted from registered to unregistered by the dependency engine.",
		}),
		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "juno",
			Name:      "dispatch_errors_total",
			Help:      "Total number of protocol ERROR responses sent, labeled by error name.",
		}, []string{"error"}),
		FunctionCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "juno",
			Name:      "function_calls_total",
			Help:      "Total number of function-call frames forwarded to a target module.",
		}),
		HookDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "juno",
			Name:      "hook_triggers_total",
			Help:      "Total number of triggerHook requests processed (fan-out count, not per-subscriber deliveries).",
		}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted,
		m.ModulesRegistered,
		m.ModulesPromoted,
		m.ModulesDemoted,
		m.DispatchErrors,
		m.FunctionCalls,
		m.HookDeliveries,
	)
	return m
}
