// Package metrics exposes the daemon's operational counters on the
// standard Prometheus registry, served at /metrics by the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EventsScheduled  *prometheus.CounterVec
	EventsDelivered  prometheus.Counter
	EventsCoalesced  prometheus.Counter
	EventsDropped    prometheus.Counter
	HooksReceived    *prometheus.CounterVec
	PromptsDetected  prometheus.Counter
	SessionsManaged  prometheus.GaugeFunc
	SessionsObserved prometheus.GaugeFunc
	ClientsConnected prometheus.Gauge
	TmuxErrors       prometheus.Counter
}

// New registers all relayd metrics with the given registerer. Pass
// prometheus.DefaultRegisterer in the daemon; tests use a fresh registry.
func New(reg prometheus.Registerer, managedCount, observedCount func() float64) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_events_scheduled_total",
			Help: "Lifecycle events entering the scheduler, by priority class.",
		}, []string{"priority"}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_events_delivered_total",
			Help: "Events delivered to subscribers after scheduling.",
		}),
		EventsCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_events_coalesced_total",
			Help: "Events merged into a pending same-class event.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_events_dropped_total",
			Help: "Events dropped for exceeding the max age.",
		}),
		HooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_hooks_received_total",
			Help: "Raw hook events received at ingress, by classified kind.",
		}, []string{"kind"}),
		PromptsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_prompts_detected_total",
			Help: "Distinct permission prompts detected by polling.",
		}),
		SessionsManaged: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relayd_sessions_managed",
			Help: "Managed sessions currently in the registry.",
		}, managedCount),
		SessionsObserved: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relayd_sessions_observed",
			Help: "Observed sessions currently in the registry.",
		}, observedCount),
		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_clients_connected",
			Help: "Subscribers currently connected to the broadcast hub.",
		}),
		TmuxErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_tmux_errors_total",
			Help: "Failed tmux invocations.",
		}),
	}
}

// PriorityLabel maps a scheduler priority to its metric label.
func PriorityLabel(p int) string {
	switch p {
	case 0:
		return "immediate"
	case 1:
		return "high"
	case 2:
		return "normal"
	default:
		return "low"
	}
}
