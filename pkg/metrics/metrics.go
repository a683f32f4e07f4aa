package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CurrentRole reports the node's current role: 1 for the role this
	// instance currently holds, 0 for every other label value, so
	// `max(pgkeeper_current_role) by (role)` resolves the active role
	// without string matching in PromQL.
	CurrentRole = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgkeeper_current_role",
			Help: "1 for the role the node currently occupies, 0 for all others",
		},
		[]string{"role"},
	)

	// AssignedRole reports the role the coordinator last assigned this
	// node, same encoding as CurrentRole. Divergence between the two
	// lasting longer than a transition should take is itself a signal
	// worth alerting on.
	AssignedRole = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgkeeper_assigned_role",
			Help: "1 for the role last assigned by the coordinator, 0 for all others",
		},
		[]string{"role"},
	)

	LastMonitorContactSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgkeeper_last_monitor_contact_seconds",
			Help: "Unix timestamp of the last successful node_active call to the coordinator",
		},
	)

	LastSecondaryContactSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgkeeper_last_secondary_contact_seconds",
			Help: "Unix timestamp of the last time the local replication probe saw a connected secondary",
		},
	)

	TransitionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgkeeper_transition_duration_seconds",
			Help:    "Time taken to execute a single FSM transition function",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transition"},
	)

	NodeActiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgkeeper_node_active_duration_seconds",
			Help:    "Time taken for one full Node Active control loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgkeeper_transitions_total",
			Help: "Total FSM transitions attempted, by transition name and outcome",
		},
		[]string{"transition", "outcome"},
	)

	CoordinatorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgkeeper_coordinator_calls_total",
			Help: "Total coordinator RPCs by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	ReplicationLagBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgkeeper_replication_lag_bytes",
			Help: "Most recently observed replication lag in bytes, when this node is a standby",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CurrentRole,
		AssignedRole,
		LastMonitorContactSeconds,
		LastSecondaryContactSeconds,
		TransitionDuration,
		NodeActiveDuration,
		TransitionsTotal,
		CoordinatorCallsTotal,
		ReplicationLagBytes,
	)
}

// SetRole zeroes every role series in vec and then sets the series for
// current to 1, so exactly one label value reads 1 at a time.
func SetRole(vec *prometheus.GaugeVec, roles []string, current string) {
	for _, r := range roles {
		vec.WithLabelValues(r).Set(0)
	}
	vec.WithLabelValues(current).Set(1)
}

// Handler returns the Prometheus HTTP handler used by the agent's
// optional --metrics-listen endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
