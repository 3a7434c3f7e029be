// Package metrics declares the ambient Prometheus metric vectors this
// daemon exports alongside its JSON-RPC surface. spec.md's Non-goals
// exclude route policy / best-path selection but say nothing about
// observability, so this ambient concern is carried the way the
// teacher's sibling repo carries it: a flat var block of
// prometheus.*Vec plus a Register() call, grounded directly in
// route-beacon-ri's internal/metrics/metrics.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SessionState reports each peer's current FSM state as a one-hot
	// gauge set: 1 for the active state, 0 for the rest. Grafana/alerting
	// queries on a single label value instead of parsing strings.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpd_session_state",
			Help: "1 if the peer is currently in this FSM state, else 0.",
		},
		[]string{"peer", "state"},
	)

	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_messages_sent_total",
			Help: "BGP messages sent, by peer and message type.",
		},
		[]string{"peer", "type"},
	)

	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_messages_received_total",
			Help: "BGP messages received, by peer and message type.",
		},
		[]string{"peer", "type"},
	)

	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_notifications_sent_total",
			Help: "NOTIFICATION messages sent, by peer, code and subcode.",
		},
		[]string{"peer", "code", "subcode"},
	)

	PrefixesLearned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpd_prefixes_learned",
			Help: "Current Adj-RIB-In size, by peer.",
		},
		[]string{"peer"},
	)

	PrefixesAdvertised = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpd_prefixes_advertised",
			Help: "Current Adj-RIB-Out size, by peer.",
		},
		[]string{"peer"},
	)

	SessionResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_session_resets_total",
			Help: "Transitions back to Idle, by peer and reason.",
		},
		[]string{"peer", "reason"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpd_rpc_request_duration_seconds",
			Help:    "JSON-RPC handler latency, by method.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"method"},
	)
)

// Register registers every vector with the default Prometheus
// registry. Call once at startup, before the HTTP /metrics handler is
// mounted.
func Register() {
	prometheus.MustRegister(
		SessionState,
		MessagesSentTotal,
		MessagesReceivedTotal,
		NotificationsSentTotal,
		PrefixesLearned,
		PrefixesAdvertised,
		SessionResetsTotal,
		RPCRequestDuration,
	)
}

// AllFSMStates lists every label value SessionState can take, so
// SetSessionState can zero out the states a peer is not currently in.
var AllFSMStates = []string{"Idle", "Connect", "Active", "OpenSent", "OpenConfirm", "Established", "Disabled"}

// SetSessionState sets peer's SessionState gauge to 1 for state and 0
// for every other known state.
func SetSessionState(peer, state string) {
	for _, s := range AllFSMStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		SessionState.WithLabelValues(peer, s).Set(v)
	}
}
