// Package metrics defines the Prometheus collectors exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "imotos"

// Metrics bundles every collector. The zero value is not usable; build
// one with New.
type Metrics struct {
	MessagesRouted    *prometheus.CounterVec
	RoutingErrors     *prometheus.CounterVec
	AdmissionAttempts *prometheus.CounterVec
	ChallengesIssued  prometheus.Counter
	Difficulty        prometheus.Gauge
	ActiveNodes       prometheus.Gauge
	NetworkLoad       prometheus.Gauge
	NodesEvicted      prometheus.Counter
	OfflineQueued     prometheus.Gauge
	OfflineDropped    prometheus.Counter
	FrameBytes        *prometheus.HistogramVec
	Sessions          *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Messages processed by the router, by type and outcome.",
		}, []string{"type", "outcome"}),
		RoutingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_errors_total",
			Help:      "Messages rejected by the router, by error kind.",
		}, []string{"kind"}),
		AdmissionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_attempts_total",
			Help:      "Registration proofs checked, by result.",
		}, []string{"result"}),
		ChallengesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_issued_total",
			Help:      "Proof-of-work challenges handed out.",
		}),
		Difficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_difficulty",
			Help:      "Current number of leading zero hex digits required.",
		}),
		ActiveNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_nodes",
			Help:      "Nodes currently in the presence registry.",
		}),
		NetworkLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_load_percent",
			Help:      "Active nodes as a percentage of configured capacity.",
		}),
		NodesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_evicted_total",
			Help:      "Nodes removed by the inactivity sweep.",
		}),
		OfflineQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_messages",
			Help:      "DIRECT messages waiting for an offline recipient.",
		}),
		OfflineDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_messages_dropped_total",
			Help:      "Queued messages discarded by capacity or retention limits.",
		}),
		FrameBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_bytes",
			Help:      "Size of inbound message frames.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 7),
		}, []string{"compressed"}),
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Open node sessions, by transport.",
		}, []string{"transport"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesRouted,
			m.RoutingErrors,
			m.AdmissionAttempts,
			m.ChallengesIssued,
			m.Difficulty,
			m.ActiveNodes,
			m.NetworkLoad,
			m.NodesEvicted,
			m.OfflineQueued,
			m.OfflineDropped,
			m.FrameBytes,
			m.Sessions,
		)
	}
	return m
}
