// Package metrics registers the watchdog's Prometheus instrumentation, the
// way cluster.Peer.register and delegate.go register theirs in the teacher
// repo.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the watchdog core exposes.
type Metrics struct {
	PeersReachable      prometheus.Gauge
	PeerLostTotal        prometheus.Counter
	PeerReconnectedTotal prometheus.Counter
	QuorumStatus        prometheus.Gauge
	CommandsCompleted   *prometheus.CounterVec // labeled by status
	ProposalsCreated    prometheus.Counter
	ProposalsExpired    prometheus.Counter
	ProposalsResolved   prometheus.Counter
	EscalationsTotal    *prometheus.CounterVec // labeled by kind
	StateTransitions    *prometheus.CounterVec // labeled by to
}

// New creates and registers every metric against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PeersReachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchdog_peers_reachable",
			Help: "Number of configured peers with at least one live connection.",
		}),
		PeerLostTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchdog_peer_lost_total",
			Help: "Total number of times a peer transitioned to Lost.",
		}),
		PeerReconnectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchdog_peer_reconnected_total",
			Help: "Total number of successful peer reconnections.",
		}),
		QuorumStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchdog_quorum_status",
			Help: "Current quorum status: -2 unknown, -1 lost, 0 on the edge, 1 quorate.",
		}),
		CommandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_commands_completed_total",
			Help: "Total number of commands completed, by final status.",
		}, []string{"status"}),
		ProposalsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchdog_failover_proposals_created_total",
			Help: "Total number of failover proposals created on the coordinator.",
		}),
		ProposalsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchdog_failover_proposals_expired_total",
			Help: "Total number of failover proposals that expired before consensus.",
		}),
		ProposalsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchdog_failover_proposals_resolved_total",
			Help: "Total number of failover proposals that reached consensus and proceeded.",
		}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_escalations_total",
			Help: "Total number of VIP escalation helper invocations, by kind.",
		}, []string{"kind"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchdog_state_transitions_total",
			Help: "Total number of local-node state transitions, by destination state.",
		}, []string{"to"}),
	}

	reg.MustRegister(
		m.PeersReachable, m.PeerLostTotal, m.PeerReconnectedTotal, m.QuorumStatus,
		m.CommandsCompleted, m.ProposalsCreated, m.ProposalsExpired, m.ProposalsResolved,
		m.EscalationsTotal, m.StateTransitions,
	)
	return m
}
