package escrow

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Transitions         *prometheus.CounterVec
	Releases            *prometheus.CounterVec
	InvariantViolations *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "p2p_trade_transitions_total",
				Help:      "Committed P2P trade status transitions.",
			},
			[]string{"from", "to"},
		),
		Releases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "p2p_escrow_releases_total",
				Help:      "Escrow release requests by outcome.",
			},
			[]string{"outcome"},
		),
		InvariantViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "p2p_escrow_invariant_violations_total",
				Help:      "Escrow reservations found inconsistent with their trade.",
			},
			[]string{"op"},
		),
	}

	registry.MustRegister(m.Transitions, m.Releases, m.InvariantViolations)
	return m
}

func (m *Metrics) transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) release(outcome string) {
	if m == nil {
		return
	}
	m.Releases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) violation(op string) {
	if m == nil {
		return
	}
	m.InvariantViolations.WithLabelValues(op).Inc()
}
