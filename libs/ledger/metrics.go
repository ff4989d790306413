package ledger

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Operations          *prometheus.CounterVec
	InvariantViolations *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "ledger_operations_total",
				Help:      "Wallet mutations by operation and outcome.",
			},
			[]string{"op", "status"},
		),
		InvariantViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "ledger_invariant_violations_total",
				Help:      "Wallet invariant violations detected and clamped.",
			},
			[]string{"op"},
		),
	}
	registry.MustRegister(m.Operations, m.InvariantViolations)
	return m
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Operations.WithLabelValues(op, status).Inc()
}

func (m *Metrics) violation(op string) {
	if m == nil {
		return
	}
	m.InvariantViolations.WithLabelValues(op).Inc()
}
