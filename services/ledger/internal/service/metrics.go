package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Lookups        *prometheus.CounterVec
	LookupDuration *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "ledger_lookups_total",
				Help:      "Wallet and ledger entry lookups.",
			},
			[]string{"op", "status"},
		),
		LookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trade4u",
				Name:      "ledger_lookup_duration_seconds",
				Help:      "Wallet and ledger entry lookup duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}

	registry.MustRegister(m.Lookups, m.LookupDuration)
	return m
}

func (m *Metrics) observe(op, status string, start time.Time) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(op, status).Inc()
	m.LookupDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
