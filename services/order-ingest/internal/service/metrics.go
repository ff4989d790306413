package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	OrderAdmissions       *prometheus.CounterVec
	OrderAdmissionLatency *prometheus.HistogramVec
	OrderCancellations    *prometheus.CounterVec
	FeeClassifications    *prometheus.CounterVec
	Compensations         *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrderAdmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "order_admissions_total",
				Help:      "Order admission attempts by outcome.",
			},
			[]string{"outcome"},
		),
		OrderAdmissionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trade4u",
				Name:      "order_admission_latency_seconds",
				Help:      "Order admission latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		OrderCancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "order_cancellations_total",
				Help:      "Order cancellation attempts by status.",
			},
			[]string{"status"},
		),
		FeeClassifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "order_fee_role_total",
				Help:      "Admitted orders by maker/taker role.",
			},
			[]string{"role"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "order_compensations_total",
				Help:      "Compensating order deletions after a failed reservation.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.OrderAdmissions,
		m.OrderAdmissionLatency,
		m.OrderCancellations,
		m.FeeClassifications,
		m.Compensations,
	)
	return m
}
