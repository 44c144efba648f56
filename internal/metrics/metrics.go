package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yardgen_charges_total",
		Help: "Successful deductions by payment method.",
	}, []string{"method"})

	ChargesRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yardgen_charges_rejected_total",
		Help: "Submissions rejected for insufficient access.",
	})

	RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yardgen_refunds_total",
		Help: "Per-area refunds issued.",
	})

	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yardgen_payment_events_total",
		Help: "Gateway payment events by outcome.",
	}, []string{"outcome"})

	ReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yardgen_reloads_total",
		Help: "Auto-reload attempts by result.",
	}, []string{"result"})

	AreasTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yardgen_generation_areas_total",
		Help: "Generation area outcomes.",
	}, []string{"status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yardgen_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
