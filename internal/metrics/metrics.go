package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HoldsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_holds_total",
		Help: "Ticket numbers requested for hold, labeled by result (held, conflict)",
	}, []string{"result"})

	ExpiredTicketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raffle_expired_tickets_total",
		Help: "Tickets released back to the pool after their hold lapsed",
	})

	ChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_charges_total",
		Help: "Charge issue requests, labeled by result (issued, reused, error)",
	}, []string{"result"})

	ProviderErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_provider_errors_total",
		Help: "Payment provider failures, labeled by error kind",
	}, []string{"kind"})

	FinalizeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_finalize_total",
		Help: "Paid signals handled by the reconciler, labeled by source and result (settled, noop, ignored)",
	}, []string{"source", "result"})

	ConfirmLostNumbersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raffle_confirm_lost_numbers_total",
		Help: "Paid ticket numbers that had already been reassigned at finalize time",
	})

	PollTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raffle_poll_ticks_total",
		Help: "Provider status polls performed by the reconciler",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raffle_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "raffle_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route"})
)
