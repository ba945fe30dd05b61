package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Total number of reservations that claimed a menu unit",
	}, []string{"payment_method"})

	ReservationsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_rejected_total",
		Help: "Total number of reserve attempts rejected",
	}, []string{"reason"})

	ReservationsConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_confirmed_total",
		Help: "Total number of reservations confirmed",
	}, []string{"payment_method"})

	ReservationsExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_expired_total",
		Help: "Total number of reservations expired with stock compensated",
	}, []string{"reason"})

	ReservationsPickedUpTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservations_picked_up_total",
		Help: "Total number of reservations redeemed at pickup",
	})

	DuplicateDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duplicate_deliveries_total",
		Help: "Transitions that degraded to a no-op because they were already applied",
	}, []string{"transition"})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reserve_latency_seconds",
		Help:    "Latency of the atomic reserve operation",
		Buckets: prometheus.DefBuckets,
	})

	GatewayAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_attempts_total",
		Help: "Total number of payment gateway calls",
	}, []string{"outcome"})

	MenusGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recurring_menus_generated_total",
		Help: "Total number of menus generated from recurring series",
	})

	MenuGenerationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recurring_menu_generation_failures_total",
		Help: "Total number of dates that failed during recurring expansion",
	})

	CreditsConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subscription_credits_consumed_total",
		Help: "Total number of subscription credits consumed",
	})

	CreditsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subscription_credits_rejected_total",
		Help: "Total number of credit consumptions rejected with no credits left",
	})

	VoiceDeltasTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_deltas_total",
		Help: "Voice stock deltas by lifecycle outcome",
	}, []string{"outcome"})

	JobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "background_job_runs_total",
		Help: "Background job runs by job and outcome",
	}, []string{"job", "outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
