// Package metrics provides Prometheus metrics for the fulfillment engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	CheckoutsCompleted  prometheus.Counter
	CheckoutsRejected   *prometheus.CounterVec
	CheckoutDuration    prometheus.Histogram
	TokensIssued        prometheus.Counter
	InsufficientStock   prometheus.Counter
	AvailabilityQueries prometheus.Counter
	Restocks            prometheus.Counter
	EventsPublished     prometheus.Counter
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		CheckoutsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkouts_completed_total",
			Help: "Total checkouts committed",
		}),
		CheckoutsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkouts_rejected_total",
			Help: "Total checkouts rejected, by error kind",
		}, []string{"kind"}),
		CheckoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "checkout_duration_seconds",
			Help:    "Checkout transaction duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redemption_tokens_issued_total",
			Help: "Total redemption tokens issued",
		}),
		InsufficientStock: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "checkouts_insufficient_stock_total",
			Help: "Checkouts rolled back for insufficient machine stock",
		}),
		AvailabilityQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "availability_queries_total",
			Help: "Total availability resolutions served",
		}),
		Restocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "machine_restocks_total",
			Help: "Total machine restock operations",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Total outbox events published to the broker",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.CheckoutsCompleted,
		m.CheckoutsRejected,
		m.CheckoutDuration,
		m.TokensIssued,
		m.InsufficientStock,
		m.AvailabilityQueries,
		m.Restocks,
		m.EventsPublished,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
