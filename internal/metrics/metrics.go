// Package metrics provides Prometheus instrumentation for the live server. It
// exposes gauges for connections and rooms, counters for pushed envelopes and
// for the two failure kinds, and a histogram for durable write latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of open WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventhub_connections_active",
		Help: "Current number of open WebSocket connections",
	})

	// RoomsActive tracks the number of rooms with at least one member.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventhub_rooms_active",
		Help: "Current number of non-empty rooms",
	})

	// EnvelopesPushed counts frames written to sessions, labeled by kind.
	EnvelopesPushed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventhub_envelopes_pushed_total",
		Help: "Total number of envelopes pushed to live sessions",
	}, []string{"kind"})

	// DeliveryFailures counts pushes that failed for a single session.
	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventhub_delivery_failures_total",
		Help: "Total number of failed pushes to a single session",
	}, []string{"kind"})

	// PersistenceFailures counts durable writes that did not complete, labeled
	// by record: "chat_message", "notification" or "report".
	PersistenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventhub_persistence_failures_total",
		Help: "Total number of failed durable writes",
	}, []string{"record"})

	// PersistLatency records durable write latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventhub_persist_latency_seconds",
		Help:    "Durable write latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		RoomsActive,
		EnvelopesPushed,
		DeliveryFailures,
		PersistenceFailures,
		PersistLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
