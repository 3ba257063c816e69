package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the sync gateway.
type Metrics struct {
	registry                 *prometheus.Registry
	broadcastsTotal          prometheus.Counter
	intentsTotal             prometheus.Counter
	intentsDroppedTotal      prometheus.Counter
	rateLimitedTotal         prometheus.Counter
	replicationFailuresTotal prometheus.Counter
	activeConnections        prometheus.Gauge
}

// New creates and registers Prometheus metrics for the gateway.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	broadcastsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_broadcasts_total",
		Help: "Total number of events broadcast to connected clients",
	})
	intentsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_intents_total",
		Help: "Total number of client intents received",
	})
	intentsDroppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_intents_dropped_total",
		Help: "Total number of intents dropped as malformed or invalid",
	})
	rateLimitedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_rate_limited_total",
		Help: "Total number of intents dropped by per-connection rate limits",
	})
	replicationFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_replication_failures_total",
		Help: "Total number of failed snapshot persists or publishes",
	})
	activeConnections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockstep_active_connections",
		Help: "Number of live WebSocket connections",
	})

	registry.MustRegister(
		broadcastsTotal,
		intentsTotal,
		intentsDroppedTotal,
		rateLimitedTotal,
		replicationFailuresTotal,
		activeConnections,
	)

	return &Metrics{
		registry:                 registry,
		broadcastsTotal:          broadcastsTotal,
		intentsTotal:             intentsTotal,
		intentsDroppedTotal:      intentsDroppedTotal,
		rateLimitedTotal:         rateLimitedTotal,
		replicationFailuresTotal: replicationFailuresTotal,
		activeConnections:        activeConnections,
	}
}

// IncBroadcasts increments the broadcast counter.
func (m *Metrics) IncBroadcasts() {
	m.broadcastsTotal.Inc()
}

// IncIntents increments the received-intent counter.
func (m *Metrics) IncIntents() {
	m.intentsTotal.Inc()
}

// IncIntentsDropped increments the dropped-intent counter.
func (m *Metrics) IncIntentsDropped() {
	m.intentsDroppedTotal.Inc()
}

// IncRateLimited increments the rate-limited counter.
func (m *Metrics) IncRateLimited() {
	m.rateLimitedTotal.Inc()
}

// IncReplicationFailures increments the replication failure counter.
func (m *Metrics) IncReplicationFailures() {
	m.replicationFailuresTotal.Inc()
}

// SetActiveConnections sets the live connection gauge.
func (m *Metrics) SetActiveConnections(n int) {
	m.activeConnections.Set(float64(n))
}

// Handler returns an http.Handler serving the registry. updateGauges is
// called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
