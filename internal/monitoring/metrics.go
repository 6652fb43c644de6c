package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the live-query poller and its transport.
// Scraped from the /metrics endpoint.
var (
	// Poller metrics
	PollersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lq_pollers_active",
		Help: "Current number of live pollers (one worker goroutine each)",
	})

	SubscribersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lq_subscribers_active",
		Help: "Current number of registered subscribers across all cohorts",
	})

	pollTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lq_poll_tick_duration_seconds",
		Help:    "Total wall-clock duration of one poll tick",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	pollSnapshotDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lq_poll_snapshot_duration_seconds",
		Help:    "Duration of the cohort snapshot phase of one tick",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
	})

	subscribersPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lq_subscribers_pushed_total",
		Help: "Total subscriber deliveries (changed payloads, first responses, errors)",
	})

	subscribersIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lq_subscribers_ignored_total",
		Help: "Total subscriber deliveries suppressed because the payload hash was unchanged",
	})

	batchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lq_batch_errors_total",
		Help: "Total multiplexed batch executions that failed",
	})

	inconsistentCohorts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lq_inconsistent_cohorts_total",
		Help: "Total result rows carrying a cohort id that was not in the batch",
	})

	tickPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lq_tick_panics_total",
		Help: "Total panics recovered inside poll ticks",
	})

	// Transport metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lq_ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lq_ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lq_ws_connections_failed_total",
		Help: "Total number of rejected or failed connection attempts",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lq_ws_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lq_ws_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lq_ws_slow_clients_disconnected_total",
		Help: "Total number of clients disconnected for not draining their send buffer",
	})
)

func init() {
	prometheus.MustRegister(
		PollersActive,
		SubscribersActive,
		pollTickDuration,
		pollSnapshotDuration,
		subscribersPushed,
		subscribersIgnored,
		batchErrors,
		inconsistentCohorts,
		tickPanics,
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		MessagesSent,
		BytesSent,
		SlowClientsDisconnected,
	)
}

// ObservePollTick records one tick's total and snapshot durations.
func ObservePollTick(total, snapshot time.Duration) {
	pollTickDuration.Observe(total.Seconds())
	pollSnapshotDuration.Observe(snapshot.Seconds())
}

// RecordPush records one cohort push decision.
func RecordPush(pushed, ignored int) {
	subscribersPushed.Add(float64(pushed))
	subscribersIgnored.Add(float64(ignored))
}

// RecordBatchError counts a failed multiplexed batch.
func RecordBatchError() {
	batchErrors.Inc()
}

// RecordInconsistentCohort counts a result row with an unknown cohort id.
func RecordInconsistentCohort() {
	inconsistentCohorts.Inc()
}

// RecordTickPanic counts a panic recovered inside a tick.
func RecordTickPanic() {
	tickPanics.Inc()
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
