package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upstream metrics
	sourceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_sync_source_requests_total",
			Help: "Upstream calls by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	sourceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "market_sync_source_latency_seconds",
			Help:    "Latency of upstream calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	chainExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_sync_chain_exhausted_total",
			Help: "Fallback chains where every candidate failed",
		},
		[]string{"chain"},
	)

	// Cache metrics
	currentPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "market_sync_current_price",
			Help: "Latest committed price per instrument",
		},
		[]string{"instrument"},
	)

	refreshSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_sync_refresh_skipped_total",
			Help: "Refresh ticks skipped because one was already in flight",
		},
		[]string{"instrument"},
	)

	// Realtime metrics
	realtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "market_sync_realtime_events_total",
			Help: "Row change events consumed",
		},
		[]string{"table", "type"},
	)
)

func init() {
	prometheus.MustRegister(sourceRequests)
	prometheus.MustRegister(sourceLatency)
	prometheus.MustRegister(chainExhausted)
	prometheus.MustRegister(currentPrice)
	prometheus.MustRegister(refreshSkipped)
	prometheus.MustRegister(realtimeEvents)
}

// Handler serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSource records one upstream attempt.
func ObserveSource(source string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	sourceRequests.WithLabelValues(source, outcome).Inc()
	sourceLatency.WithLabelValues(source).Observe(elapsed.Seconds())
}

func RecordExhausted(chain string) {
	chainExhausted.WithLabelValues(chain).Inc()
}

func UpdatePrice(instrument string, price float64) {
	currentPrice.WithLabelValues(instrument).Set(price)
}

// ForgetPrice drops the gauge of an instrument that is no longer tracked.
func ForgetPrice(instrument string) {
	currentPrice.DeleteLabelValues(instrument)
}

func RecordSkipped(instrument string) {
	refreshSkipped.WithLabelValues(instrument).Inc()
}

func RecordEvent(table, changeType string) {
	realtimeEvents.WithLabelValues(table, changeType).Inc()
}
