package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_requests_total",
			Help: "Total number of relay requests processed",
		},
		[]string{"model", "mode", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_request_duration_seconds",
			Help:    "Relay request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model", "mode"},
	)

	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_chunks_total",
			Help: "Total number of stream chunks forwarded",
		},
		[]string{"model"},
	)

	ParseErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_parse_errors_total",
			Help: "Total number of malformed upstream events skipped",
		},
	)

	UpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_upstream_errors_total",
			Help: "Total number of upstream failures",
		},
		[]string{"kind"},
	)

	PoolEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_pool_entries",
			Help: "Number of pool entries by pool and state",
		},
		[]string{"pool", "state"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_streams",
			Help: "Number of active streaming connections",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)

func RecordRequest(model, mode, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(model, mode, status).Inc()
	RequestDuration.WithLabelValues(model, mode).Observe(durationSec)
}

func RecordChunk(model string) {
	ChunksTotal.WithLabelValues(model).Inc()
}

func RecordParseError() {
	ParseErrorsTotal.Inc()
}

func RecordUpstreamError(kind string) {
	UpstreamErrorsTotal.WithLabelValues(kind).Inc()
}

func SetPoolEntries(pool, state string, count int) {
	PoolEntries.WithLabelValues(pool, state).Set(float64(count))
}

func RecordRateLimitHit() {
	RateLimitHits.Inc()
}
