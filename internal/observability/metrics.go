package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_gateway_requests_total",
			Help: "Total number of Dune API requests by operation and status.",
		},
		[]string{"op", "status"},
	)
	gatewayRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spice_gateway_request_duration_seconds",
			Help:    "Dune API request latency by operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	rateLimitRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_rate_limit_retries_total",
			Help: "Total number of retries caused by rate-limited responses.",
		},
		[]string{"op"},
	)
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_executions_total",
			Help: "Total number of executions resolved, by source (submitted, reused, pinned).",
		},
		[]string{"source"},
	)
	pollIterationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spice_poll_iterations_total",
			Help: "Total number of execution status polls.",
		},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_cache_lookups_total",
			Help: "Total number of result cache lookups by result (hit, miss, stale, error).",
		},
		[]string{"result"},
	)
	resultPagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spice_result_pages_total",
			Help: "Total number of result pages fetched.",
		},
	)
	resultRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spice_result_rows_total",
			Help: "Total number of result rows assembled.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		gatewayRequestsTotal,
		gatewayRequestDurationSeconds,
		rateLimitRetriesTotal,
		executionsTotal,
		pollIterationsTotal,
		cacheLookupsTotal,
		resultPagesTotal,
		resultRowsTotal,
	)
}

func ObserveGatewayRequest(op, status string, elapsed time.Duration) {
	gatewayRequestsTotal.WithLabelValues(op, status).Inc()
	gatewayRequestDurationSeconds.WithLabelValues(op).Observe(elapsed.Seconds())
}

func IncrementRateLimitRetry(op string) {
	rateLimitRetriesTotal.WithLabelValues(op).Inc()
}

func IncrementExecution(source string) {
	executionsTotal.WithLabelValues(source).Inc()
}

func IncrementPollIteration() {
	pollIterationsTotal.Inc()
}

func IncrementCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

func ObserveResultPage(rows int) {
	resultPagesTotal.Inc()
	if rows > 0 {
		resultRowsTotal.Add(float64(rows))
	}
}

// WriteMetricsFile dumps the default registry in the textfile-collector format.
func WriteMetricsFile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
