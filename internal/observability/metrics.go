// Package observability holds the metric vectors shared by the worker's
// components. Init registers them into the provided registry; the observe
// helpers are safe to call before Init (they record into the vectors either
// way, registration only controls exposure).
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Partition store operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	cacheOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of partition store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	laneResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lane_results_total",
			Help: "Intercepted fetch results by lane and outcome.",
		},
		[]string{"lane", "outcome"},
	)

	tilesDownloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tiles_downloaded_total",
			Help: "Tiles fetched and stored by the bulk downloader.",
		},
	)

	tilesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tiles_failed_total",
			Help: "Tile fetches the bulk downloader gave up on.",
		},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commands_total",
			Help: "Worker protocol commands by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	invalidationEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_events_total",
			Help: "Deployment activation events consumed from Kafka by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers the vectors into reg. Registering the same vector twice is
// tolerated so tests can set up fresh registries freely.
func Init(reg prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		httpRequestsTotal,
		httpRequestDurationSeconds,
		cacheOpTotal,
		cacheOpDurationSeconds,
		laneResultsTotal,
		tilesDownloadedTotal,
		tilesFailedTotal,
		commandsTotal,
		invalidationEventsTotal,
	} {
		if err := reg.Register(c); err != nil {
			are := prometheus.AlreadyRegisteredError{}
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheOpTotal.WithLabelValues(op, outcome).Inc()
	cacheOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncLaneHit(lane string)  { laneResultsTotal.WithLabelValues(lane, "hit").Inc() }
func IncLaneMiss(lane string) { laneResultsTotal.WithLabelValues(lane, "miss").Inc() }

// IncLaneNetwork records a response served live from the network.
func IncLaneNetwork(lane string) { laneResultsTotal.WithLabelValues(lane, "network").Inc() }

func AddTilesDownloaded(n int) {
	if n > 0 {
		tilesDownloadedTotal.Add(float64(n))
	}
}

func AddTilesFailed(n int) {
	if n > 0 {
		tilesFailedTotal.Add(float64(n))
	}
}

func IncCommand(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	commandsTotal.WithLabelValues(kind, outcome).Inc()
}

func IncInvalidation(outcome string) {
	invalidationEventsTotal.WithLabelValues(outcome).Inc()
}
