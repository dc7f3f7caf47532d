// Package metrics provides access to Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sceneview"

// Web
var (
	HTTPResponseStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_statuses_total",
		},
		[]string{"status"},
	)
	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_time_seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30},
		},
		[]string{"path"},
	)
	ActivePages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "active_pages",
		},
	)
)

// Fetch
var (
	FetchResponseTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "response_time_seconds",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30},
		},
	)
	FetchResponseStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "response_statuses_total",
		},
		[]string{"status"},
	)
	FetchedAssetSizes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "asset_size_bytes",
			Buckets: []float64{
				256 << 10, // 256 Kib
				1 << 20,   // 1 Mib
				5 << 20,   // 5 Mib
				10 << 20,  // 10 Mib
				20 << 20,  // 20 Mib
				50 << 20,  // 50 Mib
				100 << 20, // 100 Mib
			},
		},
	)
)

// Loader
var (
	ResolvedAssets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "resolved_assets_total",
		},
		[]string{"source"},
	)
	WriteThroughDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "write_through_dropped_total",
		},
	)
)

// Viewer
var (
	ViewDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "viewer",
			Name:      "view_duration_seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	ViewErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "viewer",
			Name:      "errors_total",
		},
		[]string{"kind"},
	)
)

// Cache
var (
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
		},
	)
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
		},
	)
	CacheErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
		},
	)
	CacheWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
		},
	)
	CacheCleanedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "cleaned_records_total",
		},
	)
)

// Init values for common labels.
func init() {
	for _, status := range []string{"200", "400", "404", "500"} {
		HTTPResponseStatuses.With(prometheus.Labels{"status": status}).Add(0)
	}
	for _, source := range []string{"cache", "network"} {
		ResolvedAssets.With(prometheus.Labels{"source": source}).Add(0)
	}
}
