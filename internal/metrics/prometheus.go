// Package metrics provides Prometheus metrics for the proxy: request
// decisions, streamed bytes, transfer health, and traffic reporting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hlsgate"

var (
	// RequestsTotal counts proxy requests by decision and reason.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total proxied requests by authorization decision",
		},
		[]string{"decision", "reason"},
	)

	// BytesStreamed counts bytes delivered to clients by file type.
	BytesStreamed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_streamed_total",
			Help:      "Bytes streamed to clients by file type",
		},
		[]string{"file_type"},
	)

	// TransferErrors counts streams that ended in error or disconnect.
	TransferErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_errors_total",
			Help:      "Streams terminated by error or client disconnect",
		},
		[]string{"kind"},
	)

	// ActiveTransfers gauges in-flight byte pumps.
	ActiveTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transfers",
			Help:      "Number of in-flight transfers",
		},
	)

	// FirstByteLatency observes time from authorization to first chunk write.
	FirstByteLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_byte_latency_seconds",
			Help:      "Latency from authorization complete to first chunk written",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// QualifiedUIDs gauges Tier-B traffic records awaiting report.
	QualifiedUIDs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "traffic_qualified_uids",
			Help:      "UIDs above the reporting byte threshold",
		},
	)

	// ReportsTotal counts traffic report attempts by result.
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traffic_reports_total",
			Help:      "Traffic report POSTs by result",
		},
		[]string{"result"},
	)
)
