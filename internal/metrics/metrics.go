// Package metrics defines the Prometheus collectors exposed on the
// appender's metrics listener.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "otlp_appender"

var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Total OTLP log records transformed, by topic.",
		},
		[]string{"topic"},
	)
	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Total messages that failed OTLP decode, by topic.",
		},
		[]string{"topic"},
	)
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Total Iceberg commit attempts by partition and outcome.",
		},
		[]string{"partition", "outcome"},
	)
	CommitLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_latency_seconds",
			Help:      "Iceberg commit latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"partition"},
	)
	BufferRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_records",
			Help:      "Records currently buffered in a partition's staging table.",
		},
		[]string{"partition"},
	)
	BufferBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_bytes",
			Help:      "Estimated bytes currently buffered in a partition's staging table.",
		},
		[]string{"partition"},
	)
	CommittedOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "committed_offset",
			Help:      "Highest Iceberg-committed offset per partition.",
		},
		[]string{"partition"},
	)
	WorkersAssigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_assigned",
			Help:      "Number of partitions currently owned by this process.",
		},
	)
	DLQWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_writes_total",
			Help:      "Total payloads routed to the dead-letter queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		ParseErrorsTotal,
		CommitsTotal,
		CommitLatencySeconds,
		BufferRecords,
		BufferBytes,
		CommittedOffset,
		WorkersAssigned,
		DLQWritesTotal,
	)
}
