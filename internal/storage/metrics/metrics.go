// Package metrics exposes per-collection Prometheus collectors and
// in-process latency summaries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xtxerr/timestore/internal/logging"
)

var log = logging.Component("metrics")

// Metrics holds the Prometheus metrics of one collection.
type Metrics struct {
	// Operation metrics
	WritesTotal     prometheus.Counter
	ReadsTotal      prometheus.Counter
	QueriesTotal    prometheus.Counter
	RecordsReturned prometheus.Counter
	OperationErrors *prometheus.CounterVec

	// Rollup metrics
	RollupsTotal          prometheus.Counter
	RollupsSkipped        prometheus.Counter
	RollupDuration        prometheus.Histogram
	RollupRecordsMerged   prometheus.Counter
	RollupDuplicatesTotal prometheus.Counter

	// Recovery metrics
	RecoveryPending  prometheus.Gauge
	RecoveryReplayed prometheus.Counter

	// Storage metrics
	CorruptRecordsTotal prometheus.Counter
	QueueDepth          prometheus.Gauge
	SegmentsTotal       prometheus.Gauge
	DiskUsageBytes      prometheus.Gauge

	// In-process summaries for Stats()
	RollupLatency *Summary
	MergeSize     *Summary

	registry *prometheus.Registry
}

// New creates and registers the metrics of collection with reg. A nil reg
// gets a private registry, so several collections (or tests) never collide.
func New(collection string, reg prometheus.Registerer, accuracy float64) *Metrics {
	m := &Metrics{
		RollupLatency: NewSummary(accuracy),
		MergeSize:     NewSummary(accuracy),
	}
	if reg == nil {
		m.registry = prometheus.NewRegistry()
		reg = m.registry
	}

	labels := prometheus.Labels{"collection": collection}
	f := promauto.With(reg)

	m.WritesTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace:   "timestore",
		Subsystem:   "collection",
		Name:        "writes_total",
		Help:        "Total number of record mutations",
		ConstLabels: labels,
	})
	m.ReadsTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace:   "timestore",
		Subsystem:   "collection",
		Name:        "reads_total",
		Help:        "Total number of point reads",
		ConstLabels: labels,
	})
	m.QueriesTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace:   "timestore",
		Subsystem:   "collection",
		Name:        "queries_total",
		Help:        "Total number of range queries",
		ConstLabels: labels,
	})
	m.RecordsReturned = f.NewCounter(prometheus.CounterOpts{
		Namespace:   "timestore",
		Subsystem:   "collection",
		Name:        "records_returned_total",
		Help:        "Total number of records returned by queries",
		ConstLabels: labels,
	})
	m.OperationErrors = f.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "timestore",
		Subsystem:   "collection",
		Name:        "operation_errors_total",
		Help:        "Total number of failed operations",
		ConstLabels: labels,
	}, []string{"op"})

	m.RollupsTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace:   "timestore",
		Subsystem:   "rollup",
		Name:        "total",
		Help:        "Total number of completed rollups",
		ConstLabels: labels,
	})
	m.RollupsSkipped = f.NewCounter(prometheus.CounterOpts{
		Namespace:   "timestore",
		Subsystem:   "rollup",
		Name:        "skipped_total",
		Help:        "Total number of rollups with nothing to merge",
		ConstLabels: labels,
	})
	m.RollupDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "timestore",
		Subsystem:   "rollup",
		Name:        "duration_seconds",
		Help:        "Rollup duration in seconds",
		ConstLabels: labels,
		Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	m.RollupRecordsMerged = f.NewCounter(prometheus.CounterOpts{
		Namespace:   "timestore",
		Subsystem:   "rollup",
		Name:        "records_merged_total",
		Help:        "Total number of records written by rollups",
		ConstLabels: labels,
	})
	m.RollupDuplicatesTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace:   "timestore",
		Subsystem:   "rollup",
		Name:        "duplicates_total",
		Help:        "Total number of shadowed records dropped by rollups",
		ConstLabels: labels,
	})

	m.RecoveryPending = f.NewGauge(prometheus.GaugeOpts{
		Namespace:   "timestore",
		Subsystem:   "recovery",
		Name:        "pending",
		Help:        "Number of recovery entries not yet completed",
		ConstLabels: labels,
	})
	m.RecoveryReplayed = f.NewCounter(prometheus.CounterOpts{
		Namespace:   "timestore",
		Subsystem:   "recovery",
		Name:        "replayed_total",
		Help:        "Total number of recovery entries replayed at open",
		ConstLabels: labels,
	})

	m.CorruptRecordsTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace:   "timestore",
		Subsystem:   "storage",
		Name:        "corrupt_records_total",
		Help:        "Total number of undecodable records skipped",
		ConstLabels: labels,
	})
	m.QueueDepth = f.NewGauge(prometheus.GaugeOpts{
		Namespace:   "timestore",
		Subsystem:   "storage",
		Name:        "queue_depth",
		Help:        "Tasks waiting in the collection task queue",
		ConstLabels: labels,
	})
	m.SegmentsTotal = f.NewGauge(prometheus.GaugeOpts{
		Namespace:   "timestore",
		Subsystem:   "storage",
		Name:        "segments",
		Help:        "Number of segment directories seen by the last sweep",
		ConstLabels: labels,
	})
	m.DiskUsageBytes = f.NewGauge(prometheus.GaugeOpts{
		Namespace:   "timestore",
		Subsystem:   "storage",
		Name:        "disk_usage_bytes",
		Help:        "Bytes of data files seen by the last sweep",
		ConstLabels: labels,
	})

	return m
}

// ObserveRollup records a completed rollup.
func (m *Metrics) ObserveRollup(d time.Duration, records, duplicates int64) {
	m.RollupsTotal.Inc()
	m.RollupDuration.Observe(d.Seconds())
	m.RollupRecordsMerged.Add(float64(records))
	m.RollupDuplicatesTotal.Add(float64(duplicates))
	m.RollupLatency.Observe(float64(d.Microseconds()) / 1000)
	m.MergeSize.Observe(float64(records))
}

// Registry returns the private registry, or nil when metrics were
// registered with a caller-supplied registerer.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
