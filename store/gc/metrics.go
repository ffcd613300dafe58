package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds GC-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal             metric.Int64Counter
	runDuration           metric.Float64Histogram
	expiredEntriesDeleted metric.Int64Counter
	bytesReclaimed        metric.Int64Counter
	errorsTotal           metric.Int64Counter
	lastRunTimestamp      metric.Float64Gauge
	lastRunSuccess        metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"entry_cache_gc_runs_total",
		metric.WithDescription("Total number of GC runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"entry_cache_gc_run_duration_seconds",
		metric.WithDescription("GC run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	expiredEntriesDeleted, err := meter.Int64Counter(
		"entry_cache_gc_expired_entries_deleted_total",
		metric.WithDescription("Total number of expired cache entries deleted"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"entry_cache_gc_bytes_reclaimed_total",
		metric.WithDescription("Total payload bytes reclaimed by GC"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"entry_cache_gc_errors_total",
		metric.WithDescription("Total number of GC errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"entry_cache_gc_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last GC run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"entry_cache_gc_last_run_success",
		metric.WithDescription("Whether last GC run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:             runsTotal,
		runDuration:           runDuration,
		expiredEntriesDeleted: expiredEntriesDeleted,
		bytesReclaimed:        bytesReclaimed,
		errorsTotal:           errorsTotal,
		lastRunTimestamp:      lastRunTimestamp,
		lastRunSuccess:        lastRunSuccess,
	}, nil
}
