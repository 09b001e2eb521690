package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter.
const SyncMetricsMeterName = "github.com/fleetlake/fleetlake/internal/sync"

// SyncMetrics holds the OpenTelemetry instruments for sync operations.
type SyncMetrics struct {
	syncsTotal    metric.Int64Counter
	syncDuration  metric.Float64Histogram
	recordsSynced metric.Int64Counter
	entityErrors  metric.Int64Counter
}

// NewSyncMetrics creates a SyncMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncsTotal, err := meter.Int64Counter(
		"fleetlake_syncs_total",
		metric.WithDescription("Number of sync passes by kind and outcome"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, err
	}

	syncDuration, err := meter.Float64Histogram(
		"fleetlake_sync_duration_seconds",
		metric.WithDescription("Duration of sync passes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	recordsSynced, err := meter.Int64Counter(
		"fleetlake_records_synced_total",
		metric.WithDescription("Number of records written per entity kind"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	entityErrors, err := meter.Int64Counter(
		"fleetlake_entity_errors_total",
		metric.WithDescription("Number of per-entity sync failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncsTotal:    syncsTotal,
		syncDuration:  syncDuration,
		recordsSynced: recordsSynced,
		entityErrors:  entityErrors,
	}, nil
}

// RecordSync records the outcome and duration of one sync pass.
func (m *SyncMetrics) RecordSync(ctx context.Context, kind string, duration time.Duration, success bool) {
	if m == nil {
		return
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	m.syncsTotal.Add(ctx, 1, attrs)
	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRecords records the number of records written for an entity kind.
func (m *SyncMetrics) RecordRecords(ctx context.Context, entity string, count int64) {
	if m == nil {
		return
	}
	m.recordsSynced.Add(ctx, count, metric.WithAttributes(attribute.String("entity", entity)))
}

// RecordEntityError records one per-entity sync failure.
func (m *SyncMetrics) RecordEntityError(ctx context.Context, kind, entity string) {
	if m == nil {
		return
	}
	m.entityErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("entity", entity),
	))
}
