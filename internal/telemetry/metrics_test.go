package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewSyncMetrics_NilProvider(t *testing.T) {
	t.Parallel()

	m, err := NewSyncMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// All recorders must be safe on the nil instance.
	ctx := context.Background()
	m.RecordSync(ctx, "full", time.Second, true)
	m.RecordRecords(ctx, "cards", 10)
	m.RecordEntityError(ctx, "periodic", "invoices")
}

func TestSyncMetrics_RecordSync(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewSyncMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.RecordSync(ctx, "full", 2*time.Second, true)
	m.RecordSync(ctx, "full", time.Second, false)
	m.RecordRecords(ctx, "cards", 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.NotEmpty(t, rm.ScopeMetrics)

	names := make(map[string]bool)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			names[met.Name] = true
		}
	}
	assert.True(t, names["fleetlake_syncs_total"])
	assert.True(t, names["fleetlake_sync_duration_seconds"])
	assert.True(t, names["fleetlake_records_synced_total"])
}

func TestNewProvider_Disabled(t *testing.T) {
	t.Parallel()

	p, err := NewProvider("fleetlake", "test", false)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_Enabled(t *testing.T) {
	t.Parallel()

	p, err := NewProvider("fleetlake", "test", true)
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	assert.NotNil(t, p.MeterProvider)
	assert.NotNil(t, p.Registry)

	m, err := NewSyncMetrics(p.MeterProvider)
	require.NoError(t, err)
	m.RecordSync(context.Background(), "incremental", 100*time.Millisecond, true)

	families, err := p.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
