package state

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlake/fleetlake/internal/status"
)

func TestMemoryStateService_InitializeIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewMemoryStateService()

	require.NoError(t, svc.Initialize(ctx, "org-1", "conn-1"))
	require.NoError(t, svc.UpdateEntity(ctx, "org-1", "conn-1", status.EntityCards, func(es *status.EntityState) {
		es.TotalSynced = 42
	}))

	// Re-initializing must not clobber accumulated history.
	require.NoError(t, svc.Initialize(ctx, "org-1", "conn-1"))

	s, err := svc.Get(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), s.Entity(status.EntityCards).TotalSynced)
}

func TestMemoryStateService_GetUnknownPair(t *testing.T) {
	t.Parallel()
	svc := NewMemoryStateService()

	_, err := svc.Get(context.Background(), "org-x", "conn-x")
	assert.True(t, errors.Is(err, ErrStateNotFound))
}

func TestMemoryStateService_UpdateAtomically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewMemoryStateService()
	require.NoError(t, svc.Initialize(ctx, "org-1", "conn-1"))

	changed, err := svc.UpdateAtomically(ctx, "org-1", "conn-1", func(s *status.SyncState) bool {
		now := time.Now()
		s.Status = status.PhaseRunning
		s.LastFullSyncAt = &now
		return true
	})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = svc.UpdateAtomically(ctx, "org-1", "conn-1", func(s *status.SyncState) bool {
		s.Status = status.PhaseError // discarded
		return false
	})
	require.NoError(t, err)
	assert.False(t, changed)

	s, err := svc.Get(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, status.PhaseRunning, s.Status, "unmodified mutation must not persist")
	assert.NotNil(t, s.LastFullSyncAt)
}

func TestMemoryStateService_SnapshotsAreIsolated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewMemoryStateService()
	require.NoError(t, svc.Initialize(ctx, "org-1", "conn-1"))

	s1, err := svc.Get(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	s1.Entities[status.EntityCards] = status.EntityState{TotalSynced: 99}

	s2, err := svc.Get(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	assert.Zero(t, s2.Entity(status.EntityCards).TotalSynced, "mutating a snapshot must not leak into the store")
}

func TestMemoryStateService_RecordErrorBoundsHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewMemoryStateService()
	require.NoError(t, svc.Initialize(ctx, "org-1", "conn-1"))

	for i := 0; i < status.ErrorHistoryCap+5; i++ {
		require.NoError(t, svc.RecordError(ctx, "org-1", "conn-1", status.ErrorEntry{
			Timestamp: time.Now(),
			SyncType:  status.SyncKindPeriodic,
			Entity:    status.EntityCards,
			Error:     fmt.Sprintf("failure %d", i),
		}))
	}

	s, err := svc.Get(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	assert.Len(t, s.ErrorHistory, status.ErrorHistoryCap)
	assert.Equal(t, "failure 5", s.ErrorHistory[0].Error, "oldest entries are evicted")
	assert.Equal(t, int64(status.ErrorHistoryCap+5), s.Metrics.TotalErrors)
	assert.Equal(t, int64(status.ErrorHistoryCap+5), s.Metrics.LastDayErrors, "all failures fell on the same day")
}

func TestMemoryStateService_UpdateCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewMemoryStateService()
	require.NoError(t, svc.Initialize(ctx, "org-1", "conn-1"))

	require.NoError(t, svc.UpdateCounts(ctx, "org-1", "conn-1", map[string]int64{
		status.EntityCards:        3,
		status.EntityTransactions: 10,
	}))

	s, err := svc.Get(ctx, "org-1", "conn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Counts[status.EntityCards])
	assert.Equal(t, int64(10), s.Counts[status.EntityTransactions])
}
