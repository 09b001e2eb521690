package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlake/fleetlake/internal/config"
	"github.com/fleetlake/fleetlake/internal/connector"
	"github.com/fleetlake/fleetlake/internal/datalake"
	"github.com/fleetlake/fleetlake/internal/status"
	"github.com/fleetlake/fleetlake/internal/sync/state"
	"github.com/fleetlake/fleetlake/internal/sync/writer"
)

// stubConnector returns canned data and records calls. Individual
// methods can be made to fail or block.
type stubConnector struct {
	mu stdsync.Mutex

	cards        []datalake.Card
	transactions []datalake.Transaction
	tollPassages []datalake.TollPassage
	invoices     []datalake.Invoice
	vehicles     []datalake.Vehicle

	errs  map[string]error
	calls map[string]int

	// block, when non-nil, is closed by the test to release a call to
	// GetRecentTransactions.
	block chan struct{}
}

var _ connector.Connector = (*stubConnector)(nil)

func newStubConnector() *stubConnector {
	return &stubConnector{
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (c *stubConnector) record(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
	return c.errs[method]
}

func (c *stubConnector) callCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *stubConnector) GetAllCardsWithPagination(_ context.Context) ([]datalake.Card, error) {
	if err := c.record("cards"); err != nil {
		return nil, err
	}
	return c.cards, nil
}

func (c *stubConnector) GetRecentTransactions(ctx context.Context, _ int) ([]datalake.Transaction, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := c.record("recentTransactions"); err != nil {
		return nil, err
	}
	return c.transactions, nil
}

func (c *stubConnector) GetAllTransactionsWithPagination(_ context.Context, _ int) ([]datalake.Transaction, error) {
	if err := c.record("transactions"); err != nil {
		return nil, err
	}
	return c.transactions, nil
}

func (c *stubConnector) GetTollPassages(_ context.Context, _ int) ([]datalake.TollPassage, error) {
	if err := c.record("tollPassages"); err != nil {
		return nil, err
	}
	return c.tollPassages, nil
}

func (c *stubConnector) GetInvoices(_ context.Context) ([]datalake.Invoice, error) {
	if err := c.record("invoices"); err != nil {
		return nil, err
	}
	return c.invoices, nil
}

func (c *stubConnector) FullSync(_ context.Context, _ connector.FullSyncOptions) (*connector.FullSyncResult, error) {
	if err := c.record("fullSync"); err != nil {
		return nil, err
	}
	result := &connector.FullSyncResult{
		Cards:        c.cards,
		Transactions: c.transactions,
		TollPassages: c.tollPassages,
		Invoices:     c.invoices,
		Vehicles:     c.vehicles,
	}
	c.mu.Lock()
	for entity, err := range c.errs {
		switch entity {
		case status.EntityCards, status.EntityTransactions,
			status.EntityTollPassages, status.EntityInvoices, status.EntityVehicles:
			result.Errors = append(result.Errors, connector.EntityError{Entity: entity, Error: err.Error()})
		}
	}
	c.mu.Unlock()
	return result, nil
}

func (c *stubConnector) Stats() connector.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, n := range c.calls {
		total += int64(n)
	}
	return connector.Stats{TotalRequests: total, SuccessfulRequests: total}
}

type harness struct {
	scheduler *defaultScheduler
	connector *stubConnector
	writer    *writer.MemoryWriter
	state     state.Service
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}

	conn := newStubConnector()
	w := writer.NewMemoryWriter()
	stateSvc := state.NewMemoryStateService()

	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	sched := New(cfg, conn, w, stateSvc, opts...).(*defaultScheduler)

	require.NoError(t, stateSvc.Initialize(context.Background(), sched.orgID, sched.connID))

	return &harness{scheduler: sched, connector: conn, writer: w, state: stateSvc}
}

func (h *harness) syncState(t *testing.T) *status.SyncState {
	t.Helper()
	st, err := h.state.Get(context.Background(), h.scheduler.orgID, h.scheduler.connID)
	require.NoError(t, err)
	return st
}

func plateTime(day int) *time.Time {
	ts := time.Date(2026, 8, day, 12, 0, 0, 0, time.UTC)
	return &ts
}

func TestScheduler_FullSyncHappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)

	h.connector.cards = []datalake.Card{
		{CardNumber: "7001-0001", VehiclePlate: "B-FL 123"},
		{CardNumber: "7001-0002", VehiclePlate: "B-FL 123"},
		{CardNumber: "7001-0003"},
	}
	for i := 0; i < 10; i++ {
		tx := datalake.Transaction{
			TransactionID: fmt.Sprintf("tx-%d", i),
			Quantity:      10,
			GrossAmount:   20,
			Timestamp:     plateTime(i + 1),
		}
		if i < 2 {
			tx.VehiclePlate = "B-FL 123"
		}
		h.connector.transactions = append(h.connector.transactions, tx)
	}

	require.NoError(t, h.scheduler.TriggerManualSync(ctx, status.SyncKindFull))

	st := h.syncState(t)
	assert.Equal(t, status.PhaseIdle, st.Status)
	assert.NotNil(t, st.LastFullSyncAt)
	assert.Equal(t, int64(3), st.Counts[status.EntityCards])
	assert.Equal(t, int64(10), st.Counts[status.EntityTransactions])
	assert.Equal(t, int64(1), st.Counts[status.EntityVehicles], "one vehicle auto-created from shared plate")
	assert.Equal(t, int64(3), st.Entity(status.EntityCards).LastSyncCount)
	assert.Equal(t, int64(10), st.Entity(status.EntityTransactions).TotalSynced)

	v, ok := h.writer.Vehicle(h.scheduler.orgID, "B-FL 123")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"7001-0001", "7001-0002"}, v.LinkedCards)
	assert.Equal(t, int64(2), v.Stats.TransactionCount, "stats roll up only the plate's transactions")
	assert.InDelta(t, 20.0, v.Stats.TotalFuelLiters, 0.001)

	stats, err := h.scheduler.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FullSyncs)
	assert.Equal(t, int64(1), stats.ManualSyncs)
	assert.Zero(t, stats.Errors)
}

func TestScheduler_FullSyncIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)

	h.connector.cards = []datalake.Card{{CardNumber: "7001-0001", VehiclePlate: "M-XY 7"}}
	h.connector.transactions = []datalake.Transaction{
		{TransactionID: "tx-1", VehiclePlate: "M-XY 7", Quantity: 30, GrossAmount: 55, Timestamp: plateTime(3)},
	}

	require.NoError(t, h.scheduler.TriggerManualSync(ctx, status.SyncKindFull))
	require.NoError(t, h.scheduler.TriggerManualSync(ctx, status.SyncKindFull))

	st := h.syncState(t)
	assert.Equal(t, int64(1), st.Counts[status.EntityCards], "same natural keys never duplicate")
	assert.Equal(t, int64(1), st.Counts[status.EntityTransactions])
	assert.Equal(t, int64(1), st.Counts[status.EntityVehicles])

	v, _ := h.writer.Vehicle(h.scheduler.orgID, "M-XY 7")
	assert.Equal(t, int64(1), v.Stats.TransactionCount, "recomputed stats never double count")
}

func TestScheduler_SingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.connector.block = make(chan struct{})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- h.scheduler.TriggerManualSync(ctx, status.SyncKindIncremental)
	}()
	<-started

	// Wait until the incremental sync holds the lock.
	require.Eventually(t, func() bool {
		if h.scheduler.inflight.TryAcquire(1) {
			h.scheduler.inflight.Release(1)
			return false
		}
		return true
	}, time.Second, 5*time.Millisecond)

	err := h.scheduler.TriggerManualSync(ctx, status.SyncKindPeriodic)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Zero(t, h.connector.callCount("cards"), "rejected sync must not touch the connector")

	close(h.connector.block)
	require.NoError(t, <-done)

	stats, err := h.scheduler.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ManualSyncs, "a rejected trigger is not a manual sync")
}

func TestScheduler_PauseSkipsScheduledSyncs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, &config.Config{Sync: config.SyncConfig{InterEntityDelay: "1ms"}})

	h.scheduler.Pause("maintenance window")
	h.scheduler.runScheduled(ctx, status.SyncKindPeriodic)
	assert.Zero(t, h.connector.callCount("cards"), "paused scheduler must skip ticks")

	// A manual trigger bypasses the pause.
	require.NoError(t, h.scheduler.TriggerManualSync(ctx, status.SyncKindCards))
	assert.Equal(t, 1, h.connector.callCount("cards"))

	h.scheduler.Resume()
	h.scheduler.runScheduled(ctx, status.SyncKindPeriodic)
	assert.Equal(t, 2, h.connector.callCount("cards"))

	stats, err := h.scheduler.GetStats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Paused)
	assert.Empty(t, stats.PauseReason)
}

func TestScheduler_TriggerManualSync_UnknownKind(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	err := h.scheduler.TriggerManualSync(context.Background(), status.SyncKind("bogus"))
	assert.ErrorIs(t, err, ErrUnknownSyncType)
}

func TestScheduler_PeriodicFailureIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, &config.Config{Sync: config.SyncConfig{InterEntityDelay: "1ms"}})

	h.connector.cards = []datalake.Card{{CardNumber: "7001-0001"}}
	h.connector.invoices = []datalake.Invoice{{InvoiceNumber: "INV-1"}}
	h.connector.errs["transactions"] = errors.New("rate limited")

	err := h.scheduler.TriggerManualSync(ctx, status.SyncKindPeriodic)
	require.Error(t, err, "pass reports failure when any entity failed")

	st := h.syncState(t)
	assert.Equal(t, status.PhaseError, st.Status)
	assert.Equal(t, int64(1), st.Entity(status.EntityCards).LastSyncCount, "healthy siblings still synced")
	assert.Equal(t, int64(1), st.Entity(status.EntityInvoices).LastSyncCount)
	assert.Equal(t, 1, st.Entity(status.EntityTransactions).ConsecutiveErrors)
	assert.Contains(t, st.Entity(status.EntityTransactions).LastError, "rate limited")
	require.Len(t, st.ErrorHistory, 1)
	assert.Equal(t, status.EntityTransactions, st.ErrorHistory[0].Entity)
	assert.Equal(t, status.SyncKindPeriodic, st.ErrorHistory[0].SyncType)
}

func TestScheduler_RecoveryResetsConsecutiveErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)

	h.connector.errs["cards"] = errors.New("boom")
	require.Error(t, h.scheduler.TriggerManualSync(ctx, status.SyncKindCards))
	require.Error(t, h.scheduler.TriggerManualSync(ctx, status.SyncKindCards))

	st := h.syncState(t)
	assert.Equal(t, 2, st.Entity(status.EntityCards).ConsecutiveErrors)

	h.connector.mu.Lock()
	delete(h.connector.errs, "cards")
	h.connector.mu.Unlock()

	require.NoError(t, h.scheduler.TriggerManualSync(ctx, status.SyncKindCards))

	st = h.syncState(t)
	assert.Zero(t, st.Entity(status.EntityCards).ConsecutiveErrors)
	assert.Empty(t, st.Entity(status.EntityCards).LastError)
	assert.Equal(t, status.PhaseIdle, st.Status)
}

func TestScheduler_ErrorBackoffGatesScheduledSyncs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, &config.Config{Sync: config.SyncConfig{ErrorBackoffBase: "1h"}})

	h.connector.errs["cards"] = errors.New("boom")
	require.Error(t, h.scheduler.TriggerManualSync(ctx, status.SyncKindCards))
	assert.Equal(t, 1, h.connector.callCount("cards"))

	h.connector.mu.Lock()
	delete(h.connector.errs, "cards")
	h.connector.mu.Unlock()

	// A scheduled pass skips the entity while it is in backoff.
	h.scheduler.runScheduled(ctx, status.SyncKindCards)
	assert.Equal(t, 1, h.connector.callCount("cards"), "entity in backoff must be skipped")

	// A manual trigger bypasses backoff.
	require.NoError(t, h.scheduler.TriggerManualSync(ctx, status.SyncKindCards))
	assert.Equal(t, 2, h.connector.callCount("cards"))
}

func TestScheduler_BackoffExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	h := newHarness(t,
		&config.Config{Sync: config.SyncConfig{ErrorBackoffBase: "1m"}},
		withClock(clock.Now))

	h.connector.errs["cards"] = errors.New("boom")
	require.Error(t, h.scheduler.TriggerManualSync(ctx, status.SyncKindCards))
	h.connector.mu.Lock()
	delete(h.connector.errs, "cards")
	h.connector.mu.Unlock()

	h.scheduler.runScheduled(ctx, status.SyncKindCards)
	assert.Equal(t, 1, h.connector.callCount("cards"))

	clock.advance(2 * time.Minute)
	h.scheduler.runScheduled(ctx, status.SyncKindCards)
	assert.Equal(t, 2, h.connector.callCount("cards"), "backoff window has passed")
}

type fakeClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestScheduler_BootstrapChoosesSyncKind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("empty mirror runs full sync", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.scheduler.bootstrap(ctx)
		assert.Equal(t, 1, h.connector.callCount("fullSync"))
	})

	t.Run("fresh mirror skips the initial sync", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		recent := time.Now().Add(-10 * time.Minute)
		_, err := h.state.UpdateAtomically(ctx, h.scheduler.orgID, h.scheduler.connID, func(st *status.SyncState) bool {
			st.LastFullSyncAt = &recent
			return true
		})
		require.NoError(t, err)

		h.scheduler.bootstrap(ctx)
		assert.Zero(t, h.connector.callCount("fullSync"))
		assert.Zero(t, h.connector.callCount("cards"))
	})

	t.Run("aging mirror runs full sync", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		aged := time.Now().Add(-3 * time.Hour)
		_, err := h.state.UpdateAtomically(ctx, h.scheduler.orgID, h.scheduler.connID, func(st *status.SyncState) bool {
			st.LastFullSyncAt = &aged
			return true
		})
		require.NoError(t, err)

		h.scheduler.bootstrap(ctx)
		assert.Equal(t, 1, h.connector.callCount("fullSync"), "anything past the freshness threshold needs a full pass")
	})

	t.Run("fresh mirror runs periodic sync when skipping is disabled", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &config.Config{Sync: config.SyncConfig{
			SkipInitialSyncIfFresh: boolPtr(false),
			InterEntityDelay:       "1ms",
		}})
		recent := time.Now().Add(-10 * time.Minute)
		_, err := h.state.UpdateAtomically(ctx, h.scheduler.orgID, h.scheduler.connID, func(st *status.SyncState) bool {
			st.LastFullSyncAt = &recent
			return true
		})
		require.NoError(t, err)

		h.scheduler.bootstrap(ctx)
		assert.Zero(t, h.connector.callCount("fullSync"))
		assert.Equal(t, 1, h.connector.callCount("cards"))
	})

	t.Run("stale mirror runs full sync", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		stale := time.Now().Add(-48 * time.Hour)
		_, err := h.state.UpdateAtomically(ctx, h.scheduler.orgID, h.scheduler.connID, func(st *status.SyncState) bool {
			st.LastFullSyncAt = &stale
			return true
		})
		require.NoError(t, err)

		h.scheduler.bootstrap(ctx)
		assert.Equal(t, 1, h.connector.callCount("fullSync"))
	})
}

func TestScheduler_IncrementalUsesRecentWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)
	h.connector.transactions = []datalake.Transaction{{TransactionID: "tx-1"}}

	require.NoError(t, h.scheduler.TriggerManualSync(ctx, status.SyncKindIncremental))

	assert.Equal(t, 1, h.connector.callCount("recentTransactions"))
	assert.Zero(t, h.connector.callCount("transactions"), "incremental never pulls the full window")

	st := h.syncState(t)
	assert.NotNil(t, st.Entity(status.EntityTransactions).LastSyncAt)
	assert.Nil(t, st.LastFullSyncAt)
	assert.NotNil(t, st.LastIncrementalSyncAt)
}

func TestScheduler_StartAndStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &config.Config{Sync: config.SyncConfig{
		SkipInitialSyncIfFresh: boolPtr(true),
	}})
	recent := time.Now()
	_, err := h.state.UpdateAtomically(context.Background(), h.scheduler.orgID, h.scheduler.connID, func(st *status.SyncState) bool {
		st.LastFullSyncAt = &recent
		return true
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- h.scheduler.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		stats, err := h.scheduler.GetStats(context.Background())
		return err == nil && stats.Running
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.scheduler.Stop())
	require.NoError(t, <-errCh)

	stats, err := h.scheduler.GetStats(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.Running)
}

func TestScheduler_StartTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &config.Config{Sync: config.SyncConfig{
		SkipInitialSyncIfFresh: boolPtr(true),
	}})
	recent := time.Now()
	_, err := h.state.UpdateAtomically(context.Background(), h.scheduler.orgID, h.scheduler.connID, func(st *status.SyncState) bool {
		st.LastFullSyncAt = &recent
		return true
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- h.scheduler.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		stats, err := h.scheduler.GetStats(context.Background())
		return err == nil && stats.Running
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.scheduler.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, h.scheduler.Stop())
	require.NoError(t, <-errCh)
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.scheduler.Stop(), ErrNotRunning)
}

func boolPtr(v bool) *bool { return &v }
