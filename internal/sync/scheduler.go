// Package sync contains the scheduling and orchestration engine that
// keeps the local data lake mirror in step with the remote provider.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fleetlake/fleetlake/internal/config"
	"github.com/fleetlake/fleetlake/internal/connector"
	"github.com/fleetlake/fleetlake/internal/status"
	"github.com/fleetlake/fleetlake/internal/sync/state"
	"github.com/fleetlake/fleetlake/internal/sync/writer"
	"github.com/fleetlake/fleetlake/internal/telemetry"
)

// fullSyncAcquireTimeout bounds how long a manual or bootstrap full sync
// waits for the single-flight lock before giving up.
const fullSyncAcquireTimeout = 5 * time.Second

// Scheduler drives the three sync cadences and exposes manual control.
type Scheduler interface {
	// Start begins background scheduling. Blocks until ctx is cancelled
	// or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the scheduler and waits for an in-flight
	// sync to finish.
	Stop() error

	// Pause suspends scheduled syncs; ticks are skipped until Resume.
	Pause(reason string)

	// Resume lifts a Pause.
	Resume()

	// TriggerManualSync runs the named sync immediately, bypassing the
	// pause flag and the per-entity error backoff. Returns
	// ErrUnknownSyncType for unrecognized kinds and ErrSyncInProgress
	// when another sync holds the lock.
	TriggerManualSync(ctx context.Context, kind status.SyncKind) error

	// GetStats returns a point-in-time view of the engine.
	GetStats(ctx context.Context) (*Stats, error)
}

// Stats is the scheduler's introspection snapshot.
type Stats struct {
	Running     bool            `json:"running"`
	Paused      bool            `json:"paused"`
	PauseReason string          `json:"pauseReason,omitempty"`
	CurrentSync status.SyncKind `json:"currentSync,omitempty"`

	IncrementalSyncs int64      `json:"incrementalSyncs"`
	PeriodicSyncs    int64      `json:"periodicSyncs"`
	FullSyncs        int64      `json:"fullSyncs"`
	ManualSyncs      int64      `json:"manualSyncs"`
	Errors           int64      `json:"errors"`
	LastSyncAt       *time.Time `json:"lastSyncAt,omitempty"`

	State          *status.SyncState `json:"state,omitempty"`
	ConnectorStats connector.Stats   `json:"connectorStats"`
}

// settings are the resolved scheduler knobs.
type settings struct {
	incrementalEnabled  bool
	incrementalInterval time.Duration
	periodicInterval    time.Duration
	fullSyncInterval    time.Duration

	transactionDaysBack int
	tollDaysBack        int
	incrementalDaysBack int

	skipInitialIfFresh bool
	freshnessThreshold time.Duration
	interEntityDelay   time.Duration
	connectorTimeout   time.Duration
	errorBackoffBase   time.Duration
}

func resolveSettings(sc *config.SyncConfig) settings {
	return settings{
		incrementalEnabled:  config.BoolOr(sc.EnableIncrementalSync, true),
		incrementalInterval: config.DurationOr(sc.IncrementalInterval, config.DefaultIncrementalInterval),
		periodicInterval:    config.DurationOr(sc.PeriodicInterval, config.DefaultPeriodicInterval),
		fullSyncInterval:    config.DurationOr(sc.FullSyncInterval, config.DefaultFullSyncInterval),
		transactionDaysBack: config.IntOr(sc.TransactionDaysBack, config.DefaultTransactionDaysBack),
		tollDaysBack:        config.IntOr(sc.TollDaysBack, config.DefaultTollDaysBack),
		incrementalDaysBack: config.IntOr(sc.IncrementalDaysBack, config.DefaultIncrementalDaysBack),
		skipInitialIfFresh:  config.BoolOr(sc.SkipInitialSyncIfFresh, true),
		freshnessThreshold:  config.DurationOr(sc.FreshnessThreshold, config.DefaultFreshnessThreshold),
		interEntityDelay:    config.DurationOr(sc.InterEntityDelay, config.DefaultInterEntityDelay),
		connectorTimeout:    config.DurationOr(sc.ConnectorTimeout, config.DefaultConnectorTimeout),
		errorBackoffBase:    config.DurationOr(sc.ErrorBackoffBase, 0),
	}
}

type defaultScheduler struct {
	orgID  string
	connID string

	settings settings

	connector connector.Connector
	writer    writer.Service
	stateSvc  state.Service
	metrics   *telemetry.SyncMetrics
	logger    *slog.Logger

	// inflight admits at most one sync at a time.
	inflight *semaphore.Weighted

	done chan struct{}

	mu          muState
	clock       func() time.Time
	newTicker   func(time.Duration) *time.Ticker
}

// muState holds everything guarded by its embedded mutex.
type muState struct {
	sync.Mutex

	started     bool
	cancel      context.CancelFunc
	running     bool
	paused      bool
	pauseReason string
	currentSync status.SyncKind

	incrementalSyncs int64
	periodicSyncs    int64
	fullSyncs        int64
	manualSyncs      int64
	errors           int64
	lastSyncAt       *time.Time
}

// Option configures the scheduler.
type Option func(*defaultScheduler)

// WithMetrics sets the sync metrics.
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(s *defaultScheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *defaultScheduler) { s.logger = l }
}

// withClock overrides the time source in tests.
func withClock(clock func() time.Time) Option {
	return func(s *defaultScheduler) { s.clock = clock }
}

// New creates a scheduler with injected dependencies.
func New(
	cfg *config.Config,
	conn connector.Connector,
	w writer.Service,
	stateSvc state.Service,
	opts ...Option,
) Scheduler {
	s := &defaultScheduler{
		orgID:     cfg.GetOrganizationID(),
		connID:    cfg.GetConnectionID(),
		settings:  resolveSettings(&cfg.Sync),
		connector: conn,
		writer:    w,
		stateSvc:  stateSvc,
		inflight:  semaphore.NewWeighted(1),
		done:      make(chan struct{}),
		logger:    slog.Default(),
		clock:     time.Now,
		newTicker: time.NewTicker,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("organization", s.orgID, "connection", s.connID)
	return s
}

// Start initializes the persisted state, runs the bootstrap sync, then
// drives the three cadences until the context is cancelled.
func (s *defaultScheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.mu.started {
		s.mu.Unlock()
		cancel()
		return ErrAlreadyStarted
	}
	s.mu.started = true
	s.mu.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.setRunning(false)
		close(s.done)
		s.logger.Info("sync scheduler shutting down")
	}()

	if err := s.stateSvc.Initialize(ctx, s.orgID, s.connID); err != nil {
		return fmt.Errorf("failed to initialize sync state: %w", err)
	}
	s.setRunning(true)

	s.logger.Info("starting sync scheduler",
		"incremental_interval", s.settings.incrementalInterval,
		"periodic_interval", s.settings.periodicInterval,
		"full_sync_interval", s.settings.fullSyncInterval,
		"incremental_enabled", s.settings.incrementalEnabled)

	s.bootstrap(runCtx)

	incremental := s.newTicker(s.settings.incrementalInterval)
	defer incremental.Stop()
	periodic := s.newTicker(s.settings.periodicInterval)
	defer periodic.Stop()
	full := s.newTicker(s.settings.fullSyncInterval)
	defer full.Stop()

	for {
		select {
		case <-incremental.C:
			if s.settings.incrementalEnabled {
				s.runScheduled(runCtx, status.SyncKindIncremental)
			}
		case <-periodic.C:
			s.runScheduled(runCtx, status.SyncKindPeriodic)
		case <-full.C:
			s.runScheduled(runCtx, status.SyncKindFull)
		case <-runCtx.Done():
			return nil
		}
	}
}

// bootstrap decides the first sync after startup: a full sync when the
// last full sync is missing or older than the freshness threshold,
// otherwise nothing - or a lighter periodic sync when configured to
// always sync something at startup.
func (s *defaultScheduler) bootstrap(ctx context.Context) {
	st, err := s.stateSvc.Get(ctx, s.orgID, s.connID)
	if err != nil {
		s.logger.Error("failed to read sync state during bootstrap", "error", err)
		return
	}

	if st.LastFullSyncAt == nil {
		s.logger.Info("no previous full sync, running initial full sync")
		s.runScheduled(ctx, status.SyncKindFull)
		return
	}

	age := s.clock().Sub(*st.LastFullSyncAt)
	if age >= s.settings.freshnessThreshold {
		s.logger.Info("mirror is stale, running initial full sync", "age", age.Round(time.Second))
		s.runScheduled(ctx, status.SyncKindFull)
		return
	}

	if s.settings.skipInitialIfFresh {
		s.logger.Info("mirror is fresh, skipping initial sync", "age", age.Round(time.Second))
		return
	}

	s.logger.Info("running initial periodic sync", "age", age.Round(time.Second))
	s.runScheduled(ctx, status.SyncKindPeriodic)
}

// Stop cancels the run loop and waits for it to finish.
func (s *defaultScheduler) Stop() error {
	s.mu.Lock()
	cancel := s.mu.cancel
	s.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	<-s.done
	return nil
}

// Pause suspends scheduled syncs. An in-flight sync finishes normally.
func (s *defaultScheduler) Pause(reason string) {
	s.mu.Lock()
	s.mu.paused = true
	s.mu.pauseReason = reason
	s.mu.Unlock()
	s.logger.Info("sync scheduler paused", "reason", reason)
}

// Resume lifts a pause.
func (s *defaultScheduler) Resume() {
	s.mu.Lock()
	s.mu.paused = false
	s.mu.pauseReason = ""
	s.mu.Unlock()
	s.logger.Info("sync scheduler resumed")
}

// TriggerManualSync runs one sync immediately.
func (s *defaultScheduler) TriggerManualSync(ctx context.Context, kind status.SyncKind) error {
	if !status.ValidSyncKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownSyncType, kind)
	}
	return s.run(ctx, kind, true)
}

// runScheduled is the tick entry point: it honors the pause flag and
// skips the tick when another sync is in flight.
func (s *defaultScheduler) runScheduled(ctx context.Context, kind status.SyncKind) {
	if paused, reason := s.pausedState(); paused {
		s.logger.Debug("skipping scheduled sync while paused", "kind", kind, "reason", reason)
		return
	}
	if err := s.run(ctx, kind, false); err != nil {
		s.logger.Warn("scheduled sync did not complete", "kind", kind, "error", err)
	}
}

// run acquires the single-flight lock and dispatches the sync. A full
// sync waits briefly for the lock; all other kinds skip immediately.
func (s *defaultScheduler) run(ctx context.Context, kind status.SyncKind, manual bool) error {
	if kind == status.SyncKindFull {
		acquireCtx, cancel := context.WithTimeout(ctx, fullSyncAcquireTimeout)
		defer cancel()
		if err := s.inflight.Acquire(acquireCtx, 1); err != nil {
			return ErrSyncInProgress
		}
	} else if !s.inflight.TryAcquire(1) {
		return ErrSyncInProgress
	}
	defer s.inflight.Release(1)

	if manual {
		s.mu.Lock()
		s.mu.manualSyncs++
		s.mu.Unlock()
	}

	s.setCurrentSync(kind)
	defer s.setCurrentSync("")

	log := s.logger.With("sync_id", uuid.NewString(), "kind", kind)
	log.Debug("sync pass starting", "manual", manual)

	s.markPhase(ctx, status.PhaseRunning)

	started := s.clock()
	err := s.dispatch(ctx, kind, manual)
	duration := s.clock().Sub(started)

	s.recordOutcome(ctx, log, kind, duration, err)
	return err
}

func (s *defaultScheduler) dispatch(ctx context.Context, kind status.SyncKind, manual bool) error {
	switch kind {
	case status.SyncKindFull:
		return s.runFull(ctx)
	case status.SyncKindIncremental:
		return s.runIncremental(ctx, manual)
	case status.SyncKindPeriodic:
		return s.runPeriodic(ctx, manual)
	case status.SyncKindCards:
		_, err := s.syncCards(ctx, kind, manual)
		return err
	case status.SyncKindTransactions:
		_, err := s.syncTransactions(ctx, kind, manual)
		return err
	case status.SyncKindToll:
		_, err := s.syncTollPassages(ctx, kind, manual)
		return err
	case status.SyncKindInvoices:
		_, err := s.syncInvoices(ctx, kind, manual)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSyncType, kind)
	}
}

// recordOutcome persists the pass outcome, bumps the in-memory counters
// and emits metrics. Every exit path leaves the persisted phase idle or
// error; running never outlives the pass.
func (s *defaultScheduler) recordOutcome(
	ctx context.Context,
	log *slog.Logger,
	kind status.SyncKind,
	duration time.Duration,
	syncErr error,
) {
	now := s.clock()

	s.mu.Lock()
	s.mu.lastSyncAt = &now
	switch kind {
	case status.SyncKindIncremental:
		s.mu.incrementalSyncs++
	case status.SyncKindPeriodic:
		s.mu.periodicSyncs++
	case status.SyncKindFull:
		s.mu.fullSyncs++
	}
	if syncErr != nil {
		s.mu.errors++
	}
	s.mu.Unlock()

	_, err := s.stateSvc.UpdateAtomically(ctx, s.orgID, s.connID, func(st *status.SyncState) bool {
		if syncErr != nil {
			st.Status = status.PhaseError
		} else {
			st.Status = status.PhaseIdle
			switch kind {
			case status.SyncKindFull:
				st.LastFullSyncAt = &now
			case status.SyncKindIncremental:
				st.LastIncrementalSyncAt = &now
			case status.SyncKindPeriodic:
				st.LastPeriodicSyncAt = &now
			}
		}
		return true
	})
	if err != nil {
		log.Error("failed to persist sync outcome", "error", err)
	}

	s.metrics.RecordSync(ctx, string(kind), duration, syncErr == nil)

	if syncErr != nil {
		log.Error("sync failed", "duration", duration.Round(time.Millisecond), "error", syncErr)
	} else {
		log.Info("sync complete", "duration", duration.Round(time.Millisecond))
	}
}

func (s *defaultScheduler) markPhase(ctx context.Context, phase status.Phase) {
	_, err := s.stateSvc.UpdateAtomically(ctx, s.orgID, s.connID, func(st *status.SyncState) bool {
		st.Status = phase
		return true
	})
	if err != nil {
		s.logger.Error("failed to update sync phase", "phase", phase, "error", err)
	}
}

// GetStats assembles the introspection snapshot, refreshing the
// per-entity counts from the mirror.
func (s *defaultScheduler) GetStats(ctx context.Context) (*Stats, error) {
	counts, err := s.writer.Counts(ctx, s.orgID, s.connID)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh counts: %w", err)
	}
	if err := s.stateSvc.UpdateCounts(ctx, s.orgID, s.connID, counts); err != nil {
		return nil, fmt.Errorf("failed to persist counts: %w", err)
	}

	st, err := s.stateSvc.Get(ctx, s.orgID, s.connID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &Stats{
		Running:          s.mu.running,
		Paused:           s.mu.paused,
		PauseReason:      s.mu.pauseReason,
		CurrentSync:      s.mu.currentSync,
		IncrementalSyncs: s.mu.incrementalSyncs,
		PeriodicSyncs:    s.mu.periodicSyncs,
		FullSyncs:        s.mu.fullSyncs,
		ManualSyncs:      s.mu.manualSyncs,
		Errors:           s.mu.errors,
		State:            st,
		ConnectorStats:   s.connector.Stats(),
	}
	if s.mu.lastSyncAt != nil {
		t := *s.mu.lastSyncAt
		stats.LastSyncAt = &t
	}
	return stats, nil
}

func (s *defaultScheduler) setRunning(v bool) {
	s.mu.Lock()
	s.mu.running = v
	s.mu.Unlock()
}

func (s *defaultScheduler) setCurrentSync(kind status.SyncKind) {
	s.mu.Lock()
	s.mu.currentSync = kind
	s.mu.Unlock()
}

func (s *defaultScheduler) pausedState() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.paused, s.mu.pauseReason
}
