// Package status contains the value types describing the synchronization
// state of a data lake connection. It is a leaf package so that the
// scheduler, state stores and API layer can share these types without
// import cycles.
package status

import "time"

// Phase represents the current phase of the sync engine for a connection.
type Phase string

const (
	// PhaseIdle means no sync is currently in progress
	PhaseIdle Phase = "idle"

	// PhaseRunning means a sync is currently in progress
	PhaseRunning Phase = "running"

	// PhasePaused means the scheduler is paused and ticks are skipped
	PhasePaused Phase = "paused"

	// PhaseError means the most recent sync attempt failed
	PhaseError Phase = "error"
)

// SyncKind identifies one of the sync cadences or a single-entity sync.
type SyncKind string

const (
	// SyncKindFull re-pulls every entity kind in one connector call
	SyncKindFull SyncKind = "full"

	// SyncKindIncremental re-pulls only recently changed transactions
	SyncKindIncremental SyncKind = "incremental"

	// SyncKindPeriodic re-pulls cards, transactions, toll passages and invoices
	SyncKindPeriodic SyncKind = "periodic"

	// SyncKindCards syncs fuel cards only
	SyncKindCards SyncKind = "cards"

	// SyncKindTransactions syncs the full transaction window only
	SyncKindTransactions SyncKind = "transactions"

	// SyncKindToll syncs toll passages only
	SyncKindToll SyncKind = "toll"

	// SyncKindInvoices syncs invoices only
	SyncKindInvoices SyncKind = "invoices"
)

// Entity names used as keys in SyncState.Entities and SyncState.Counts.
const (
	EntityCards        = "cards"
	EntityTransactions = "transactions"
	EntityTollPassages = "tollPassages"
	EntityInvoices     = "invoices"
	EntityVehicles     = "vehicles"
)

// ErrorHistoryCap bounds SyncState.ErrorHistory; the oldest entry is
// evicted once the history exceeds this length.
const ErrorHistoryCap = 10

// EntityState tracks per-entity sync bookkeeping within a SyncState.
type EntityState struct {
	// LastSyncAt is the time the entity was last synced successfully
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`

	// LastSyncCount is the number of records handled by the last sync
	LastSyncCount int64 `json:"lastSyncCount,omitempty"`

	// LastSyncDuration is how long the last successful sync took
	LastSyncDuration time.Duration `json:"lastSyncDuration,omitempty"`

	// TotalSynced accumulates records across syncs; it never decreases
	TotalSynced int64 `json:"totalSynced,omitempty"`

	// LastError is the message of the most recent failure, if any
	LastError string `json:"lastError,omitempty"`

	// LastErrorAt is when the most recent failure occurred
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`

	// ConsecutiveErrors counts failures since the last success
	ConsecutiveErrors int `json:"consecutiveErrors,omitempty"`
}

// Metrics holds cumulative counters for a connection.
type Metrics struct {
	TotalAPICalls int64 `json:"totalApiCalls,omitempty"`
	TotalErrors   int64 `json:"totalErrors,omitempty"`
	LastDayErrors int64 `json:"lastDayErrors,omitempty"`
}

// ErrorEntry is one element of the bounded error history ring.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	SyncType  SyncKind  `json:"syncType"`
	Entity    string    `json:"entity,omitempty"`
	Error     string    `json:"error"`
}

// SyncState is the durable synchronization state for one
// (organization, connection) pair. Exactly one exists per pair.
type SyncState struct {
	OrganizationID string `json:"organizationId"`
	ConnectionID   string `json:"connectionId"`

	// Status is PhaseRunning only while a sync is in flight; every exit
	// path resets it to PhaseIdle or PhaseError.
	Status Phase `json:"status"`

	LastFullSyncAt        *time.Time `json:"lastFullSyncAt,omitempty"`
	LastIncrementalSyncAt *time.Time `json:"lastIncrementalSyncAt,omitempty"`
	LastPeriodicSyncAt    *time.Time `json:"lastPeriodicSyncAt,omitempty"`

	// Entities maps entity name to its per-entity bookkeeping
	Entities map[string]EntityState `json:"entities"`

	// Counts maps entity name to the current mirrored record count
	Counts map[string]int64 `json:"counts"`

	Metrics Metrics `json:"metrics"`

	// ErrorHistory holds the most recent errors, capped at ErrorHistoryCap
	ErrorHistory []ErrorEntry `json:"errorHistory,omitempty"`
}

// NewSyncState returns an initialized SyncState for the given pair.
func NewSyncState(organizationID, connectionID string) *SyncState {
	return &SyncState{
		OrganizationID: organizationID,
		ConnectionID:   connectionID,
		Status:         PhaseIdle,
		Entities:       make(map[string]EntityState),
		Counts:         make(map[string]int64),
	}
}

// Entity returns the state for the named entity, zero-valued if absent.
func (s *SyncState) Entity(name string) EntityState {
	if s.Entities == nil {
		return EntityState{}
	}
	return s.Entities[name]
}

// PushError appends an entry to the error history, evicting the oldest
// entries so that at most ErrorHistoryCap remain, and bumps the error
// counters. LastDayErrors resets when the previous error fell on an
// earlier UTC calendar day.
func (s *SyncState) PushError(entry ErrorEntry) {
	if n := len(s.ErrorHistory); n > 0 {
		prev := s.ErrorHistory[n-1].Timestamp.UTC()
		cur := entry.Timestamp.UTC()
		if prev.Year() != cur.Year() || prev.YearDay() != cur.YearDay() {
			s.Metrics.LastDayErrors = 0
		}
	}
	s.Metrics.TotalErrors++
	s.Metrics.LastDayErrors++

	s.ErrorHistory = append(s.ErrorHistory, entry)
	if n := len(s.ErrorHistory); n > ErrorHistoryCap {
		s.ErrorHistory = s.ErrorHistory[n-ErrorHistoryCap:]
	}
}

// Clone returns a deep copy safe to mutate independently.
func (s *SyncState) Clone() *SyncState {
	if s == nil {
		return nil
	}
	out := *s
	out.Entities = make(map[string]EntityState, len(s.Entities))
	for k, v := range s.Entities {
		out.Entities[k] = v
	}
	out.Counts = make(map[string]int64, len(s.Counts))
	for k, v := range s.Counts {
		out.Counts[k] = v
	}
	out.ErrorHistory = append([]ErrorEntry(nil), s.ErrorHistory...)
	return &out
}

// ValidSyncKind reports whether kind names a known manual sync type.
func ValidSyncKind(kind SyncKind) bool {
	switch kind {
	case SyncKindFull, SyncKindIncremental, SyncKindPeriodic,
		SyncKindCards, SyncKindTransactions, SyncKindToll, SyncKindInvoices:
		return true
	default:
		return false
	}
}
