// Package state persists the durable synchronization state of each
// (organization, connection) pair.
package state

import (
	"context"
	"errors"

	"github.com/fleetlake/fleetlake/internal/status"
)

// ErrStateNotFound is returned when no state row exists for the pair.
var ErrStateNotFound = errors.New("sync state not found")

// Service provides methods for inspecting and updating the sync state
// of a data lake connection.
type Service interface {
	// Initialize creates the state for the pair if it does not exist.
	// Calling it again is a no-op; existing history is never clobbered.
	Initialize(ctx context.Context, orgID, connID string) error

	// Get returns a snapshot of the current state.
	Get(ctx context.Context, orgID, connID string) (*status.SyncState, error)

	// UpdateAtomically fetches the state, applies mutate to it, and
	// persists the result if mutate reports a modification - as a single
	// atomic action against the backing store.
	UpdateAtomically(ctx context.Context, orgID, connID string, mutate func(*status.SyncState) bool) (bool, error)

	// UpdateEntity applies mutate to the named entity's bookkeeping and
	// persists the result atomically.
	UpdateEntity(ctx context.Context, orgID, connID, entity string, mutate func(*status.EntityState)) error

	// RecordError bumps the error counters and pushes entry onto the
	// bounded error history.
	RecordError(ctx context.Context, orgID, connID string, entry status.ErrorEntry) error

	// UpdateCounts replaces the per-entity mirrored record counts.
	UpdateCounts(ctx context.Context, orgID, connID string, counts map[string]int64) error
}
