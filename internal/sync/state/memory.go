package state

import (
	"context"
	"sync"

	"github.com/fleetlake/fleetlake/internal/status"
)

type memoryStateService struct {
	mu     sync.Mutex
	states map[pairKey]*status.SyncState
}

type pairKey struct {
	orgID  string
	connID string
}

// NewMemoryStateService creates an in-memory state service. Used in
// tests and when running without a database.
func NewMemoryStateService() Service {
	return &memoryStateService{states: make(map[pairKey]*status.SyncState)}
}

func (m *memoryStateService) Initialize(_ context.Context, orgID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{orgID, connID}
	if _, ok := m.states[key]; !ok {
		m.states[key] = status.NewSyncState(orgID, connID)
	}
	return nil
}

func (m *memoryStateService) Get(_ context.Context, orgID, connID string) (*status.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[pairKey{orgID, connID}]
	if !ok {
		return nil, ErrStateNotFound
	}
	return s.Clone(), nil
}

func (m *memoryStateService) UpdateAtomically(
	_ context.Context,
	orgID, connID string,
	mutate func(*status.SyncState) bool,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[pairKey{orgID, connID}]
	if !ok {
		return false, ErrStateNotFound
	}
	next := s.Clone()
	if !mutate(next) {
		return false, nil
	}
	m.states[pairKey{orgID, connID}] = next
	return true, nil
}

func (m *memoryStateService) UpdateEntity(
	ctx context.Context,
	orgID, connID, entity string,
	mutate func(*status.EntityState),
) error {
	_, err := m.UpdateAtomically(ctx, orgID, connID, func(s *status.SyncState) bool {
		es := s.Entities[entity]
		mutate(&es)
		s.Entities[entity] = es
		return true
	})
	return err
}

func (m *memoryStateService) RecordError(ctx context.Context, orgID, connID string, entry status.ErrorEntry) error {
	_, err := m.UpdateAtomically(ctx, orgID, connID, func(s *status.SyncState) bool {
		s.PushError(entry)
		return true
	})
	return err
}

func (m *memoryStateService) UpdateCounts(ctx context.Context, orgID, connID string, counts map[string]int64) error {
	_, err := m.UpdateAtomically(ctx, orgID, connID, func(s *status.SyncState) bool {
		s.Counts = counts
		return true
	})
	return err
}
