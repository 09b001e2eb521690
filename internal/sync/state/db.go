package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetlake/fleetlake/internal/status"
)

type dbStateService struct {
	pool *pgxpool.Pool
}

// NewDBStateService creates a database-backed state service.
func NewDBStateService(pool *pgxpool.Pool) Service {
	return &dbStateService{pool: pool}
}

func (d *dbStateService) Initialize(ctx context.Context, orgID, connID string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO sync_states (organization_id, connection_id, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, connection_id) DO NOTHING`,
		orgID, connID, string(status.PhaseIdle))
	if err != nil {
		return fmt.Errorf("failed to initialize sync state: %w", err)
	}
	return nil
}

func (d *dbStateService) Get(ctx context.Context, orgID, connID string) (*status.SyncState, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT status, last_full_sync_at, last_incremental_sync_at, last_periodic_sync_at,
		       entities, counts, metrics, error_history
		FROM sync_states
		WHERE organization_id = $1 AND connection_id = $2`,
		orgID, connID)
	return scanState(row, orgID, connID)
}

func scanState(row pgx.Row, orgID, connID string) (*status.SyncState, error) {
	var (
		phase                                        string
		fullAt, incAt, periodicAt                    *time.Time
		entitiesRaw, countsRaw, metricsRaw, errorRaw []byte
	)
	err := row.Scan(&phase, &fullAt, &incAt, &periodicAt,
		&entitiesRaw, &countsRaw, &metricsRaw, &errorRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}

	s := status.NewSyncState(orgID, connID)
	s.Status = status.Phase(phase)
	s.LastFullSyncAt = fullAt
	s.LastIncrementalSyncAt = incAt
	s.LastPeriodicSyncAt = periodicAt
	if err := json.Unmarshal(entitiesRaw, &s.Entities); err != nil {
		return nil, fmt.Errorf("failed to decode entity states: %w", err)
	}
	if err := json.Unmarshal(countsRaw, &s.Counts); err != nil {
		return nil, fmt.Errorf("failed to decode counts: %w", err)
	}
	if err := json.Unmarshal(metricsRaw, &s.Metrics); err != nil {
		return nil, fmt.Errorf("failed to decode metrics: %w", err)
	}
	if err := json.Unmarshal(errorRaw, &s.ErrorHistory); err != nil {
		return nil, fmt.Errorf("failed to decode error history: %w", err)
	}
	return s, nil
}

func (d *dbStateService) UpdateAtomically(
	ctx context.Context,
	orgID, connID string,
	mutate func(*status.SyncState) bool,
) (bool, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT status, last_full_sync_at, last_incremental_sync_at, last_periodic_sync_at,
		       entities, counts, metrics, error_history
		FROM sync_states
		WHERE organization_id = $1 AND connection_id = $2
		FOR UPDATE`,
		orgID, connID)
	s, err := scanState(row, orgID, connID)
	if err != nil {
		return false, err
	}

	if !mutate(s) {
		return false, nil
	}

	entitiesRaw, err := json.Marshal(s.Entities)
	if err != nil {
		return false, err
	}
	countsRaw, err := json.Marshal(s.Counts)
	if err != nil {
		return false, err
	}
	metricsRaw, err := json.Marshal(s.Metrics)
	if err != nil {
		return false, err
	}
	history := s.ErrorHistory
	if history == nil {
		history = []status.ErrorEntry{}
	}
	errorRaw, err := json.Marshal(history)
	if err != nil {
		return false, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE sync_states
		SET status = $3,
		    last_full_sync_at = $4,
		    last_incremental_sync_at = $5,
		    last_periodic_sync_at = $6,
		    entities = $7,
		    counts = $8,
		    metrics = $9,
		    error_history = $10,
		    updated_at = now()
		WHERE organization_id = $1 AND connection_id = $2`,
		orgID, connID, string(s.Status),
		s.LastFullSyncAt, s.LastIncrementalSyncAt, s.LastPeriodicSyncAt,
		entitiesRaw, countsRaw, metricsRaw, errorRaw)
	if err != nil {
		return false, fmt.Errorf("failed to persist sync state: %w", err)
	}
	return true, tx.Commit(ctx)
}

func (d *dbStateService) UpdateEntity(
	ctx context.Context,
	orgID, connID, entity string,
	mutate func(*status.EntityState),
) error {
	_, err := d.UpdateAtomically(ctx, orgID, connID, func(s *status.SyncState) bool {
		es := s.Entities[entity]
		mutate(&es)
		s.Entities[entity] = es
		return true
	})
	return err
}

func (d *dbStateService) RecordError(ctx context.Context, orgID, connID string, entry status.ErrorEntry) error {
	_, err := d.UpdateAtomically(ctx, orgID, connID, func(s *status.SyncState) bool {
		s.PushError(entry)
		return true
	})
	return err
}

func (d *dbStateService) UpdateCounts(ctx context.Context, orgID, connID string, counts map[string]int64) error {
	_, err := d.UpdateAtomically(ctx, orgID, connID, func(s *status.SyncState) bool {
		s.Counts = counts
		return true
	})
	return err
}
