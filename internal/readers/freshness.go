package readers

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EntityFreshness reports how current one entity's mirror is.
type EntityFreshness struct {
	Entity       string     `json:"entity"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	Stale        bool       `json:"stale"`
}

// FreshnessReader reports how far each entity's mirror lags behind.
type FreshnessReader struct {
	pool      *pgxpool.Pool
	threshold time.Duration
}

// NewFreshnessReader creates a freshness reader. Entities whose newest
// record is older than threshold are reported stale.
func NewFreshnessReader(pool *pgxpool.Pool, threshold time.Duration) *FreshnessReader {
	return &FreshnessReader{pool: pool, threshold: threshold}
}

var freshnessTables = []struct {
	entity string
	table  string
}{
	{"cards", "cards"},
	{"transactions", "transactions"},
	{"tollPassages", "toll_passages"},
	{"invoices", "invoices"},
	{"vehicles", "vehicles"},
}

// DataFreshness compares the newest synced_at per entity against the
// staleness threshold. An entity with no records at all is stale.
func (r *FreshnessReader) DataFreshness(ctx context.Context, orgID string) ([]EntityFreshness, error) {
	now := time.Now()
	out := make([]EntityFreshness, 0, len(freshnessTables))
	for _, ft := range freshnessTables {
		var last *time.Time
		err := r.pool.QueryRow(ctx,
			`SELECT MAX(synced_at) FROM `+ft.table+` WHERE organization_id = $1 AND deleted_at IS NULL`,
			orgID).Scan(&last)
		if err != nil {
			return nil, fmt.Errorf("freshness query for %s failed: %w", ft.entity, err)
		}
		out = append(out, EntityFreshness{
			Entity:       ft.entity,
			LastSyncedAt: last,
			Stale:        last == nil || now.Sub(*last) > r.threshold,
		})
	}
	return out, nil
}
