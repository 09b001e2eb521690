// Package writer persists normalized data lake records into the local
// mirror using bulk upserts keyed by each entity's natural key.
package writer

import (
	"context"

	"github.com/fleetlake/fleetlake/internal/datalake"
)

// Result reports the outcome of one bulk upsert.
type Result struct {
	Inserted int64 `json:"inserted"`
	Updated  int64 `json:"updated"`
}

// Total returns the number of records written.
func (r Result) Total() int64 {
	return r.Inserted + r.Updated
}

// dedupeByKey collapses records that repeat a natural key within one
// batch, keeping the last occurrence in first-seen order. Providers
// occasionally repeat a record across page boundaries, and an upsert
// must see each key at most once per pass.
func dedupeByKey[T any](batch []T, key func(*T) string) []T {
	if len(batch) < 2 {
		return batch
	}
	idx := make(map[string]int, len(batch))
	out := make([]T, 0, len(batch))
	for i := range batch {
		k := key(&batch[i])
		if j, ok := idx[k]; ok {
			out[j] = batch[i]
			continue
		}
		idx[k] = len(out)
		out = append(out, batch[i])
	}
	return out
}

// Service writes mirrored records. Upserts match on
// (organizationID, naturalKey); re-writing an identical batch leaves the
// business values untouched and refreshes the sync bookkeeping.
type Service interface {
	UpsertCards(ctx context.Context, orgID, connID string, batch []datalake.Card) (Result, error)
	UpsertTransactions(ctx context.Context, orgID, connID string, batch []datalake.Transaction) (Result, error)
	UpsertTollPassages(ctx context.Context, orgID, connID string, batch []datalake.TollPassage) (Result, error)
	UpsertInvoices(ctx context.Context, orgID, connID string, batch []datalake.Invoice) (Result, error)
	UpsertVehicles(ctx context.Context, orgID, connID string, batch []datalake.Vehicle) (Result, error)

	// AggregateVehicleStats recomputes per-vehicle roll-ups from the
	// mirrored transactions, creating bare vehicle rows for plates that
	// have transactions but no vehicle record. Returns the number of
	// vehicles touched.
	AggregateVehicleStats(ctx context.Context, orgID, connID string) (int64, error)

	// Counts returns the current mirrored record count per entity kind.
	Counts(ctx context.Context, orgID, connID string) (map[string]int64, error)
}
