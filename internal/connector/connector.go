// Package connector contains the integration with the remote
// fleet-management provider API. It owns all knowledge of the provider's
// protocol and record shapes; the sync engine only sees normalized
// datalake records.
package connector

import (
	"context"
	"time"

	"github.com/fleetlake/fleetlake/internal/datalake"
)

// Connector is the contract the sync engine depends on. Implementations
// must be safe for concurrent use.
//
// All fetch methods return normalized records; mapping from the raw
// provider representation happens inside the connector because schema
// knowledge belongs to the integration, not the engine.
type Connector interface {
	// GetAllCardsWithPagination fetches every fuel card, walking the
	// provider's pages until exhausted.
	GetAllCardsWithPagination(ctx context.Context) ([]datalake.Card, error)

	// GetRecentTransactions fetches transactions from the trailing
	// daysBack window without pagination.
	GetRecentTransactions(ctx context.Context, daysBack int) ([]datalake.Transaction, error)

	// GetAllTransactionsWithPagination fetches the full transaction
	// window, walking pages.
	GetAllTransactionsWithPagination(ctx context.Context, daysBack int) ([]datalake.Transaction, error)

	// GetTollPassages fetches toll passages for the trailing window.
	GetTollPassages(ctx context.Context, daysBack int) ([]datalake.TollPassage, error)

	// GetInvoices fetches invoices.
	GetInvoices(ctx context.Context) ([]datalake.Invoice, error)

	// FullSync fetches every entity kind in one pass. Failures of
	// individual entity kinds are collected in the result rather than
	// aborting the pass.
	FullSync(ctx context.Context, opts FullSyncOptions) (*FullSyncResult, error)

	// Stats returns connector-level request counters for diagnostics.
	Stats() Stats
}

// FullSyncOptions parameterizes a full sync pass.
type FullSyncOptions struct {
	// TransactionDaysBack is the trailing window for transactions.
	TransactionDaysBack int

	// TollDaysBack is the trailing window for toll passages.
	TollDaysBack int
}

// EntityError records the failure of one entity kind within a full sync.
type EntityError struct {
	Entity string `json:"entity"`
	Error  string `json:"error"`
}

// FullSyncResult aggregates every entity kind fetched by a full sync.
type FullSyncResult struct {
	Cards        []datalake.Card
	Transactions []datalake.Transaction
	TollPassages []datalake.TollPassage
	Invoices     []datalake.Invoice
	Vehicles     []datalake.Vehicle

	// Errors holds per-entity failures; the pass itself still succeeds.
	Errors []EntityError
}

// Stats holds connector request counters.
type Stats struct {
	TotalRequests      int64      `json:"totalRequests"`
	SuccessfulRequests int64      `json:"successfulRequests"`
	FailedRequests     int64      `json:"failedRequests"`
	TokenRefreshes     int64      `json:"tokenRefreshes"`
	LastRequestTime    *time.Time `json:"lastRequestTime,omitempty"`
}
