package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetlake/fleetlake/internal/connector"
	"github.com/fleetlake/fleetlake/internal/datalake"
	"github.com/fleetlake/fleetlake/internal/status"
)

// Entity syncers share one shape: fetch from the connector under a
// bounded context, bulk upsert, then record the per-entity outcome. A
// failing entity never aborts its siblings within a pass; the pass as a
// whole reports failure when any entity failed.

// connectorCtx bounds one connector call so a hung remote cannot hold
// the single-flight lock indefinitely.
func (s *defaultScheduler) connectorCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.settings.connectorTimeout)
}

// inBackoff reports whether a scheduled sync should skip the entity
// because of consecutive failures. The wait doubles per failure and is
// capped at the periodic interval. Manual syncs bypass this entirely.
func (s *defaultScheduler) inBackoff(es status.EntityState) bool {
	base := s.settings.errorBackoffBase
	if base <= 0 || es.ConsecutiveErrors == 0 || es.LastErrorAt == nil {
		return false
	}
	wait := base << (es.ConsecutiveErrors - 1)
	if wait > s.settings.periodicInterval || wait <= 0 {
		wait = s.settings.periodicInterval
	}
	return s.clock().Before(es.LastErrorAt.Add(wait))
}

func (s *defaultScheduler) skipForBackoff(ctx context.Context, entity string, manual bool) (bool, error) {
	if manual {
		return false, nil
	}
	st, err := s.stateSvc.Get(ctx, s.orgID, s.connID)
	if err != nil {
		return false, err
	}
	if s.inBackoff(st.Entity(entity)) {
		s.logger.Info("entity in error backoff, skipping", "entity", entity,
			"consecutive_errors", st.Entity(entity).ConsecutiveErrors)
		return true, nil
	}
	return false, nil
}

func (s *defaultScheduler) recordEntitySuccess(ctx context.Context, entity string, count int64, duration time.Duration) {
	now := s.clock()
	err := s.stateSvc.UpdateEntity(ctx, s.orgID, s.connID, entity, func(es *status.EntityState) {
		es.LastSyncAt = &now
		es.LastSyncCount = count
		es.LastSyncDuration = duration
		es.TotalSynced += count
		es.ConsecutiveErrors = 0
		es.LastError = ""
		es.LastErrorAt = nil
	})
	if err != nil {
		s.logger.Error("failed to record entity outcome", "entity", entity, "error", err)
	}
	s.metrics.RecordRecords(ctx, entity, count)
}

func (s *defaultScheduler) recordEntityFailure(ctx context.Context, kind status.SyncKind, entity string, syncErr error) {
	now := s.clock()
	err := s.stateSvc.UpdateEntity(ctx, s.orgID, s.connID, entity, func(es *status.EntityState) {
		es.LastError = syncErr.Error()
		es.LastErrorAt = &now
		es.ConsecutiveErrors++
	})
	if err != nil {
		s.logger.Error("failed to record entity failure", "entity", entity, "error", err)
	}
	if err := s.stateSvc.RecordError(ctx, s.orgID, s.connID, status.ErrorEntry{
		Timestamp: now,
		SyncType:  kind,
		Entity:    entity,
		Error:     syncErr.Error(),
	}); err != nil {
		s.logger.Error("failed to push error history", "entity", entity, "error", err)
	}
	s.metrics.RecordEntityError(ctx, string(kind), entity)
}

func (s *defaultScheduler) syncCards(ctx context.Context, kind status.SyncKind, manual bool) (int64, error) {
	if skip, err := s.skipForBackoff(ctx, status.EntityCards, manual); skip || err != nil {
		return 0, err
	}
	start := s.clock()

	cctx, cancel := s.connectorCtx(ctx)
	defer cancel()
	cards, err := s.connector.GetAllCardsWithPagination(cctx)
	if err != nil {
		err = fmt.Errorf("cards: %w", err)
		s.recordEntityFailure(ctx, kind, status.EntityCards, err)
		return 0, err
	}

	res, err := s.writer.UpsertCards(ctx, s.orgID, s.connID, cards)
	if err != nil {
		err = fmt.Errorf("cards: %w", err)
		s.recordEntityFailure(ctx, kind, status.EntityCards, err)
		return 0, err
	}

	s.recordEntitySuccess(ctx, status.EntityCards, res.Total(), s.clock().Sub(start))
	s.logger.Info("synced cards", "inserted", res.Inserted, "updated", res.Updated)
	return res.Total(), nil
}

func (s *defaultScheduler) syncTransactions(ctx context.Context, kind status.SyncKind, manual bool) (int64, error) {
	if skip, err := s.skipForBackoff(ctx, status.EntityTransactions, manual); skip || err != nil {
		return 0, err
	}
	start := s.clock()

	cctx, cancel := s.connectorCtx(ctx)
	defer cancel()
	txs, err := s.connector.GetAllTransactionsWithPagination(cctx, s.settings.transactionDaysBack)
	if err != nil {
		err = fmt.Errorf("transactions: %w", err)
		s.recordEntityFailure(ctx, kind, status.EntityTransactions, err)
		return 0, err
	}

	res, err := s.writer.UpsertTransactions(ctx, s.orgID, s.connID, txs)
	if err != nil {
		err = fmt.Errorf("transactions: %w", err)
		s.recordEntityFailure(ctx, kind, status.EntityTransactions, err)
		return 0, err
	}

	s.recordEntitySuccess(ctx, status.EntityTransactions, res.Total(), s.clock().Sub(start))
	s.logger.Info("synced transactions", "inserted", res.Inserted, "updated", res.Updated)
	return res.Total(), nil
}

func (s *defaultScheduler) syncTollPassages(ctx context.Context, kind status.SyncKind, manual bool) (int64, error) {
	if skip, err := s.skipForBackoff(ctx, status.EntityTollPassages, manual); skip || err != nil {
		return 0, err
	}
	start := s.clock()

	cctx, cancel := s.connectorCtx(ctx)
	defer cancel()
	passages, err := s.connector.GetTollPassages(cctx, s.settings.tollDaysBack)
	if err != nil {
		err = fmt.Errorf("toll passages: %w", err)
		s.recordEntityFailure(ctx, kind, status.EntityTollPassages, err)
		return 0, err
	}

	res, err := s.writer.UpsertTollPassages(ctx, s.orgID, s.connID, passages)
	if err != nil {
		err = fmt.Errorf("toll passages: %w", err)
		s.recordEntityFailure(ctx, kind, status.EntityTollPassages, err)
		return 0, err
	}

	s.recordEntitySuccess(ctx, status.EntityTollPassages, res.Total(), s.clock().Sub(start))
	s.logger.Info("synced toll passages", "inserted", res.Inserted, "updated", res.Updated)
	return res.Total(), nil
}

func (s *defaultScheduler) syncInvoices(ctx context.Context, kind status.SyncKind, manual bool) (int64, error) {
	if skip, err := s.skipForBackoff(ctx, status.EntityInvoices, manual); skip || err != nil {
		return 0, err
	}
	start := s.clock()

	cctx, cancel := s.connectorCtx(ctx)
	defer cancel()
	invoices, err := s.connector.GetInvoices(cctx)
	if err != nil {
		err = fmt.Errorf("invoices: %w", err)
		s.recordEntityFailure(ctx, kind, status.EntityInvoices, err)
		return 0, err
	}

	res, err := s.writer.UpsertInvoices(ctx, s.orgID, s.connID, invoices)
	if err != nil {
		err = fmt.Errorf("invoices: %w", err)
		s.recordEntityFailure(ctx, kind, status.EntityInvoices, err)
		return 0, err
	}

	s.recordEntitySuccess(ctx, status.EntityInvoices, res.Total(), s.clock().Sub(start))
	s.logger.Info("synced invoices", "inserted", res.Inserted, "updated", res.Updated)
	return res.Total(), nil
}

// runIncremental pulls only the recent transaction window.
func (s *defaultScheduler) runIncremental(ctx context.Context, manual bool) error {
	if skip, err := s.skipForBackoff(ctx, status.EntityTransactions, manual); skip || err != nil {
		return err
	}
	start := s.clock()

	cctx, cancel := s.connectorCtx(ctx)
	defer cancel()
	txs, err := s.connector.GetRecentTransactions(cctx, s.settings.incrementalDaysBack)
	if err != nil {
		err = fmt.Errorf("transactions: %w", err)
		s.recordEntityFailure(ctx, status.SyncKindIncremental, status.EntityTransactions, err)
		return err
	}

	res, err := s.writer.UpsertTransactions(ctx, s.orgID, s.connID, txs)
	if err != nil {
		err = fmt.Errorf("transactions: %w", err)
		s.recordEntityFailure(ctx, status.SyncKindIncremental, status.EntityTransactions, err)
		return err
	}

	s.recordEntitySuccess(ctx, status.EntityTransactions, res.Total(), s.clock().Sub(start))
	s.logger.Info("incremental sync wrote transactions", "inserted", res.Inserted, "updated", res.Updated)
	return nil
}

// runPeriodic refreshes cards, the full transaction window, toll
// passages and invoices sequentially, with a fixed delay between kinds.
func (s *defaultScheduler) runPeriodic(ctx context.Context, manual bool) error {
	steps := []func(context.Context, status.SyncKind, bool) (int64, error){
		s.syncCards,
		s.syncTransactions,
		s.syncTollPassages,
		s.syncInvoices,
	}

	var errs []error
	for i, step := range steps {
		if i > 0 {
			select {
			case <-time.After(s.settings.interEntityDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := step(ctx, status.SyncKindPeriodic, manual); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runFull pulls every entity kind in one connector pass, mirrors it,
// links vehicles to their cards, recomputes vehicle stats and refreshes
// the per-entity counts.
func (s *defaultScheduler) runFull(ctx context.Context) error {
	cctx, cancel := s.connectorCtx(ctx)
	defer cancel()
	result, err := s.connector.FullSync(cctx, s.fullSyncOptions())
	if err != nil {
		return fmt.Errorf("full sync fetch: %w", err)
	}

	var errs []error
	failed := make(map[string]bool, len(result.Errors))
	for _, entityErr := range result.Errors {
		failed[entityErr.Entity] = true
		err := fmt.Errorf("%s: %s", entityErr.Entity, entityErr.Error)
		errs = append(errs, err)
		s.recordEntityFailure(ctx, status.SyncKindFull, entityErr.Entity, err)
	}

	start := s.clock()

	if !failed[status.EntityCards] {
		if res, err := s.writer.UpsertCards(ctx, s.orgID, s.connID, result.Cards); err != nil {
			errs = append(errs, fmt.Errorf("cards: %w", err))
			s.recordEntityFailure(ctx, status.SyncKindFull, status.EntityCards, err)
		} else {
			s.recordEntitySuccess(ctx, status.EntityCards, res.Total(), s.clock().Sub(start))
		}
	}

	if !failed[status.EntityTransactions] {
		if res, err := s.writer.UpsertTransactions(ctx, s.orgID, s.connID, result.Transactions); err != nil {
			errs = append(errs, fmt.Errorf("transactions: %w", err))
			s.recordEntityFailure(ctx, status.SyncKindFull, status.EntityTransactions, err)
		} else {
			s.recordEntitySuccess(ctx, status.EntityTransactions, res.Total(), s.clock().Sub(start))
		}
	}

	if !failed[status.EntityTollPassages] {
		if res, err := s.writer.UpsertTollPassages(ctx, s.orgID, s.connID, result.TollPassages); err != nil {
			errs = append(errs, fmt.Errorf("toll passages: %w", err))
			s.recordEntityFailure(ctx, status.SyncKindFull, status.EntityTollPassages, err)
		} else {
			s.recordEntitySuccess(ctx, status.EntityTollPassages, res.Total(), s.clock().Sub(start))
		}
	}

	if !failed[status.EntityInvoices] {
		if res, err := s.writer.UpsertInvoices(ctx, s.orgID, s.connID, result.Invoices); err != nil {
			errs = append(errs, fmt.Errorf("invoices: %w", err))
			s.recordEntityFailure(ctx, status.SyncKindFull, status.EntityInvoices, err)
		} else {
			s.recordEntitySuccess(ctx, status.EntityInvoices, res.Total(), s.clock().Sub(start))
		}
	}

	if !failed[status.EntityVehicles] {
		vehicles := linkVehicles(result.Vehicles, result.Cards)
		if res, err := s.writer.UpsertVehicles(ctx, s.orgID, s.connID, vehicles); err != nil {
			errs = append(errs, fmt.Errorf("vehicles: %w", err))
			s.recordEntityFailure(ctx, status.SyncKindFull, status.EntityVehicles, err)
		} else {
			s.recordEntitySuccess(ctx, status.EntityVehicles, res.Total(), s.clock().Sub(start))
		}
	}

	if touched, err := s.writer.AggregateVehicleStats(ctx, s.orgID, s.connID); err != nil {
		errs = append(errs, fmt.Errorf("vehicle stats: %w", err))
	} else {
		s.logger.Info("recomputed vehicle stats", "vehicles", touched)
	}

	if counts, err := s.writer.Counts(ctx, s.orgID, s.connID); err != nil {
		errs = append(errs, fmt.Errorf("refresh counts: %w", err))
	} else if err := s.stateSvc.UpdateCounts(ctx, s.orgID, s.connID, counts); err != nil {
		errs = append(errs, fmt.Errorf("persist counts: %w", err))
	}

	return errors.Join(errs...)
}

func (s *defaultScheduler) fullSyncOptions() connector.FullSyncOptions {
	return connector.FullSyncOptions{
		TransactionDaysBack: s.settings.transactionDaysBack,
		TollDaysBack:        s.settings.tollDaysBack,
	}
}

// linkVehicles attaches card numbers to their vehicles by plate and
// creates a vehicle entry for every card plate the provider has no
// master data record for.
func linkVehicles(vehicles []datalake.Vehicle, cards []datalake.Card) []datalake.Vehicle {
	byPlate := make(map[string][]string)
	for _, c := range cards {
		if c.VehiclePlate != "" && c.CardNumber != "" {
			byPlate[c.VehiclePlate] = append(byPlate[c.VehiclePlate], c.CardNumber)
		}
	}

	out := make([]datalake.Vehicle, 0, len(vehicles))
	seen := make(map[string]bool, len(vehicles))
	for _, v := range vehicles {
		if v.LicensePlate == "" {
			continue
		}
		v.LinkedCards = byPlate[v.LicensePlate]
		seen[v.LicensePlate] = true
		out = append(out, v)
	}
	for plate, numbers := range byPlate {
		if !seen[plate] {
			out = append(out, datalake.Vehicle{LicensePlate: plate, LinkedCards: numbers})
		}
	}
	return out
}
