package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetlake/fleetlake/internal/datalake"
	"github.com/fleetlake/fleetlake/internal/status"
)

type dbWriter struct {
	pool *pgxpool.Pool
}

// NewDBWriter creates a Postgres-backed writer.
func NewDBWriter(pool *pgxpool.Pool) Service {
	return &dbWriter{pool: pool}
}

// upsertEach runs the upsert statement once per record on a single
// pooled connection, outside any shared transaction. Each statement
// returns one (xmax = 0) row distinguishing an insert from an update.
// A failing record is collected and the remaining records still run,
// so one bad record cannot roll back its siblings.
func (w *dbWriter) upsertEach(ctx context.Context, entity, sql string, n int, args func(i int) []any) (Result, error) {
	var res Result
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to acquire connection for %s upsert: %w", entity, err)
	}
	defer conn.Release()

	var errs []error
	for i := 0; i < n; i++ {
		var inserted bool
		if err := conn.QueryRow(ctx, sql, args(i)...).Scan(&inserted); err != nil {
			errs = append(errs, fmt.Errorf("%s upsert %d of %d: %w", entity, i+1, n, err))
			continue
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return res, errors.Join(errs...)
}

func (w *dbWriter) UpsertCards(ctx context.Context, orgID, connID string, batch []datalake.Card) (Result, error) {
	batch = dedupeByKey(batch, func(c *datalake.Card) string { return c.CardNumber })
	if len(batch) == 0 {
		return Result{}, nil
	}
	now := time.Now()
	const q = `
			INSERT INTO cards (
				organization_id, connection_id, card_number, card_type, status,
				embossed_name, vehicle_plate, driver_name, expiry_date, issue_date,
				daily_limit, monthly_limit, raw_data, synced_at, checksum
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (organization_id, card_number) DO UPDATE SET
				connection_id = EXCLUDED.connection_id,
				card_type = EXCLUDED.card_type,
				status = EXCLUDED.status,
				embossed_name = EXCLUDED.embossed_name,
				vehicle_plate = EXCLUDED.vehicle_plate,
				driver_name = EXCLUDED.driver_name,
				expiry_date = EXCLUDED.expiry_date,
				issue_date = EXCLUDED.issue_date,
				daily_limit = EXCLUDED.daily_limit,
				monthly_limit = EXCLUDED.monthly_limit,
				raw_data = EXCLUDED.raw_data,
				synced_at = EXCLUDED.synced_at,
				sync_version = cards.sync_version + 1,
				checksum = EXCLUDED.checksum,
				deleted_at = NULL
			RETURNING (xmax = 0)`
	return w.upsertEach(ctx, "cards", q, len(batch), func(i int) []any {
		c := &batch[i]
		return []any{
			orgID, connID, c.CardNumber, c.CardType, c.Status,
			c.EmbossedName, c.VehiclePlate, c.DriverName, c.ExpiryDate, c.IssueDate,
			c.DailyLimit, c.MonthlyLimit, c.RawData, now, c.ChecksumFields(),
		}
	})
}

func (w *dbWriter) UpsertTransactions(ctx context.Context, orgID, connID string, batch []datalake.Transaction) (Result, error) {
	batch = dedupeByKey(batch, func(t *datalake.Transaction) string { return t.TransactionID })
	if len(batch) == 0 {
		return Result{}, nil
	}
	now := time.Now()
	const q = `
			INSERT INTO transactions (
				organization_id, connection_id, transaction_id, card_number, ts,
				station_id, station_name, station_address, station_city, station_country,
				latitude, longitude, product_code, product_name, quantity, unit_of_measure,
				unit_price, gross_amount, net_amount, vat_amount, currency,
				vehicle_plate, driver_name, odometer, invoice_number, billed,
				raw_data, synced_at, checksum
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,
				$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)
			ON CONFLICT (organization_id, transaction_id) DO UPDATE SET
				connection_id = EXCLUDED.connection_id,
				card_number = EXCLUDED.card_number,
				ts = EXCLUDED.ts,
				station_id = EXCLUDED.station_id,
				station_name = EXCLUDED.station_name,
				station_address = EXCLUDED.station_address,
				station_city = EXCLUDED.station_city,
				station_country = EXCLUDED.station_country,
				latitude = EXCLUDED.latitude,
				longitude = EXCLUDED.longitude,
				product_code = EXCLUDED.product_code,
				product_name = EXCLUDED.product_name,
				quantity = EXCLUDED.quantity,
				unit_of_measure = EXCLUDED.unit_of_measure,
				unit_price = EXCLUDED.unit_price,
				gross_amount = EXCLUDED.gross_amount,
				net_amount = EXCLUDED.net_amount,
				vat_amount = EXCLUDED.vat_amount,
				currency = EXCLUDED.currency,
				vehicle_plate = EXCLUDED.vehicle_plate,
				driver_name = EXCLUDED.driver_name,
				odometer = EXCLUDED.odometer,
				invoice_number = EXCLUDED.invoice_number,
				billed = EXCLUDED.billed,
				raw_data = EXCLUDED.raw_data,
				synced_at = EXCLUDED.synced_at,
				sync_version = transactions.sync_version + 1,
				checksum = EXCLUDED.checksum,
				deleted_at = NULL
			RETURNING (xmax = 0)`
	return w.upsertEach(ctx, "transactions", q, len(batch), func(i int) []any {
		t := &batch[i]
		return []any{
			orgID, connID, t.TransactionID, t.CardNumber, t.Timestamp,
			t.StationID, t.StationName, t.StationAddress, t.StationCity, t.StationCountry,
			t.Latitude, t.Longitude, t.ProductCode, t.ProductName, t.Quantity, t.UnitOfMeasure,
			t.UnitPrice, t.GrossAmount, t.NetAmount, t.VATAmount, t.Currency,
			t.VehiclePlate, t.DriverName, t.Odometer, t.InvoiceNumber, t.Billed,
			t.RawData, now, t.ChecksumFields(),
		}
	})
}

func (w *dbWriter) UpsertTollPassages(ctx context.Context, orgID, connID string, batch []datalake.TollPassage) (Result, error) {
	batch = dedupeByKey(batch, func(p *datalake.TollPassage) string { return p.PassageID })
	if len(batch) == 0 {
		return Result{}, nil
	}
	now := time.Now()
	const q = `
			INSERT INTO toll_passages (
				organization_id, connection_id, passage_id, box_id, vehicle_plate, ts,
				toll_station, entry_point, exit_point, country, road_name,
				amount, currency, invoice_number, billed, raw_data, synced_at, checksum
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			ON CONFLICT (organization_id, passage_id) DO UPDATE SET
				connection_id = EXCLUDED.connection_id,
				box_id = EXCLUDED.box_id,
				vehicle_plate = EXCLUDED.vehicle_plate,
				ts = EXCLUDED.ts,
				toll_station = EXCLUDED.toll_station,
				entry_point = EXCLUDED.entry_point,
				exit_point = EXCLUDED.exit_point,
				country = EXCLUDED.country,
				road_name = EXCLUDED.road_name,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				invoice_number = EXCLUDED.invoice_number,
				billed = EXCLUDED.billed,
				raw_data = EXCLUDED.raw_data,
				synced_at = EXCLUDED.synced_at,
				sync_version = toll_passages.sync_version + 1,
				checksum = EXCLUDED.checksum,
				deleted_at = NULL
			RETURNING (xmax = 0)`
	return w.upsertEach(ctx, "toll passages", q, len(batch), func(i int) []any {
		p := &batch[i]
		return []any{
			orgID, connID, p.PassageID, p.BoxID, p.VehiclePlate, p.Timestamp,
			p.TollStation, p.EntryPoint, p.ExitPoint, p.Country, p.RoadName,
			p.Amount, p.Currency, p.InvoiceNumber, p.Billed, p.RawData, now, p.ChecksumFields(),
		}
	})
}

func (w *dbWriter) UpsertInvoices(ctx context.Context, orgID, connID string, batch []datalake.Invoice) (Result, error) {
	batch = dedupeByKey(batch, func(inv *datalake.Invoice) string { return inv.InvoiceNumber })
	if len(batch) == 0 {
		return Result{}, nil
	}
	now := time.Now()
	const q = `
			INSERT INTO invoices (
				organization_id, connection_id, invoice_number, invoice_date, due_date,
				period_from, period_to, total_amount, net_amount, vat_amount,
				currency, status, pdf_url, raw_data, synced_at, checksum
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (organization_id, invoice_number) DO UPDATE SET
				connection_id = EXCLUDED.connection_id,
				invoice_date = EXCLUDED.invoice_date,
				due_date = EXCLUDED.due_date,
				period_from = EXCLUDED.period_from,
				period_to = EXCLUDED.period_to,
				total_amount = EXCLUDED.total_amount,
				net_amount = EXCLUDED.net_amount,
				vat_amount = EXCLUDED.vat_amount,
				currency = EXCLUDED.currency,
				status = EXCLUDED.status,
				pdf_url = EXCLUDED.pdf_url,
				raw_data = EXCLUDED.raw_data,
				synced_at = EXCLUDED.synced_at,
				sync_version = invoices.sync_version + 1,
				checksum = EXCLUDED.checksum,
				deleted_at = NULL
			RETURNING (xmax = 0)`
	return w.upsertEach(ctx, "invoices", q, len(batch), func(i int) []any {
		inv := &batch[i]
		return []any{
			orgID, connID, inv.InvoiceNumber, inv.InvoiceDate, inv.DueDate,
			inv.PeriodFrom, inv.PeriodTo, inv.TotalAmount, inv.NetAmount, inv.VATAmount,
			inv.Currency, inv.Status, inv.PDFURL, inv.RawData, now, inv.ChecksumFields(),
		}
	})
}

func (w *dbWriter) UpsertVehicles(ctx context.Context, orgID, connID string, batch []datalake.Vehicle) (Result, error) {
	batch = dedupeByKey(batch, func(v *datalake.Vehicle) string { return v.LicensePlate })
	if len(batch) == 0 {
		return Result{}, nil
	}
	now := time.Now()
	const q = `
			INSERT INTO vehicles (
				organization_id, connection_id, license_plate, vehicle_id, vin,
				brand, model, vehicle_type, fuel_type, tank_capacity,
				linked_cards, raw_data, synced_at, checksum
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (organization_id, license_plate) DO UPDATE SET
				connection_id = EXCLUDED.connection_id,
				vehicle_id = EXCLUDED.vehicle_id,
				vin = EXCLUDED.vin,
				brand = EXCLUDED.brand,
				model = EXCLUDED.model,
				vehicle_type = EXCLUDED.vehicle_type,
				fuel_type = EXCLUDED.fuel_type,
				tank_capacity = EXCLUDED.tank_capacity,
				linked_cards = EXCLUDED.linked_cards,
				raw_data = EXCLUDED.raw_data,
				synced_at = EXCLUDED.synced_at,
				sync_version = vehicles.sync_version + 1,
				checksum = EXCLUDED.checksum,
				deleted_at = NULL
			RETURNING (xmax = 0)`
	return w.upsertEach(ctx, "vehicles", q, len(batch), func(i int) []any {
		v := &batch[i]
		linked := v.LinkedCards
		if linked == nil {
			linked = []string{}
		}
		return []any{
			orgID, connID, v.LicensePlate, v.VehicleID, v.VIN,
			v.Brand, v.Model, v.Type, v.FuelType, v.TankCapacity,
			linked, v.RawData, now, v.ChecksumFields(),
		}
	})
}

// AggregateVehicleStats recomputes vehicle roll-ups from the mirrored
// transactions in one statement. Plates seen only in transactions get a
// bare vehicle row.
func (w *dbWriter) AggregateVehicleStats(ctx context.Context, orgID, connID string) (int64, error) {
	tag, err := w.pool.Exec(ctx, `
		WITH per_vehicle AS (
			SELECT vehicle_plate,
			       COALESCE(SUM(quantity), 0)     AS total_fuel_liters,
			       COALESCE(SUM(gross_amount), 0) AS total_fuel_cost,
			       COUNT(*)                       AS transaction_count,
			       MAX(ts)                        AS last_refuel_date,
			       COALESCE(MAX(odometer), 0)     AS last_odometer
			FROM transactions
			WHERE organization_id = $1 AND connection_id = $2
			  AND vehicle_plate IS NOT NULL AND vehicle_plate <> ''
			  AND deleted_at IS NULL
			GROUP BY vehicle_plate
		),
		latest AS (
			SELECT DISTINCT ON (vehicle_plate) vehicle_plate, COALESCE(quantity, 0) AS last_refuel_liters
			FROM transactions
			WHERE organization_id = $1 AND connection_id = $2
			  AND vehicle_plate IS NOT NULL AND vehicle_plate <> ''
			  AND deleted_at IS NULL
			ORDER BY vehicle_plate, ts DESC NULLS LAST
		)
		INSERT INTO vehicles (organization_id, connection_id, license_plate, stats, synced_at)
		SELECT $1, $2, pv.vehicle_plate,
		       jsonb_build_object(
		           'totalFuelLiters',  pv.total_fuel_liters,
		           'totalFuelCost',    pv.total_fuel_cost,
		           'transactionCount', pv.transaction_count,
		           'lastRefuelDate',   pv.last_refuel_date,
		           'lastRefuelLiters', l.last_refuel_liters,
		           'lastOdometer',     pv.last_odometer
		       ),
		       now()
		FROM per_vehicle pv
		JOIN latest l USING (vehicle_plate)
		ON CONFLICT (organization_id, license_plate) DO UPDATE SET
			stats = EXCLUDED.stats,
			synced_at = EXCLUDED.synced_at`,
		orgID, connID)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate vehicle stats: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (w *dbWriter) Counts(ctx context.Context, orgID, connID string) (map[string]int64, error) {
	tables := map[string]string{
		status.EntityCards:        "cards",
		status.EntityTransactions: "transactions",
		status.EntityTollPassages: "toll_passages",
		status.EntityInvoices:     "invoices",
		status.EntityVehicles:     "vehicles",
	}
	counts := make(map[string]int64, len(tables))
	for entity, table := range tables {
		var n int64
		err := w.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM `+table+` WHERE organization_id = $1 AND connection_id = $2 AND deleted_at IS NULL`,
			orgID, connID).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", entity, err)
		}
		counts[entity] = n
	}
	return counts, nil
}
