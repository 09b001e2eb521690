package readers

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetlake/fleetlake/internal/datalake"
)

// TransactionsReader queries mirrored purchase transactions.
type TransactionsReader struct {
	pool *pgxpool.Pool
}

// NewTransactionsReader creates a transactions reader.
func NewTransactionsReader(pool *pgxpool.Pool) *TransactionsReader {
	return &TransactionsReader{pool: pool}
}

const transactionColumns = `
	transaction_id, card_number, ts, station_id, station_name, station_address,
	station_city, station_country, latitude, longitude, product_code, product_name,
	quantity, unit_of_measure, unit_price, gross_amount, net_amount, vat_amount,
	currency, vehicle_plate, driver_name, odometer, invoice_number, billed,
	raw_data, organization_id, connection_id, synced_at, sync_version, checksum`

func scanTransaction(row pgx.Row) (datalake.Transaction, error) {
	var t datalake.Transaction
	err := row.Scan(
		&t.TransactionID, &t.CardNumber, &t.Timestamp, &t.StationID, &t.StationName,
		&t.StationAddress, &t.StationCity, &t.StationCountry, &t.Latitude, &t.Longitude,
		&t.ProductCode, &t.ProductName, &t.Quantity, &t.UnitOfMeasure, &t.UnitPrice,
		&t.GrossAmount, &t.NetAmount, &t.VATAmount, &t.Currency, &t.VehiclePlate,
		&t.DriverName, &t.Odometer, &t.InvoiceNumber, &t.Billed, &t.RawData,
		&t.OrganizationID, &t.ConnectionID, &t.SyncedAt, &t.SyncVersion, &t.Checksum,
	)
	return t, err
}

// query runs a filtered transaction query. Filters are appended as
// additional AND clauses with positional arguments.
func (r *TransactionsReader) query(ctx context.Context, orgID string, page Page, extra string, args ...any) ([]datalake.Transaction, error) {
	page = page.normalize()

	q := fmt.Sprintf(`SELECT %s FROM transactions WHERE organization_id = $1 AND deleted_at IS NULL`, transactionColumns)
	allArgs := append([]any{orgID}, args...)
	if extra != "" {
		q += " AND " + extra
	}
	q += fmt.Sprintf(" ORDER BY ts DESC NULLS LAST LIMIT %d OFFSET %d", page.Limit, page.Offset)

	rows, err := r.pool.Query(ctx, q, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("transaction query failed: %w", err)
	}
	defer rows.Close()

	var out []datalake.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// List returns transactions ordered by timestamp, newest first.
func (r *TransactionsReader) List(ctx context.Context, orgID string, page Page) ([]datalake.Transaction, error) {
	return r.query(ctx, orgID, page, "")
}

// ByCard returns transactions for one card number.
func (r *TransactionsReader) ByCard(ctx context.Context, orgID, cardNumber string, page Page) ([]datalake.Transaction, error) {
	return r.query(ctx, orgID, page, "card_number = $2", cardNumber)
}

// ByVehicle returns transactions for one vehicle plate.
func (r *TransactionsReader) ByVehicle(ctx context.Context, orgID, plate string, page Page) ([]datalake.Transaction, error) {
	return r.query(ctx, orgID, page, "vehicle_plate = $2", plate)
}

// ByDateRange returns transactions within the window.
func (r *TransactionsReader) ByDateRange(ctx context.Context, orgID string, dr DateRange, page Page) ([]datalake.Transaction, error) {
	switch {
	case !dr.From.IsZero() && !dr.To.IsZero():
		return r.query(ctx, orgID, page, "ts >= $2 AND ts <= $3", dr.From, dr.To)
	case !dr.From.IsZero():
		return r.query(ctx, orgID, page, "ts >= $2", dr.From)
	case !dr.To.IsZero():
		return r.query(ctx, orgID, page, "ts <= $2", dr.To)
	default:
		return r.query(ctx, orgID, page, "")
	}
}

// ByCountry returns transactions from stations in the country code.
func (r *TransactionsReader) ByCountry(ctx context.Context, orgID, country string, page Page) ([]datalake.Transaction, error) {
	return r.query(ctx, orgID, page, "station_country = $2", strings.ToUpper(country))
}

// Unbilled returns transactions not yet attached to an invoice.
func (r *TransactionsReader) Unbilled(ctx context.Context, orgID string, page Page) ([]datalake.Transaction, error) {
	return r.query(ctx, orgID, page, "billed = FALSE")
}

// ByInvoice returns transactions billed on one invoice.
func (r *TransactionsReader) ByInvoice(ctx context.Context, orgID, invoiceNumber string, page Page) ([]datalake.Transaction, error) {
	return r.query(ctx, orgID, page, "invoice_number = $2", invoiceNumber)
}

// SearchStation returns transactions whose station name or city matches
// the free-text term.
func (r *TransactionsReader) SearchStation(ctx context.Context, orgID, term string, page Page) ([]datalake.Transaction, error) {
	pattern := "%" + term + "%"
	return r.query(ctx, orgID, page, "(station_name ILIKE $2 OR station_city ILIKE $2)", pattern)
}
