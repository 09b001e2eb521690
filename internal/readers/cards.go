package readers

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetlake/fleetlake/internal/datalake"
)

// ErrNotFound is returned when a single-record lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// CardsReader queries mirrored fuel cards.
type CardsReader struct {
	pool *pgxpool.Pool
}

// NewCardsReader creates a cards reader.
func NewCardsReader(pool *pgxpool.Pool) *CardsReader {
	return &CardsReader{pool: pool}
}

const cardColumns = `
	card_number, card_type, status, embossed_name, vehicle_plate, driver_name,
	expiry_date, issue_date, daily_limit, monthly_limit, raw_data,
	organization_id, connection_id, synced_at, sync_version, checksum`

func scanCard(row pgx.Row) (datalake.Card, error) {
	var c datalake.Card
	err := row.Scan(
		&c.CardNumber, &c.CardType, &c.Status, &c.EmbossedName, &c.VehiclePlate,
		&c.DriverName, &c.ExpiryDate, &c.IssueDate, &c.DailyLimit, &c.MonthlyLimit,
		&c.RawData, &c.OrganizationID, &c.ConnectionID, &c.SyncedAt, &c.SyncVersion, &c.Checksum,
	)
	return c, err
}

// ByNumber returns the card with the given number.
func (r *CardsReader) ByNumber(ctx context.Context, orgID, cardNumber string) (*datalake.Card, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE organization_id = $1 AND card_number = $2 AND deleted_at IS NULL`,
		orgID, cardNumber)
	c, err := scanCard(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("card lookup failed: %w", err)
	}
	return &c, nil
}

// List returns cards ordered by card number.
func (r *CardsReader) List(ctx context.Context, orgID string, page Page) ([]datalake.Card, error) {
	page = page.normalize()
	rows, err := r.pool.Query(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE organization_id = $1 AND deleted_at IS NULL
		 ORDER BY card_number LIMIT $2 OFFSET $3`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("card query failed: %w", err)
	}
	defer rows.Close()

	var out []datalake.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Search returns cards matching the term against number, embossed name,
// plate or driver.
func (r *CardsReader) Search(ctx context.Context, orgID, term string, page Page) ([]datalake.Card, error) {
	page = page.normalize()
	pattern := "%" + term + "%"
	rows, err := r.pool.Query(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE organization_id = $1 AND deleted_at IS NULL
		   AND (card_number ILIKE $2 OR embossed_name ILIKE $2
		        OR vehicle_plate ILIKE $2 OR driver_name ILIKE $2)
		 ORDER BY card_number LIMIT $3 OFFSET $4`,
		orgID, pattern, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("card search failed: %w", err)
	}
	defer rows.Close()

	var out []datalake.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
