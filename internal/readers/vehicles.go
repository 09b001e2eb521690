package readers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetlake/fleetlake/internal/datalake"
)

// VehiclesReader queries mirrored vehicles including their computed
// fuel statistics.
type VehiclesReader struct {
	pool *pgxpool.Pool
}

// NewVehiclesReader creates a vehicles reader.
func NewVehiclesReader(pool *pgxpool.Pool) *VehiclesReader {
	return &VehiclesReader{pool: pool}
}

const vehicleColumns = `
	license_plate, vehicle_id, vin, brand, model, vehicle_type, fuel_type,
	tank_capacity, linked_cards, stats, raw_data,
	organization_id, connection_id, synced_at, sync_version, checksum`

func scanVehicle(row pgx.Row) (datalake.Vehicle, error) {
	var (
		v        datalake.Vehicle
		statsRaw []byte
	)
	err := row.Scan(
		&v.LicensePlate, &v.VehicleID, &v.VIN, &v.Brand, &v.Model, &v.Type,
		&v.FuelType, &v.TankCapacity, &v.LinkedCards, &statsRaw, &v.RawData,
		&v.OrganizationID, &v.ConnectionID, &v.SyncedAt, &v.SyncVersion, &v.Checksum,
	)
	if err != nil {
		return v, err
	}
	if len(statsRaw) > 0 {
		if err := json.Unmarshal(statsRaw, &v.Stats); err != nil {
			return v, fmt.Errorf("failed to decode vehicle stats: %w", err)
		}
	}
	return v, nil
}

// ByPlate returns the vehicle with the given license plate.
func (r *VehiclesReader) ByPlate(ctx context.Context, orgID, plate string) (*datalake.Vehicle, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles
		 WHERE organization_id = $1 AND license_plate = $2 AND deleted_at IS NULL`,
		orgID, plate)
	v, err := scanVehicle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vehicle lookup failed: %w", err)
	}
	return &v, nil
}

// List returns vehicles ordered by plate, stats included.
func (r *VehiclesReader) List(ctx context.Context, orgID string, page Page) ([]datalake.Vehicle, error) {
	page = page.normalize()
	rows, err := r.pool.Query(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles
		 WHERE organization_id = $1 AND deleted_at IS NULL
		 ORDER BY license_plate LIMIT $2 OFFSET $3`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("vehicle query failed: %w", err)
	}
	defer rows.Close()

	var out []datalake.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vehicle: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
