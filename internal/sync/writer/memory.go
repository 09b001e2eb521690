package writer

import (
	"context"
	"sync"
	"time"

	"github.com/fleetlake/fleetlake/internal/datalake"
	"github.com/fleetlake/fleetlake/internal/status"
)

// MemoryWriter mirrors the upsert semantics of the database writer in
// process memory. Used in tests and when running without a database.
type MemoryWriter struct {
	mu           sync.Mutex
	cards        map[recordKey]datalake.Card
	transactions map[recordKey]datalake.Transaction
	tollPassages map[recordKey]datalake.TollPassage
	invoices     map[recordKey]datalake.Invoice
	vehicles     map[recordKey]datalake.Vehicle
}

type recordKey struct {
	orgID      string
	naturalKey string
}

var _ Service = (*MemoryWriter)(nil)

// NewMemoryWriter creates an empty in-memory writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{
		cards:        make(map[recordKey]datalake.Card),
		transactions: make(map[recordKey]datalake.Transaction),
		tollPassages: make(map[recordKey]datalake.TollPassage),
		invoices:     make(map[recordKey]datalake.Invoice),
		vehicles:     make(map[recordKey]datalake.Vehicle),
	}
}

func stampMeta(meta *datalake.SyncMeta, orgID, connID, checksum string, prev *datalake.SyncMeta) {
	meta.OrganizationID = orgID
	meta.ConnectionID = connID
	meta.SyncedAt = time.Now()
	meta.Checksum = checksum
	if prev != nil {
		meta.SyncVersion = prev.SyncVersion + 1
	} else {
		meta.SyncVersion = 1
	}
}

func (m *MemoryWriter) UpsertCards(_ context.Context, orgID, connID string, batch []datalake.Card) (Result, error) {
	batch = dedupeByKey(batch, func(c *datalake.Card) string { return c.CardNumber })
	m.mu.Lock()
	defer m.mu.Unlock()
	var res Result
	for _, c := range batch {
		key := recordKey{orgID, c.CardNumber}
		if prev, ok := m.cards[key]; ok {
			stampMeta(&c.SyncMeta, orgID, connID, c.ChecksumFields(), &prev.SyncMeta)
			res.Updated++
		} else {
			stampMeta(&c.SyncMeta, orgID, connID, c.ChecksumFields(), nil)
			res.Inserted++
		}
		m.cards[key] = c
	}
	return res, nil
}

func (m *MemoryWriter) UpsertTransactions(_ context.Context, orgID, connID string, batch []datalake.Transaction) (Result, error) {
	batch = dedupeByKey(batch, func(t *datalake.Transaction) string { return t.TransactionID })
	m.mu.Lock()
	defer m.mu.Unlock()
	var res Result
	for _, t := range batch {
		key := recordKey{orgID, t.TransactionID}
		if prev, ok := m.transactions[key]; ok {
			stampMeta(&t.SyncMeta, orgID, connID, t.ChecksumFields(), &prev.SyncMeta)
			res.Updated++
		} else {
			stampMeta(&t.SyncMeta, orgID, connID, t.ChecksumFields(), nil)
			res.Inserted++
		}
		m.transactions[key] = t
	}
	return res, nil
}

func (m *MemoryWriter) UpsertTollPassages(_ context.Context, orgID, connID string, batch []datalake.TollPassage) (Result, error) {
	batch = dedupeByKey(batch, func(p *datalake.TollPassage) string { return p.PassageID })
	m.mu.Lock()
	defer m.mu.Unlock()
	var res Result
	for _, p := range batch {
		key := recordKey{orgID, p.PassageID}
		if prev, ok := m.tollPassages[key]; ok {
			stampMeta(&p.SyncMeta, orgID, connID, p.ChecksumFields(), &prev.SyncMeta)
			res.Updated++
		} else {
			stampMeta(&p.SyncMeta, orgID, connID, p.ChecksumFields(), nil)
			res.Inserted++
		}
		m.tollPassages[key] = p
	}
	return res, nil
}

func (m *MemoryWriter) UpsertInvoices(_ context.Context, orgID, connID string, batch []datalake.Invoice) (Result, error) {
	batch = dedupeByKey(batch, func(inv *datalake.Invoice) string { return inv.InvoiceNumber })
	m.mu.Lock()
	defer m.mu.Unlock()
	var res Result
	for _, inv := range batch {
		key := recordKey{orgID, inv.InvoiceNumber}
		if prev, ok := m.invoices[key]; ok {
			stampMeta(&inv.SyncMeta, orgID, connID, inv.ChecksumFields(), &prev.SyncMeta)
			res.Updated++
		} else {
			stampMeta(&inv.SyncMeta, orgID, connID, inv.ChecksumFields(), nil)
			res.Inserted++
		}
		m.invoices[key] = inv
	}
	return res, nil
}

func (m *MemoryWriter) UpsertVehicles(_ context.Context, orgID, connID string, batch []datalake.Vehicle) (Result, error) {
	batch = dedupeByKey(batch, func(v *datalake.Vehicle) string { return v.LicensePlate })
	m.mu.Lock()
	defer m.mu.Unlock()
	var res Result
	for _, v := range batch {
		key := recordKey{orgID, v.LicensePlate}
		if prev, ok := m.vehicles[key]; ok {
			// Roll-up stats survive a master data refresh.
			v.Stats = prev.Stats
			stampMeta(&v.SyncMeta, orgID, connID, v.ChecksumFields(), &prev.SyncMeta)
			res.Updated++
		} else {
			stampMeta(&v.SyncMeta, orgID, connID, v.ChecksumFields(), nil)
			res.Inserted++
		}
		m.vehicles[key] = v
	}
	return res, nil
}

func (m *MemoryWriter) AggregateVehicleStats(_ context.Context, orgID, connID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type agg struct {
		stats  datalake.VehicleStats
		latest *time.Time
	}
	perPlate := make(map[string]*agg)
	for key, t := range m.transactions {
		if key.orgID != orgID || t.ConnectionID != connID || t.VehiclePlate == "" {
			continue
		}
		a, ok := perPlate[t.VehiclePlate]
		if !ok {
			a = &agg{}
			perPlate[t.VehiclePlate] = a
		}
		a.stats.TotalFuelLiters += t.Quantity
		a.stats.TotalFuelCost += t.GrossAmount
		a.stats.TransactionCount++
		if t.Odometer > a.stats.LastOdometer {
			a.stats.LastOdometer = t.Odometer
		}
		if t.Timestamp != nil && (a.latest == nil || t.Timestamp.After(*a.latest)) {
			a.latest = t.Timestamp
			a.stats.LastRefuelDate = t.Timestamp
			a.stats.LastRefuelLiters = t.Quantity
		}
	}

	var touched int64
	for plate, a := range perPlate {
		key := recordKey{orgID, plate}
		v, ok := m.vehicles[key]
		if !ok {
			v = datalake.Vehicle{LicensePlate: plate}
			stampMeta(&v.SyncMeta, orgID, connID, v.ChecksumFields(), nil)
		}
		v.Stats = a.stats
		v.SyncedAt = time.Now()
		m.vehicles[key] = v
		touched++
	}
	return touched, nil
}

func (m *MemoryWriter) Counts(_ context.Context, orgID, connID string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{
		status.EntityCards:        0,
		status.EntityTransactions: 0,
		status.EntityTollPassages: 0,
		status.EntityInvoices:     0,
		status.EntityVehicles:     0,
	}
	for key, c := range m.cards {
		if key.orgID == orgID && c.ConnectionID == connID {
			counts[status.EntityCards]++
		}
	}
	for key, t := range m.transactions {
		if key.orgID == orgID && t.ConnectionID == connID {
			counts[status.EntityTransactions]++
		}
	}
	for key, p := range m.tollPassages {
		if key.orgID == orgID && p.ConnectionID == connID {
			counts[status.EntityTollPassages]++
		}
	}
	for key, inv := range m.invoices {
		if key.orgID == orgID && inv.ConnectionID == connID {
			counts[status.EntityInvoices]++
		}
	}
	for key, v := range m.vehicles {
		if key.orgID == orgID && v.ConnectionID == connID {
			counts[status.EntityVehicles]++
		}
	}
	return counts, nil
}

// Vehicle returns the stored vehicle for the plate, if present.
func (m *MemoryWriter) Vehicle(orgID, plate string) (datalake.Vehicle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[recordKey{orgID, plate}]
	return v, ok
}

// Card returns the stored card for the number, if present.
func (m *MemoryWriter) Card(orgID, number string) (datalake.Card, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[recordKey{orgID, number}]
	return c, ok
}

// Transaction returns the stored transaction for the id, if present.
func (m *MemoryWriter) Transaction(orgID, id string) (datalake.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[recordKey{orgID, id}]
	return t, ok
}
