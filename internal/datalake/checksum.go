package datalake

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Checksums are computed over a fixed subset of change-relevant fields
// per entity kind, so downstream consumers can tell whether a record
// meaningfully changed between syncs. The field subsets are stable;
// widening one invalidates stored checksums for that entity.

func checksumOf(fields ...string) string {
	h := sha256.New()
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func formatAmount(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ChecksumFields returns the checksum over the card's change-relevant
// fields: card number, status and vehicle plate.
func (c *Card) ChecksumFields() string {
	return checksumOf(c.CardNumber, c.Status, c.VehiclePlate)
}

// ChecksumFields returns the checksum over the transaction's
// change-relevant fields: transaction id, gross amount and quantity.
func (t *Transaction) ChecksumFields() string {
	return checksumOf(t.TransactionID, formatAmount(t.GrossAmount), formatAmount(t.Quantity))
}

// ChecksumFields returns the checksum over the passage id, amount and
// vehicle plate.
func (p *TollPassage) ChecksumFields() string {
	return checksumOf(p.PassageID, formatAmount(p.Amount), p.VehiclePlate)
}

// ChecksumFields returns the checksum over the invoice number, total
// amount and status.
func (i *Invoice) ChecksumFields() string {
	return checksumOf(i.InvoiceNumber, formatAmount(i.TotalAmount), i.Status)
}

// ChecksumFields returns the checksum over the license plate, vehicle id
// and VIN.
func (v *Vehicle) ChecksumFields() string {
	return checksumOf(v.LicensePlate, v.VehicleID, v.VIN)
}
