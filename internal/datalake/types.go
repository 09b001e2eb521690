// Package datalake defines the mirrored record types held in the local
// data lake. Each record carries the natural key used for upsert
// matching, the normalized domain fields, an opaque copy of the raw
// source record, and sync bookkeeping (syncedAt, syncVersion, checksum).
package datalake

import (
	"encoding/json"
	"time"
)

// SyncMeta is the bookkeeping embedded in every mirrored record. It is
// owned by the bulk upsert writer; other components treat it as
// read-only.
type SyncMeta struct {
	OrganizationID string    `json:"organizationId"`
	ConnectionID   string    `json:"connectionId"`
	SyncedAt       time.Time `json:"syncedAt"`
	SyncVersion    int       `json:"syncVersion"`
	Checksum       string    `json:"checksum,omitempty"`
}

// Card mirrors one fuel card. Natural key: CardNumber.
type Card struct {
	CardNumber   string     `json:"cardNumber"`
	CardType     string     `json:"cardType,omitempty"`
	Status       string     `json:"status,omitempty"`
	EmbossedName string     `json:"embossedName,omitempty"`
	VehiclePlate string     `json:"vehiclePlate,omitempty"`
	DriverName   string     `json:"driverName,omitempty"`
	ExpiryDate   *time.Time `json:"expiryDate,omitempty"`
	IssueDate    *time.Time `json:"issueDate,omitempty"`
	DailyLimit   float64    `json:"dailyLimit,omitempty"`
	MonthlyLimit float64    `json:"monthlyLimit,omitempty"`

	RawData json.RawMessage `json:"rawData,omitempty"`
	SyncMeta
}

// Transaction mirrors one purchase transaction. Natural key: TransactionID.
type Transaction struct {
	TransactionID string     `json:"transactionId"`
	CardNumber    string     `json:"cardNumber,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`

	StationID      string  `json:"stationId,omitempty"`
	StationName    string  `json:"stationName,omitempty"`
	StationAddress string  `json:"stationAddress,omitempty"`
	StationCity    string  `json:"stationCity,omitempty"`
	StationCountry string  `json:"stationCountry,omitempty"`
	Latitude       float64 `json:"latitude,omitempty"`
	Longitude      float64 `json:"longitude,omitempty"`

	ProductCode   string  `json:"productCode,omitempty"`
	ProductName   string  `json:"productName,omitempty"`
	Quantity      float64 `json:"quantity,omitempty"`
	UnitOfMeasure string  `json:"unitOfMeasure,omitempty"`

	UnitPrice   float64 `json:"unitPrice,omitempty"`
	GrossAmount float64 `json:"grossAmount,omitempty"`
	NetAmount   float64 `json:"netAmount,omitempty"`
	VATAmount   float64 `json:"vatAmount,omitempty"`
	Currency    string  `json:"currency,omitempty"`

	VehiclePlate string  `json:"vehiclePlate,omitempty"`
	DriverName   string  `json:"driverName,omitempty"`
	Odometer     float64 `json:"odometer,omitempty"`

	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	Billed        bool   `json:"billed,omitempty"`

	RawData json.RawMessage `json:"rawData,omitempty"`
	SyncMeta
}

// TollPassage mirrors one toll passage. Natural key: PassageID.
type TollPassage struct {
	PassageID    string     `json:"passageId"`
	BoxID        string     `json:"boxId,omitempty"`
	VehiclePlate string     `json:"vehiclePlate,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`

	TollStation string `json:"tollStation,omitempty"`
	EntryPoint  string `json:"entryPoint,omitempty"`
	ExitPoint   string `json:"exitPoint,omitempty"`
	Country     string `json:"country,omitempty"`
	RoadName    string `json:"roadName,omitempty"`

	Amount   float64 `json:"amount,omitempty"`
	Currency string  `json:"currency,omitempty"`

	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	Billed        bool   `json:"billed,omitempty"`

	RawData json.RawMessage `json:"rawData,omitempty"`
	SyncMeta
}

// Invoice mirrors one invoice. Natural key: InvoiceNumber.
type Invoice struct {
	InvoiceNumber string     `json:"invoiceNumber"`
	InvoiceDate   *time.Time `json:"invoiceDate,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	PeriodFrom    *time.Time `json:"periodFrom,omitempty"`
	PeriodTo      *time.Time `json:"periodTo,omitempty"`

	TotalAmount float64 `json:"totalAmount,omitempty"`
	NetAmount   float64 `json:"netAmount,omitempty"`
	VATAmount   float64 `json:"vatAmount,omitempty"`
	Currency    string  `json:"currency,omitempty"`

	Status string `json:"status,omitempty"`
	PDFURL string `json:"pdfUrl,omitempty"`

	RawData json.RawMessage `json:"rawData,omitempty"`
	SyncMeta
}

// VehicleStats is the derived per-vehicle roll-up recomputed from
// transaction records after every full sync. It carries no independent
// source of truth.
type VehicleStats struct {
	TotalFuelLiters  float64    `json:"totalFuelLiters,omitempty"`
	TotalFuelCost    float64    `json:"totalFuelCost,omitempty"`
	TransactionCount int64      `json:"transactionCount,omitempty"`
	LastRefuelDate   *time.Time `json:"lastRefuelDate,omitempty"`
	LastRefuelLiters float64    `json:"lastRefuelLiters,omitempty"`
	LastOdometer     float64    `json:"lastOdometer,omitempty"`
}

// Vehicle mirrors one vehicle. Natural key: LicensePlate.
type Vehicle struct {
	VehicleID    string `json:"vehicleId,omitempty"`
	LicensePlate string `json:"licensePlate"`
	VIN          string `json:"vin,omitempty"`
	Brand        string `json:"brand,omitempty"`
	Model        string `json:"model,omitempty"`
	Type         string `json:"type,omitempty"`
	FuelType     string `json:"fuelType,omitempty"`
	TankCapacity float64 `json:"tankCapacity,omitempty"`

	// LinkedCards lists card numbers associated with this vehicle,
	// populated during full sync from card master data.
	LinkedCards []string `json:"linkedCards,omitempty"`

	Stats VehicleStats `json:"stats,omitempty"`

	RawData json.RawMessage `json:"rawData,omitempty"`
	SyncMeta
}
