package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestMapCard_AliasResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "camel case",
			json: `{"cardNumber": "7001-1111"}`,
			want: "7001-1111",
		},
		{
			name: "snake case",
			json: `{"card_number": "7001-2222"}`,
			want: "7001-2222",
		},
		{
			name: "legacy alias",
			json: `{"number": "7001-3333"}`,
			want: "7001-3333",
		},
		{
			name: "camel case wins over alias",
			json: `{"cardNumber": "7001-4444", "number": "ignored"}`,
			want: "7001-4444",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			card := mapCard(gjson.Parse(tt.json))
			assert.Equal(t, tt.want, card.CardNumber)
		})
	}
}

func TestMapCard_DefaultsAndRaw(t *testing.T) {
	t.Parallel()

	raw := `{"card_number": "7001-0001", "vehicle_plate": "B-FL 123", "daily_limit": 500}`
	card := mapCard(gjson.Parse(raw))

	assert.Equal(t, "7001-0001", card.CardNumber)
	assert.Equal(t, "active", card.Status, "missing status defaults to active")
	assert.Equal(t, "B-FL 123", card.VehiclePlate)
	assert.InDelta(t, 500.0, card.DailyLimit, 0.001)
	assert.JSONEq(t, raw, string(card.RawData))
}

func TestMapTransaction(t *testing.T) {
	t.Parallel()

	tx := mapTransaction(gjson.Parse(`{
		"transaction_id": "tx-42",
		"cardNumber": "7001-0001",
		"timestamp": "2026-08-15T09:30:00Z",
		"merchantName": "Aral Berlin",
		"country": "DE",
		"volume": 45.5,
		"totalAmount": 83.72,
		"tax": 13.37,
		"licensePlate": "B-FL 123",
		"mileage": 182000,
		"is_billed": true
	}`))

	assert.Equal(t, "tx-42", tx.TransactionID)
	assert.Equal(t, "7001-0001", tx.CardNumber)
	require.NotNil(t, tx.Timestamp)
	assert.Equal(t, time.Date(2026, 8, 15, 9, 30, 0, 0, time.UTC), tx.Timestamp.UTC())
	assert.Equal(t, "Aral Berlin", tx.StationName)
	assert.Equal(t, "DE", tx.StationCountry)
	assert.InDelta(t, 45.5, tx.Quantity, 0.001)
	assert.InDelta(t, 83.72, tx.GrossAmount, 0.001)
	assert.InDelta(t, 13.37, tx.VATAmount, 0.001)
	assert.Equal(t, "EUR", tx.Currency, "missing currency defaults to EUR")
	assert.Equal(t, "L", tx.UnitOfMeasure, "missing unit defaults to liters")
	assert.Equal(t, "B-FL 123", tx.VehiclePlate)
	assert.InDelta(t, 182000.0, tx.Odometer, 0.001)
	assert.True(t, tx.Billed)
}

func TestMapTransaction_SplitDateAndTime(t *testing.T) {
	t.Parallel()

	tx := mapTransaction(gjson.Parse(`{
		"id": "tx-7",
		"transactionDate": "2026-08-20",
		"transactionTime": "14:05:00"
	}`))

	require.NotNil(t, tx.Timestamp)
	assert.Equal(t, 2026, tx.Timestamp.Year())
	assert.Equal(t, time.August, tx.Timestamp.Month())
	assert.Equal(t, 20, tx.Timestamp.Day())
	assert.Equal(t, 14, tx.Timestamp.Hour())
}

func TestMapTollPassage(t *testing.T) {
	t.Parallel()

	p := mapTollPassage(gjson.Parse(`{
		"passage_id": "p-1",
		"obuId": "obu-9",
		"vehicle_plate": "B-FL 123",
		"date": "2026-08-10",
		"highway": "A9",
		"cost": 12.4
	}`))

	assert.Equal(t, "p-1", p.PassageID)
	assert.Equal(t, "obu-9", p.BoxID)
	assert.Equal(t, "B-FL 123", p.VehiclePlate)
	assert.Equal(t, "A9", p.RoadName)
	assert.InDelta(t, 12.4, p.Amount, 0.001)
	assert.Equal(t, "EUR", p.Currency)
	require.NotNil(t, p.Timestamp)
}

func TestMapInvoice(t *testing.T) {
	t.Parallel()

	inv := mapInvoice(gjson.Parse(`{
		"number": "INV-2026-001",
		"date": "2026-08-01",
		"total": 1520.33
	}`))

	assert.Equal(t, "INV-2026-001", inv.InvoiceNumber)
	require.NotNil(t, inv.InvoiceDate)
	assert.InDelta(t, 1520.33, inv.TotalAmount, 0.001)
	assert.Equal(t, "issued", inv.Status, "missing status defaults to issued")
}

func TestMapVehicle(t *testing.T) {
	t.Parallel()

	v := mapVehicle(gjson.Parse(`{
		"id": "veh-1",
		"plate": "B-FL 123",
		"make": "MAN",
		"model": "TGX",
		"vehicleType": "truck",
		"tank_capacity": 400
	}`))

	assert.Equal(t, "veh-1", v.VehicleID)
	assert.Equal(t, "B-FL 123", v.LicensePlate)
	assert.Equal(t, "MAN", v.Brand)
	assert.Equal(t, "truck", v.Type)
	assert.InDelta(t, 400.0, v.TankCapacity, 0.001)
}

func TestItems_PayloadShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		keys []string
		want int
	}{
		{"bare array", `[{"a":1},{"a":2}]`, nil, 2},
		{"data wrapper", `{"data":[{"a":1}]}`, []string{"cards"}, 1},
		{"entity wrapper", `{"cards":[{"a":1},{"a":2},{"a":3}]}`, []string{"cards"}, 3},
		{"empty object", `{}`, []string{"cards"}, 0},
		{"data not array", `{"data":{"a":1}}`, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Len(t, items(gjson.Parse(tt.body), tt.keys...), tt.want)
		})
	}
}
