package connector

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fleetlake/fleetlake/internal/datalake"
)

// Provider payloads are inconsistent across endpoint generations: the
// same field arrives camelCased, snake_cased, or under a legacy alias.
// Each mapper resolves the first populated alternative and keeps the
// raw record alongside the normalized fields.

func firstString(r gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := r.Get(key); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func firstFloat(r gjson.Result, keys ...string) float64 {
	for _, key := range keys {
		if v := r.Get(key); v.Exists() {
			return v.Float()
		}
	}
	return 0
}

func firstBool(r gjson.Result, keys ...string) bool {
	for _, key := range keys {
		if v := r.Get(key); v.Exists() {
			return v.Bool()
		}
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func firstTime(r gjson.Result, keys ...string) *time.Time {
	for _, key := range keys {
		if v := r.Get(key); v.Exists() && v.String() != "" {
			if t := parseTime(v.String()); t != nil {
				return t
			}
		}
	}
	return nil
}

// combinedTime joins separate date and time fields into one timestamp.
func combinedTime(r gjson.Result, dateKeys, timeKeys []string) *time.Time {
	date := firstString(r, dateKeys...)
	if date == "" {
		return nil
	}
	clock := firstString(r, timeKeys...)
	if clock == "" {
		return parseTime(date)
	}
	if t, err := time.Parse("2006-01-02 15:04:05", date+" "+clock); err == nil {
		return &t
	}
	if t, err := time.Parse("2006-01-02 15:04", date+" "+clock); err == nil {
		return &t
	}
	return parseTime(date)
}

func rawOf(r gjson.Result) json.RawMessage {
	return json.RawMessage(r.Raw)
}

func mapCard(r gjson.Result) datalake.Card {
	status := firstString(r, "status")
	if status == "" {
		status = "active"
	}
	return datalake.Card{
		CardNumber:   firstString(r, "cardNumber", "card_number", "number"),
		CardType:     firstString(r, "cardType", "card_type", "type"),
		Status:       status,
		EmbossedName: firstString(r, "embossedName", "embossed_name", "name"),
		VehiclePlate: firstString(r, "vehiclePlate", "vehicle_plate", "licensePlate"),
		DriverName:   firstString(r, "driverName", "driver_name"),
		ExpiryDate:   firstTime(r, "expiryDate", "expiry_date", "validUntil"),
		IssueDate:    firstTime(r, "issueDate", "issue_date"),
		DailyLimit:   firstFloat(r, "dailyLimit", "daily_limit"),
		MonthlyLimit: firstFloat(r, "monthlyLimit", "monthly_limit"),
		RawData:      rawOf(r),
	}
}

func mapTransaction(r gjson.Result) datalake.Transaction {
	ts := firstTime(r, "timestamp")
	if ts == nil {
		ts = combinedTime(r,
			[]string{"transactionDate", "transaction_date", "date"},
			[]string{"transactionTime", "transaction_time", "time"})
	}
	currency := firstString(r, "currency")
	if currency == "" {
		currency = "EUR"
	}
	unit := firstString(r, "unitOfMeasure", "unit")
	if unit == "" {
		unit = "L"
	}
	return datalake.Transaction{
		TransactionID: firstString(r, "transactionId", "transaction_id", "id"),
		CardNumber:    firstString(r, "cardNumber", "card_number"),
		Timestamp:     ts,

		StationID:      firstString(r, "stationId", "station_id"),
		StationName:    firstString(r, "stationName", "station_name", "merchantName"),
		StationAddress: firstString(r, "stationAddress", "station_address"),
		StationCity:    firstString(r, "stationCity", "city"),
		StationCountry: firstString(r, "stationCountry", "country"),
		Latitude:       firstFloat(r, "latitude", "lat"),
		Longitude:      firstFloat(r, "longitude", "lon", "lng"),

		ProductCode:   firstString(r, "productCode", "product_code"),
		ProductName:   firstString(r, "productName", "product_name", "fuelType"),
		Quantity:      firstFloat(r, "quantity", "volume"),
		UnitOfMeasure: unit,

		UnitPrice:   firstFloat(r, "unitPrice", "unit_price", "pricePerUnit"),
		GrossAmount: firstFloat(r, "grossAmount", "gross_amount", "totalAmount"),
		NetAmount:   firstFloat(r, "netAmount", "net_amount"),
		VATAmount:   firstFloat(r, "vatAmount", "vat_amount", "tax"),
		Currency:    currency,

		VehiclePlate: firstString(r, "vehiclePlate", "vehicle_plate", "licensePlate"),
		DriverName:   firstString(r, "driverName", "driver_name"),
		Odometer:     firstFloat(r, "odometer", "mileage"),

		InvoiceNumber: firstString(r, "invoiceNumber", "invoice_number"),
		Billed:        firstBool(r, "billed", "is_billed"),

		RawData: rawOf(r),
	}
}

func mapTollPassage(r gjson.Result) datalake.TollPassage {
	ts := firstTime(r, "timestamp")
	if ts == nil {
		ts = combinedTime(r,
			[]string{"passageDate", "passage_date", "date"},
			[]string{"passageTime", "passage_time", "time"})
	}
	currency := firstString(r, "currency")
	if currency == "" {
		currency = "EUR"
	}
	return datalake.TollPassage{
		PassageID:    firstString(r, "passageId", "passage_id", "id"),
		BoxID:        firstString(r, "boxId", "box_id", "obuId"),
		VehiclePlate: firstString(r, "vehiclePlate", "vehicle_plate"),
		Timestamp:    ts,

		TollStation: firstString(r, "tollStation", "toll_station", "stationName"),
		EntryPoint:  firstString(r, "entryPoint", "entry_point"),
		ExitPoint:   firstString(r, "exitPoint", "exit_point"),
		Country:     firstString(r, "country"),
		RoadName:    firstString(r, "roadName", "road_name", "highway"),

		Amount:   firstFloat(r, "amount", "cost"),
		Currency: currency,

		InvoiceNumber: firstString(r, "invoiceNumber", "invoice_number"),
		Billed:        firstBool(r, "billed"),

		RawData: rawOf(r),
	}
}

func mapInvoice(r gjson.Result) datalake.Invoice {
	status := firstString(r, "status")
	if status == "" {
		status = "issued"
	}
	currency := firstString(r, "currency")
	if currency == "" {
		currency = "EUR"
	}
	return datalake.Invoice{
		InvoiceNumber: firstString(r, "invoiceNumber", "invoice_number", "number"),
		InvoiceDate:   firstTime(r, "invoiceDate", "invoice_date", "date"),
		DueDate:       firstTime(r, "dueDate", "due_date"),
		PeriodFrom:    firstTime(r, "periodFrom", "period_from"),
		PeriodTo:      firstTime(r, "periodTo", "period_to"),

		TotalAmount: firstFloat(r, "totalAmount", "total_amount", "total"),
		NetAmount:   firstFloat(r, "netAmount", "net_amount"),
		VATAmount:   firstFloat(r, "vatAmount", "vat_amount"),
		Currency:    currency,

		Status: status,
		PDFURL: firstString(r, "pdfUrl", "pdf_url"),

		RawData: rawOf(r),
	}
}

func mapVehicle(r gjson.Result) datalake.Vehicle {
	return datalake.Vehicle{
		VehicleID:    firstString(r, "vehicleId", "vehicle_id", "id"),
		LicensePlate: firstString(r, "licensePlate", "license_plate", "plate"),
		VIN:          firstString(r, "vin"),
		Brand:        firstString(r, "brand", "make"),
		Model:        firstString(r, "model"),
		Type:         firstString(r, "type", "vehicleType"),
		FuelType:     firstString(r, "fuelType", "fuel_type"),
		TankCapacity: firstFloat(r, "tankCapacity", "tank_capacity"),
		RawData:      rawOf(r),
	}
}
