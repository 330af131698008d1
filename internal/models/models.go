package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type GeoPoint struct {
	Lat float64
	Lon float64
}

// Record is one raw spreadsheet line keyed by the header row.
// Columns keeps the header order so exports can reproduce it.
type Record struct {
	Columns []string
	Values  map[string]string
}

// Row is a sanitized From/To pair plus the record it came from.
type Row struct {
	From   string
	To     string
	Record Record
}

// Outcome tags how a row was resolved.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeGeocodeFailed
	OutcomeRouteError
	OutcomeNoRoute
)

// Label is the text written to the Distance cell for failed rows.
func (o Outcome) Label() string {
	switch o {
	case OutcomeGeocodeFailed:
		return "Geocode failed"
	case OutcomeRouteError:
		return "Error"
	case OutcomeNoRoute:
		return "No route"
	default:
		return ""
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeGeocodeFailed:
		return "geocode_failed"
	case OutcomeRouteError:
		return "route_error"
	case OutcomeNoRoute:
		return "no_route"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type VehicleType string

const (
	VehicleCar        VehicleType = "car"
	VehicleVan        VehicleType = "van"
	VehicleTruck      VehicleType = "truck"
	VehicleElectric   VehicleType = "electric"
	VehicleMotorcycle VehicleType = "motorcycle"
)

// ParseVehicle accepts a vehicle name case-insensitively. An empty string
// means no vehicle was selected.
func ParseVehicle(s string) (VehicleType, error) {
	v := VehicleType(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case "", VehicleCar, VehicleVan, VehicleTruck, VehicleElectric, VehicleMotorcycle:
		return v, nil
	}
	return "", fmt.Errorf("unknown vehicle type %q", s)
}

type ResultRow struct {
	Row     Row
	Outcome Outcome
	Reason  string

	DistanceKm  float64
	DurationMin float64

	AirlineKm  float64
	HasAirline bool

	Vehicle    VehicleType
	CO2Kg      float64
	CO2SavedKg float64
	HasCO2     bool
}

type ValidationReport struct {
	TotalRows        int             `json:"total_rows"`
	DuplicateKeys    []string        `json:"duplicate_keys"`
	BillableRowCount int             `json:"billable_rows"`
	PriceDue         decimal.Decimal `json:"price_due"`
	Currency         string          `json:"currency"`
}
