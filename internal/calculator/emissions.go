package calculator

import (
	"fmt"

	"bulk-distance/internal/models"
)

// EmissionsTable holds kg CO2 per km for each vehicle type. Savings are
// measured against Reference.
type EmissionsTable struct {
	Factors   map[models.VehicleType]float64
	Reference models.VehicleType
}

func DefaultEmissions() EmissionsTable {
	return EmissionsTable{
		Factors: map[models.VehicleType]float64{
			models.VehicleCar:        0.171,
			models.VehicleVan:        0.251,
			models.VehicleTruck:      0.900,
			models.VehicleElectric:   0.047,
			models.VehicleMotorcycle: 0.114,
		},
		Reference: models.VehicleTruck,
	}
}

func (t EmissionsTable) Validate() error {
	if _, ok := t.Factors[t.Reference]; !ok {
		return fmt.Errorf("reference vehicle %q has no emissions factor", t.Reference)
	}
	for v, f := range t.Factors {
		if _, err := models.ParseVehicle(string(v)); err != nil || v == "" {
			return fmt.Errorf("emissions table: unknown vehicle %q", v)
		}
		if f < 0 {
			return fmt.Errorf("emissions factor for %s is negative", v)
		}
	}
	return nil
}

// CO2 returns the emitted and saved kilograms for km driven by vehicle.
func (t EmissionsTable) CO2(vehicle models.VehicleType, km float64) (co2, saved float64, ok bool) {
	factor, found := t.Factors[vehicle]
	if !found {
		return 0, 0, false
	}
	co2 = roundTo(km*factor, 3)
	saved = roundTo(km*t.Factors[t.Reference]-co2, 3)
	return co2, saved, true
}
