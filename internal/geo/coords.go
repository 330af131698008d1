package geo

import (
	"math"
	"strconv"
	"strings"

	"bulk-distance/internal/models"
)

// ParseCoordinatePair recognises "lat,lon" and "lat;lon" text so rows that
// already carry coordinates skip the geocoder. With ';' as separator the
// numbers may use a decimal comma.
func ParseCoordinatePair(text string) (models.GeoPoint, bool) {
	var parts []string
	if strings.Contains(text, ";") {
		parts = strings.Split(text, ";")
		for i := range parts {
			parts[i] = strings.ReplaceAll(parts[i], ",", ".")
		}
	} else {
		parts = strings.Split(text, ",")
	}
	if len(parts) != 2 {
		return models.GeoPoint{}, false
	}

	lat, err := parseCoord(parts[0])
	if err != nil || lat < -90 || lat > 90 {
		return models.GeoPoint{}, false
	}
	lon, err := parseCoord(parts[1])
	if err != nil || lon < -180 || lon > 180 {
		return models.GeoPoint{}, false
	}
	return models.GeoPoint{Lat: lat, Lon: lon}, true
}

func parseCoord(val string) (float64, error) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, strconv.ErrSyntax
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, strconv.ErrRange
	}
	return f, nil
}
