// Package location normalizes the free-text location attached to a report.
package location

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/s2"

	"civicreport/models"
)

// Remote is stored when the reporter gave no location.
const Remote = "Remote"

// cellLevel is roughly a city block (~1 km²).
const cellLevel = 13

// Normalize trims the location and substitutes Remote when it is empty.
func Normalize(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return Remote
	}
	return loc
}

// Format renders coordinates the way the browser geolocation button did.
func Format(lat, lng float64) string {
	return fmt.Sprintf("%.4f, %.4f", lat, lng)
}

// Parse recognizes "<lat>, <lng>" and returns the coordinates with their s2
// cell token. ok is false for any other text.
func Parse(loc string) (coords *models.Coordinates, ok bool) {
	latStr, lngStr, found := strings.Cut(loc, ",")
	if !found {
		return nil, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return nil, false
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
	if err != nil {
		return nil, false
	}
	// ParseFloat accepts "NaN", and NaN slips past the range check below.
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return nil, false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, false
	}

	ll := s2.LatLngFromDegrees(lat, lng)
	cell := s2.CellIDFromLatLng(ll).Parent(cellLevel)

	return &models.Coordinates{
		Latitude:  lat,
		Longitude: lng,
		CellToken: cell.ToToken(),
	}, true
}
