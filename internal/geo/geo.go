// Package geo provides spherical geometry and hexagonal zone-cell
// helpers for the obfuscation and verification paths.
package geo

import (
	"errors"
	"math"

	h3 "github.com/uber/h3-go/v4"
)

const (
	earthRadiusM = 6371000.0

	MinResolution     = 7
	DefaultResolution = 8
	MaxResolution     = 9
)

var ErrInvalidZone = errors.New("invalid zone id")

// Haversine returns the great-circle distance between two points in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}

// Bearing returns the initial bearing from point 1 to point 2 in
// degrees, normalised to [0, 360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(rLat2)
	x := math.Cos(rLat1)*math.Sin(rLat2) - math.Sin(rLat1)*math.Cos(rLat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// ClampResolution bounds a cell resolution to the supported [7, 9] band.
func ClampResolution(res int) int {
	if res < MinResolution {
		return MinResolution
	}
	if res > MaxResolution {
		return MaxResolution
	}
	return res
}

// ResolutionForGrid maps a grid size in meters onto the nearest
// supported resolution (res 7 edges ~1.2 km, res 9 ~170 m).
func ResolutionForGrid(meters int) int {
	switch {
	case meters >= 1000:
		return MinResolution
	case meters >= 350:
		return DefaultResolution
	default:
		return MaxResolution
	}
}

// ZoneID returns the H3 cell id covering (lat, lon) at the clamped resolution.
func ZoneID(lat, lon float64, res int) string {
	return h3.LatLngToCell(h3.NewLatLng(lat, lon), ClampResolution(res)).String()
}

// ZoneCenter returns the centroid of a zone cell.
func ZoneCenter(zoneID string) (lat, lon float64, err error) {
	cell := h3.Cell(h3.IndexFromString(zoneID))
	if !cell.IsValid() {
		return 0, 0, ErrInvalidZone
	}
	ll := h3.CellToLatLng(cell)
	return ll.Lat, ll.Lng, nil
}

// ZoneResolution reports the resolution encoded in a zone id.
func ZoneResolution(zoneID string) (int, error) {
	cell := h3.Cell(h3.IndexFromString(zoneID))
	if !cell.IsValid() {
		return 0, ErrInvalidZone
	}
	return cell.Resolution(), nil
}
