package geo

import (
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean radius of the Earth used for all distance
// calculations in this service.
const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance in meters between two points
// given in degrees. s2.LatLng.Distance uses the haversine formula.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lng1)
	p2 := s2.LatLngFromDegrees(lat2, lng2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// RoundMeters rounds a distance to centimetre precision.
func RoundMeters(d float64) float64 {
	return math.Round(d*100) / 100
}

// IsValidLatLng reports whether lat/lng are finite and inside the WGS84 range.
func IsValidLatLng(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
