package geo

import "math"

// MetersPerDegreeLat is the approximation used to turn a radius into a
// latitude span. It is slightly below the true value so boxes err wide.
const MetersPerDegreeLat = 111000.0

// BoundingBox defines the corners of a lat/lon box.
//
// A box that crosses the antimeridian has MinLon > MaxLon.
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// WrapsAntimeridian reports whether the box crosses longitude ±180.
func (b BoundingBox) WrapsAntimeridian() bool {
	return b.MinLon > b.MaxLon
}

// Contains checks whether the given latitude and longitude are within the bounding box
func (b BoundingBox) Contains(lat, lon float64) bool {
	if lat < b.MinLat || lat > b.MaxLat {
		return false
	}
	if b.WrapsAntimeridian() {
		return lon >= b.MinLon || lon <= b.MaxLon
	}
	return lon >= b.MinLon && lon <= b.MaxLon
}

// BoundingBoxAround returns a box that encloses every point within radius
// meters of (lat, lng).
//
// The longitude span is scaled by the cosine of the poleward edge of the box
// rather than the centre, so points near the top of a high-latitude circle
// are not cut off. Boxes touching a pole span all longitudes.
func BoundingBoxAround(lat, lng, radius float64) BoundingBox {
	latDelta := radius / MetersPerDegreeLat

	box := BoundingBox{
		MinLat: math.Max(lat-latDelta, -90),
		MaxLat: math.Min(lat+latDelta, 90),
		MinLon: -180,
		MaxLon: 180,
	}
	if box.MinLat <= -90 || box.MaxLat >= 90 {
		return box
	}

	edge := math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat))
	cos := math.Cos(edge * math.Pi / 180)
	if cos <= 0 {
		return box
	}
	lngDelta := radius / (MetersPerDegreeLat * cos)
	if lngDelta >= 180 {
		return box
	}

	box.MinLon = lng - lngDelta
	box.MaxLon = lng + lngDelta
	if box.MinLon < -180 {
		box.MinLon += 360
	}
	if box.MaxLon > 180 {
		box.MaxLon -= 360
	}
	return box
}
