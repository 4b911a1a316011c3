package geo

import (
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// coveringMaxCells bounds how many BETWEEN clauses a proximity query carries.
const coveringMaxCells = 12

// coverPaddingMeters widens the cap so points sitting exactly on the search
// radius are never lost to floating point error in the covering.
const coverPaddingMeters = 1.0

// CellRange is an inclusive range of leaf cell ids, as stored in the
// stops.s2_cell column.
type CellRange struct {
	Min int64
	Max int64
}

// CellID returns the leaf S2 cell of a point as a signed 64 bit value.
//
// The uint64 to int64 conversion keeps ordering within a cube face, and every
// range produced by CoveringRanges lies on a single face.
func CellID(lat, lng float64) int64 {
	return int64(s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lng)))
}

// CoveringRanges returns the leaf cell ranges covering the cap of radius
// meters around (lat, lng). Candidates inside the ranges still need an exact
// distance check.
func CoveringRanges(lat, lng, radius float64) []CellRange {
	center := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lng))
	angle := s1.Angle((radius + coverPaddingMeters) / EarthRadiusMeters)
	region := s2.CapFromCenterAngle(center, angle)

	coverer := &s2.RegionCoverer{
		MinLevel: 0,
		MaxLevel: s2.MaxLevel,
		MaxCells: coveringMaxCells,
	}
	covering := coverer.Covering(region)

	ranges := make([]CellRange, 0, len(covering))
	for _, id := range covering {
		ranges = append(ranges, CellRange{
			Min: int64(id.RangeMin()),
			Max: int64(id.RangeMax()),
		})
	}
	return ranges
}
