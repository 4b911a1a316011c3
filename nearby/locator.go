package nearby

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/liambotongpower/spotplots.com/geo"
	"github.com/liambotongpower/spotplots.com/models"
)

// Strategy selects how candidate stops are fetched from the store.
type Strategy string

const (
	// StrategyIndex queries the S2 cell column.
	StrategyIndex Strategy = "index"
	// StrategyBoundingBox scans a lat/lon box and filters in memory.
	StrategyBoundingBox Strategy = "bbox"
)

// ParseStrategy accepts "index" or "bbox" (also "manual" and "boundingbox").
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "index", "s2":
		return StrategyIndex, nil
	case "bbox", "boundingbox", "manual":
		return StrategyBoundingBox, nil
	default:
		return "", fmt.Errorf("unknown locator strategy %q", s)
	}
}

// Minimum number of rows the bounding-box strategy pulls before exact filtering.
const minOverFetch = 500

// Locator finds stops within a radius of a point, nearest first.
type Locator interface {
	FindNearbyStops(ctx context.Context, q models.NearbyQuery) ([]models.NearbyStop, error)
}

// StopFinder is the candidate-stop query surface of the store.
type StopFinder interface {
	StopsInCellRanges(ctx context.Context, ranges []geo.CellRange) ([]models.Stop, error)
	StopsInBox(ctx context.Context, box geo.BoundingBox, centerLat, centerLng float64, fetchLimit int) ([]models.Stop, error)
}

// IndexLocator answers proximity queries from the stops.s2_cell index.
type IndexLocator struct {
	stops   StopFinder
	metrics Metrics
}

// NewIndexLocator creates a locator backed by the S2 cell index.
func NewIndexLocator(stops StopFinder, metrics Metrics) *IndexLocator {
	return &IndexLocator{stops: stops, metrics: orNop(metrics)}
}

// FindNearbyStops returns stops within q.MaxDistance, nearest first, at most
// q.Limit of them. Distances are rounded to centimetres.
func (l *IndexLocator) FindNearbyStops(ctx context.Context, q models.NearbyQuery) ([]models.NearbyStop, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ranges := geo.CoveringRanges(q.Lat, q.Lng, q.MaxDistance)

	start := time.Now()
	candidates, err := l.stops.StopsInCellRanges(ctx, ranges)
	l.metrics.ObserveQuery("stops_in_cell_ranges", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to find stops near (%.6f, %.6f): %w", q.Lat, q.Lng, err)
	}

	nearby := withinRadius(candidates, q)
	for i := range nearby {
		nearby[i].Distance = geo.RoundMeters(nearby[i].Distance)
	}
	return nearby, nil
}

// BoundingBoxLocator answers proximity queries with a lat/lon box scan.
// Used when the S2 column is missing or suspect.
type BoundingBoxLocator struct {
	stops   StopFinder
	metrics Metrics
}

// NewBoundingBoxLocator creates a locator that scans a bounding box.
func NewBoundingBoxLocator(stops StopFinder, metrics Metrics) *BoundingBoxLocator {
	return &BoundingBoxLocator{stops: stops, metrics: orNop(metrics)}
}

// FindNearbyStops returns stops within q.MaxDistance, nearest first, at most
// q.Limit of them. Distances are exact.
func (l *BoundingBoxLocator) FindNearbyStops(ctx context.Context, q models.NearbyQuery) ([]models.NearbyStop, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	box := geo.BoundingBoxAround(q.Lat, q.Lng, q.MaxDistance)

	start := time.Now()
	candidates, err := l.stops.StopsInBox(ctx, box, q.Lat, q.Lng, overFetch(q.Limit))
	l.metrics.ObserveQuery("stops_in_box", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to find stops near (%.6f, %.6f): %w", q.Lat, q.Lng, err)
	}

	return withinRadius(candidates, q), nil
}

// overFetch returns how many box rows to pull for a result limit.
func overFetch(limit int) int {
	if limit > math.MaxInt32/10 {
		return math.MaxInt32
	}
	if n := limit * 10; n > minOverFetch {
		return n
	}
	return minOverFetch
}

// withinRadius computes exact distances, drops stops beyond q.MaxDistance,
// sorts nearest first (ties by stop id) and truncates to q.Limit.
// Candidates outside the enclosing box are rejected before the haversine.
// The result is never nil.
func withinRadius(candidates []models.Stop, q models.NearbyQuery) []models.NearbyStop {
	nearby := make([]models.NearbyStop, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	box := geo.BoundingBoxAround(q.Lat, q.Lng, q.MaxDistance)

	for _, s := range candidates {
		if _, dup := seen[s.StopID]; dup {
			continue
		}
		seen[s.StopID] = struct{}{}

		if !box.Contains(s.Latitude, s.Longitude) {
			continue
		}
		d := geo.Distance(q.Lat, q.Lng, s.Latitude, s.Longitude)
		if d > q.MaxDistance {
			continue
		}
		nearby = append(nearby, models.NearbyStop{Stop: s, Distance: d})
	}

	sort.Slice(nearby, func(i, j int) bool {
		if nearby[i].Distance != nearby[j].Distance {
			return nearby[i].Distance < nearby[j].Distance
		}
		return nearby[i].StopID < nearby[j].StopID
	})

	if len(nearby) > q.Limit {
		nearby = nearby[:q.Limit]
	}
	return nearby
}
