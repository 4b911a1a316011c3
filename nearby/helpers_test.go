package nearby

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liambotongpower/spotplots.com/geo"
	"github.com/liambotongpower/spotplots.com/models"
	"github.com/liambotongpower/spotplots.com/repository"
)

const (
	centerLat = 53.3498
	centerLng = -6.2603
)

// destination returns the point reached by travelling meters along bearing
// (degrees clockwise from north).
func destination(lat, lng, bearing, meters float64) (float64, float64) {
	toRad := math.Pi / 180
	phi1 := lat * toRad
	lambda1 := lng * toRad
	theta := bearing * toRad
	delta := meters / geo.EarthRadiusMeters

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(phi1), math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))
	return phi2 / toRad, lambda2 / toRad
}

// stopAt builds a stop meters away from the centre along bearing.
func stopAt(id string, bearing, meters float64) models.Stop {
	lat, lng := destination(centerLat, centerLng, bearing, meters)
	return models.Stop{StopID: id, StopCode: id, StopName: "Stop " + id, Latitude: lat, Longitude: lng}
}

// gridStops places stops on rings of 150m spacing out to 4.5km, eight per ring.
func gridStops() []models.Stop {
	var stops []models.Stop
	for ring := 1; ring <= 30; ring++ {
		for k := 0; k < 8; k++ {
			bearing := float64(k)*45 + float64(ring)*7
			stops = append(stops, stopAt(fmt.Sprintf("G%02d-%d", ring, k), bearing, float64(ring)*150))
		}
	}
	return stops
}

// newSQLiteStore imports schedule into a fresh SQLite file.
func newSQLiteStore(t *testing.T, schedule *models.Schedule) *repository.SQLiteScheduleRepository {
	t.Helper()

	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "transit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.EnsureSchema(ctx))
	require.NoError(t, db.ImportSchedule(ctx, "fixture", schedule, time.Now()))

	return repository.NewSQLiteScheduleRepository(db.GetDB())
}

// addTrips appends n trips of routeID calling at stopID.
func addTrips(s *models.Schedule, prefix, routeID, stopID string, n int) {
	for i := 0; i < n; i++ {
		tripID := fmt.Sprintf("%s-%d", prefix, i)
		s.Trips = append(s.Trips, models.Trip{TripID: tripID, RouteID: routeID})
		s.StopTimes = append(s.StopTimes, models.StopTimeEvent{
			TripID:        tripID,
			StopID:        stopID,
			ArrivalTime:   fmt.Sprintf("%02d:00:00", 6+i%18),
			DepartureTime: fmt.Sprintf("%02d:00:30", 6+i%18),
			StopSequence:  1,
		})
	}
}

// scenarioSchedule has three stops at 50m, 200m and 900m:
//
//	P1  route 145 x7
//	P2  route 145 x14, route 17 x7
//	P3  route 17 x7
func scenarioSchedule() *models.Schedule {
	s := &models.Schedule{
		Stops: []models.Stop{
			stopAt("P1", 0, 50),
			stopAt("P2", 90, 200),
			stopAt("P3", 180, 900),
		},
		Routes: []models.Route{
			{RouteID: "R145", ShortName: "145"},
			{RouteID: "R17", ShortName: "17"},
		},
	}
	addTrips(s, "145-p1", "R145", "P1", 7)
	addTrips(s, "145-p2", "R145", "P2", 14)
	addTrips(s, "17-p2", "R17", "P2", 7)
	addTrips(s, "17-p3", "R17", "P3", 7)
	return s
}

var errStoreDown = errors.New("connection refused")

// fakeStore is an in-memory Store that counts calls and can fail on demand.
type fakeStore struct {
	mu          sync.Mutex
	stops       []models.Stop
	tripsByStop map[string][]string
	routeByTrip map[string]models.Route
	failOn      map[string]error
	calls       map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tripsByStop: make(map[string][]string),
		routeByTrip: make(map[string]models.Route),
		failOn:      make(map[string]error),
		calls:       make(map[string]int),
	}
}

// serve registers n trips of route at stopID.
func (f *fakeStore) serve(stopID string, route models.Route, n int) {
	for i := 0; i < n; i++ {
		tripID := fmt.Sprintf("%s@%s#%d", route.RouteID, stopID, i)
		f.tripsByStop[stopID] = append(f.tripsByStop[stopID], tripID)
		f.routeByTrip[tripID] = route
	}
}

func (f *fakeStore) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.failOn[op]
}

func (f *fakeStore) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeStore) StopsInCellRanges(ctx context.Context, ranges []geo.CellRange) ([]models.Stop, error) {
	if err := f.record("StopsInCellRanges"); err != nil {
		return nil, err
	}
	var out []models.Stop
	for _, s := range f.stops {
		id := geo.CellID(s.Latitude, s.Longitude)
		for _, r := range ranges {
			if id >= r.Min && id <= r.Max {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) StopsInBox(ctx context.Context, box geo.BoundingBox, centerLat, centerLng float64, fetchLimit int) ([]models.Stop, error) {
	if err := f.record("StopsInBox"); err != nil {
		return nil, err
	}
	var out []models.Stop
	for _, s := range f.stops {
		if box.Contains(s.Latitude, s.Longitude) {
			out = append(out, s)
		}
	}
	if len(out) > fetchLimit {
		out = out[:fetchLimit]
	}
	return out, nil
}

func (f *fakeStore) GetStop(ctx context.Context, stopID string) (*models.Stop, error) {
	if err := f.record("GetStop"); err != nil {
		return nil, err
	}
	for _, s := range f.stops {
		if s.StopID == stopID {
			stop := s
			return &stop, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", repository.ErrStopNotFound, stopID)
}

func (f *fakeStore) TripIDsServingStop(ctx context.Context, stopID string) ([]string, error) {
	if err := f.record("TripIDsServingStop"); err != nil {
		return nil, err
	}
	return append([]string{}, f.tripsByStop[stopID]...), nil
}

func (f *fakeStore) TripIDsForStops(ctx context.Context, stopIDs []string) (map[string][]string, error) {
	if err := f.record("TripIDsForStops"); err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, id := range stopIDs {
		if trips, ok := f.tripsByStop[id]; ok {
			out[id] = trips
		}
	}
	return out, nil
}

func (f *fakeStore) RoutesByTrip(ctx context.Context, tripIDs []string) (map[string]models.Route, error) {
	if err := f.record("RoutesByTrip"); err != nil {
		return nil, err
	}
	out := make(map[string]models.Route)
	for _, id := range tripIDs {
		if r, ok := f.routeByTrip[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (f *fakeStore) RoutesForTrips(ctx context.Context, tripIDs []string) ([]models.RouteTripCount, error) {
	if err := f.record("RoutesForTrips"); err != nil {
		return nil, err
	}
	counts := make(map[string]*models.RouteTripCount)
	var order []string
	for _, id := range tripIDs {
		r, ok := f.routeByTrip[id]
		if !ok {
			continue
		}
		c, ok := counts[r.RouteID]
		if !ok {
			c = &models.RouteTripCount{RouteID: r.RouteID, Route: r.DisplayName()}
			counts[r.RouteID] = c
			order = append(order, r.RouteID)
		}
		c.TripCount++
	}
	out := make([]models.RouteTripCount, 0, len(order))
	for _, id := range order {
		out = append(out, *counts[id])
	}
	return out, nil
}

func nearbyStop(id string, distance float64) models.NearbyStop {
	return models.NearbyStop{Stop: models.Stop{StopID: id, StopName: id}, Distance: distance}
}

func departuresByRoute(agg *models.RouteAggregate) map[string]int {
	out := make(map[string]int, len(agg.Routes))
	for _, r := range agg.Routes {
		out[r.Route] = r.Departures
	}
	return out
}
