package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/liambotongpower/spotplots.com/models"
	"github.com/liambotongpower/spotplots.com/nearby"
	"github.com/liambotongpower/spotplots.com/repository"
)

type fakeSearch struct {
	err        error
	stops      []models.NearbyStop
	agg        *models.RouteAggregate
	lastQuery  models.NearbyQuery
	lastStops  []models.NearbyStop
	stopRoutes []models.RouteTripCount
}

func (f *fakeSearch) StrategyFor(q models.NearbyQuery) nearby.Strategy {
	if q.UseManual {
		return nearby.StrategyBoundingBox
	}
	return nearby.StrategyIndex
}

func (f *fakeSearch) NearbyStops(ctx context.Context, q models.NearbyQuery) ([]models.NearbyStop, error) {
	f.lastQuery = q
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return f.stops, f.err
}

func (f *fakeSearch) NearbyRoutes(ctx context.Context, q models.NearbyQuery) (*models.RouteAggregate, error) {
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	return f.agg, nil
}

func (f *fakeSearch) RoutesForStops(ctx context.Context, stops []models.NearbyStop) (*models.RouteAggregate, error) {
	f.lastStops = stops
	if f.err != nil {
		return nil, f.err
	}
	return f.agg, nil
}

func (f *fakeSearch) StopRoutes(ctx context.Context, stopID string) (*models.Stop, []models.RouteTripCount, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return &models.Stop{StopID: stopID, StopName: "Westmoreland Street"}, f.stopRoutes, nil
}

func newRouter(svc SearchService) http.Handler {
	h := NewNearbyHandler(svc, time.Second, nil)
	r := chi.NewRouter()
	r.Get("/api/nearby-stops", h.GetNearbyStops)
	r.Get("/api/nearby-routes", h.GetNearbyRoutes)
	r.Post("/api/nearby-routes", h.PostNearbyRoutes)
	r.Get("/api/stops/{stopId}/routes", h.GetStopRoutes)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp
}

func sampleAggregate() *models.RouteAggregate {
	return &models.RouteAggregate{
		Routes: []models.RouteDeparture{
			{Route: "145", RouteID: "R145", Departures: 12},
			{Route: "17", RouteID: "R17", Departures: 4},
		},
		TotalRoutes:     2,
		TotalDepartures: 16,
	}
}

func TestGetNearbyStops(t *testing.T) {
	svc := &fakeSearch{stops: []models.NearbyStop{
		{Stop: models.Stop{StopID: "8220DB000002", StopName: "Parnell Square"}, Distance: 42.5},
	}}

	rr := do(t, newRouter(svc), http.MethodGet, "/api/nearby-stops?lat=53.3498&lng=-6.2603", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Header().Get("Cache-Control"), "max-age")

	var resp NearbyStopsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "8220DB000002", resp.Stops[0].StopID)
	assert.Equal(t, "index", resp.Strategy)

	assert.Equal(t, models.DefaultMaxDistance, svc.lastQuery.MaxDistance)
	assert.Equal(t, models.DefaultLimit, svc.lastQuery.Limit)
}

func TestGetNearbyStopsParsesParameters(t *testing.T) {
	svc := &fakeSearch{stops: []models.NearbyStop{}}

	rr := do(t, newRouter(svc), http.MethodGet, "/api/nearby-stops?lat=53.3&lng=-6.2&maxDistance=250.5&limit=3&useManual=TRUE", "")
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, models.NearbyQuery{Lat: 53.3, Lng: -6.2, MaxDistance: 250.5, Limit: 3, UseManual: true}, svc.lastQuery)

	var resp NearbyStopsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "bbox", resp.Strategy)
	assert.NotNil(t, resp.Stops)
	assert.Zero(t, resp.Count)
}

func TestGetNearbyStopsRejectsBadInput(t *testing.T) {
	tests := []struct {
		query string
		field string
	}{
		{"lng=-6.2", "lat"},
		{"lat=53.3", "lng"},
		{"lat=abc&lng=-6.2", "lat"},
		{"lat=91&lng=-6.2", "lat"},
		{"lat=53.3&lng=-181", "lng"},
		{"lat=53.3&lng=-6.2&maxDistance=10001", "maxDistance"},
		{"lat=53.3&lng=-6.2&maxDistance=-1", "maxDistance"},
		{"lat=53.3&lng=-6.2&maxDistance=far", "maxDistance"},
		{"lat=53.3&lng=-6.2&limit=0", "limit"},
		{"lat=53.3&lng=-6.2&limit=2.5", "limit"},
		{"lat=53.3&lng=-6.2&useManual=maybe", "useManual"},
		{"lat=NaN&lng=-6.2", "lat"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rr := do(t, newRouter(&fakeSearch{}), http.MethodGet, "/api/nearby-stops?"+tt.query, "")
			require.Equal(t, http.StatusBadRequest, rr.Code)

			resp := decodeError(t, rr)
			assert.Equal(t, "invalid request", resp.Error)
			assert.Equal(t, tt.field, resp.Details["field"])
		})
	}
}

func TestNearbySearchFailureIsDistinctFromBadInput(t *testing.T) {
	svc := &fakeSearch{err: fmt.Errorf("failed to find stops: %w", context.DeadlineExceeded)}

	for _, target := range []string{
		"/api/nearby-stops?lat=53.3&lng=-6.2",
		"/api/nearby-routes?lat=53.3&lng=-6.2",
	} {
		rr := do(t, newRouter(svc), http.MethodGet, target, "")
		require.Equal(t, http.StatusInternalServerError, rr.Code, target)

		resp := decodeError(t, rr)
		assert.Equal(t, "search failed", resp.Error)
		assert.Equal(t, true, resp.Details["timeout"])
		assert.Empty(t, rr.Header().Get("Cache-Control"))
	}
}

func TestClientCancellationIsNotReported(t *testing.T) {
	var reported int
	require.NoError(t, sentry.Init(sentry.ClientOptions{
		Dsn: "https://public@sentry.example.com/1",
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			reported++
			return nil
		},
	}))
	t.Cleanup(func() { _ = sentry.Init(sentry.ClientOptions{}) })

	core, logs := observer.New(zap.DebugLevel)
	h := NewNearbyHandler(&fakeSearch{err: fmt.Errorf("failed to find stops: %w", context.Canceled)}, time.Second, zap.New(core))

	rr := httptest.NewRecorder()
	h.GetNearbyRoutes(rr, httptest.NewRequest(http.MethodGet, "/api/nearby-routes?lat=53.3&lng=-6.2", nil))

	assert.Equal(t, statusClientClosedRequest, rr.Code)
	assert.Equal(t, "request canceled", decodeError(t, rr).Error)
	assert.Zero(t, reported)
	assert.Zero(t, logs.FilterLevelExact(zap.ErrorLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("search canceled by client").Len())

	// a real failure still reaches sentry
	h = NewNearbyHandler(&fakeSearch{err: fmt.Errorf("disk I/O error")}, time.Second, zap.New(core))
	rr = httptest.NewRecorder()
	h.GetNearbyRoutes(rr, httptest.NewRequest(http.MethodGet, "/api/nearby-routes?lat=53.3&lng=-6.2", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, 1, reported)
}

func TestGetNearbyRoutes(t *testing.T) {
	svc := &fakeSearch{agg: sampleAggregate()}

	rr := do(t, newRouter(svc), http.MethodGet, "/api/nearby-routes?lat=53.3498&lng=-6.2603&maxDistance=500", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp NearbyRoutesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalRoutes)
	assert.Equal(t, 16, resp.TotalDepartures)
	assert.Len(t, resp.Routes, 2)
	assert.Equal(t, "route,departures\n145,12\n17,4\n", resp.CSV)
	assert.Equal(t, 500.0, svc.lastQuery.MaxDistance)
}

func TestPostNearbyRoutesWithStops(t *testing.T) {
	svc := &fakeSearch{agg: sampleAggregate()}

	body := `{"stops":[{"stopId":"A","distance":120.5},{"stopId":"B","distance":40}],"lat":999}`
	rr := do(t, newRouter(svc), http.MethodPost, "/api/nearby-routes", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Len(t, svc.lastStops, 2)
	assert.Equal(t, "A", svc.lastStops[0].StopID)
	assert.Equal(t, 40.0, svc.lastStops[1].Distance)
}

func TestPostNearbyRoutesWithCoordinates(t *testing.T) {
	svc := &fakeSearch{agg: sampleAggregate()}

	rr := do(t, newRouter(svc), http.MethodPost, "/api/nearby-routes", `{"lat":53.35,"lng":-6.26,"limit":5,"useManual":true}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, models.NearbyQuery{Lat: 53.35, Lng: -6.26, MaxDistance: models.DefaultMaxDistance, Limit: 5, UseManual: true}, svc.lastQuery)
}

func TestPostNearbyRoutesRejectsBadBodies(t *testing.T) {
	tests := []struct {
		body  string
		field string
	}{
		{`not json`, "body"},
		{`{"lng":-6.26}`, "lat"},
		{`{"lat":53.35}`, "lng"},
		{`{"lat":53.35,"lng":-6.26,"maxDistance":20000}`, "maxDistance"},
	}

	for _, tt := range tests {
		rr := do(t, newRouter(&fakeSearch{agg: sampleAggregate()}), http.MethodPost, "/api/nearby-routes", tt.body)
		require.Equal(t, http.StatusBadRequest, rr.Code, tt.body)
		assert.Equal(t, tt.field, decodeError(t, rr).Details["field"], tt.body)
	}
}

func TestPostNearbyRoutesPassesStopValidationErrors(t *testing.T) {
	svc := &fakeSearch{err: &models.InputError{Field: "stops[0].distance", Value: -3.0, Message: "must be a non-negative number"}}

	rr := do(t, newRouter(svc), http.MethodPost, "/api/nearby-routes", `{"stops":[{"stopId":"A","distance":-3}]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "stops[0].distance", decodeError(t, rr).Details["field"])
}

func TestGetStopRoutes(t *testing.T) {
	svc := &fakeSearch{stopRoutes: []models.RouteTripCount{{RouteID: "R145", Route: "145", TripCount: 84}}}

	rr := do(t, newRouter(svc), http.MethodGet, "/api/stops/8220DB000319/routes", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StopRoutesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "8220DB000319", resp.Stop.StopID)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, 84, resp.Routes[0].TripCount)
}

func TestGetStopRoutesNotFound(t *testing.T) {
	svc := &fakeSearch{err: fmt.Errorf("%w: nope", repository.ErrStopNotFound)}

	rr := do(t, newRouter(svc), http.MethodGet, "/api/stops/nope/routes", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "nope", decodeError(t, rr).Details["stopId"])
}

// TestNearbyRoutesEndToEnd runs the real service over a SQLite fixture:
// route 145 serves stops at ~50m (7 trips) and ~200m (14 trips), route 17
// serves ~200m (7 trips) and ~900m (7 trips).
func TestNearbyRoutesEndToEnd(t *testing.T) {
	const lat, lng = 53.3498, -6.2603
	const degPerMeter = 1 / 111195.0

	schedule := &models.Schedule{
		Stops: []models.Stop{
			{StopID: "P1", StopName: "Near", Latitude: lat + 50*degPerMeter, Longitude: lng},
			{StopID: "P2", StopName: "Mid", Latitude: lat - 200*degPerMeter, Longitude: lng},
			{StopID: "P3", StopName: "Far", Latitude: lat + 900*degPerMeter, Longitude: lng},
		},
		Routes: []models.Route{
			{RouteID: "R145", ShortName: "145"},
			{RouteID: "R17", ShortName: "17"},
		},
	}
	add := func(route, stop string, n int) {
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("%s-%s-%d", route, stop, i)
			schedule.Trips = append(schedule.Trips, models.Trip{TripID: id, RouteID: route})
			schedule.StopTimes = append(schedule.StopTimes, models.StopTimeEvent{TripID: id, StopID: stop, StopSequence: 1})
		}
	}
	add("R145", "P1", 7)
	add("R145", "P2", 14)
	add("R17", "P2", 7)
	add("R17", "P3", 7)

	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "transit.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.EnsureSchema(context.Background()))
	require.NoError(t, db.ImportSchedule(context.Background(), "fixture", schedule, time.Now()))

	svc := nearby.NewService(repository.NewSQLiteScheduleRepository(db.GetDB()), nearby.Options{})
	router := newRouter(svc)

	for _, manual := range []string{"false", "true"} {
		rr := do(t, router, http.MethodGet, fmt.Sprintf("/api/nearby-routes?lat=%v&lng=%v&useManual=%s", lat, lng, manual), "")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp NearbyRoutesResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, []models.RouteDeparture{
			{Route: "145", RouteID: "R145", Departures: 1},
			{Route: "17", RouteID: "R17", Departures: 1},
		}, resp.Routes, "useManual=%s", manual)
		assert.Equal(t, 2, resp.TotalRoutes)
		assert.Equal(t, 2, resp.TotalDepartures)
		assert.Equal(t, "route,departures\n145,1\n17,1\n", resp.CSV)
	}

	rr := do(t, router, http.MethodGet, "/api/nearby-stops?lat=53.3498&lng=-6.2603&maxDistance=100", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var stops NearbyStopsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stops))
	require.Equal(t, 1, stops.Count)
	assert.Equal(t, "P1", stops.Stops[0].StopID)
	assert.InDelta(t, 50, stops.Stops[0].Distance, 0.5)
}
