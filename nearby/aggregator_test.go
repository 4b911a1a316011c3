package nearby

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liambotongpower/spotplots.com/models"
)

func TestAggregateRoutesNearestStopWins(t *testing.T) {
	store := newFakeStore()
	route := models.Route{RouteID: "R1", ShortName: "39A"}
	store.serve("A", route, 14)
	store.serve("B", route, 21)

	agg, err := NewAggregator(store, nil).AggregateRoutes(context.Background(), []models.NearbyStop{
		nearbyStop("B", 300),
		nearbyStop("A", 100),
	})
	require.NoError(t, err)

	require.Len(t, agg.Routes, 1)
	assert.Equal(t, models.RouteDeparture{Route: "39A", RouteID: "R1", Departures: 2}, agg.Routes[0])
	assert.Equal(t, 1, agg.TotalRoutes)
	assert.Equal(t, 2, agg.TotalDepartures)
}

func TestAggregateRoutesEmptyInput(t *testing.T) {
	store := newFakeStore()

	for _, stops := range [][]models.NearbyStop{nil, {}} {
		agg, err := NewAggregator(store, nil).AggregateRoutes(context.Background(), stops)
		require.NoError(t, err)
		assert.NotNil(t, agg.Routes)
		assert.Empty(t, agg.Routes)
		assert.Zero(t, agg.TotalRoutes)
		assert.Zero(t, agg.TotalDepartures)
	}
	assert.Zero(t, store.callCount("TripIDsForStops"))
}

func TestAggregateRoutesStopsWithoutTrips(t *testing.T) {
	store := newFakeStore()

	agg, err := NewAggregator(store, nil).AggregateRoutes(context.Background(), []models.NearbyStop{
		nearbyStop("quiet", 10),
	})
	require.NoError(t, err)
	assert.Empty(t, agg.Routes)
	assert.Zero(t, store.callCount("RoutesByTrip"))
}

func TestAggregateRoutesQueriesStoreTwice(t *testing.T) {
	store := newFakeStore()
	stops := make([]models.NearbyStop, 0, 40)
	for i := 0; i < 40; i++ {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		store.serve(id, models.Route{RouteID: "R" + id, ShortName: id}, 7)
		stops = append(stops, nearbyStop(id, float64(i*10)))
	}

	agg, err := NewAggregator(store, nil).AggregateRoutes(context.Background(), stops)
	require.NoError(t, err)
	assert.Equal(t, 40, agg.TotalRoutes)
	assert.Equal(t, 40, agg.TotalDepartures)

	assert.Equal(t, 1, store.callCount("TripIDsForStops"))
	assert.Equal(t, 1, store.callCount("RoutesByTrip"))
	assert.Zero(t, store.callCount("TripIDsServingStop"))
}

func TestAggregateRoutesTotalsMatchRoutes(t *testing.T) {
	store := newFakeStore()
	store.serve("A", models.Route{RouteID: "R1", ShortName: "1"}, 70)
	store.serve("A", models.Route{RouteID: "R2", ShortName: "2"}, 3)
	store.serve("B", models.Route{RouteID: "R3", ShortName: "3"}, 25)
	store.serve("B", models.Route{RouteID: "R1", ShortName: "1"}, 140)

	agg, err := NewAggregator(store, nil).AggregateRoutes(context.Background(), []models.NearbyStop{
		nearbyStop("A", 10),
		nearbyStop("B", 20),
	})
	require.NoError(t, err)

	sum := 0
	for _, r := range agg.Routes {
		sum += r.Departures
	}
	assert.Equal(t, sum, agg.TotalDepartures)
	assert.Equal(t, len(agg.Routes), agg.TotalRoutes)
	assert.Equal(t, map[string]int{"1": 10, "2": 0, "3": 4}, departuresByRoute(agg))
}

func TestAggregateRoutesSortOrder(t *testing.T) {
	store := newFakeStore()
	store.serve("A", models.Route{RouteID: "R-b", ShortName: "B"}, 14)
	store.serve("A", models.Route{RouteID: "R-a", ShortName: "A"}, 14)
	store.serve("A", models.Route{RouteID: "R-z", ShortName: "Z"}, 35)
	store.serve("A", models.Route{RouteID: "R-a2", ShortName: "A"}, 14)

	agg, err := NewAggregator(store, nil).AggregateRoutes(context.Background(), []models.NearbyStop{nearbyStop("A", 5)})
	require.NoError(t, err)

	var got []string
	for _, r := range agg.Routes {
		got = append(got, r.RouteID)
	}
	assert.Equal(t, []string{"R-z", "R-a", "R-a2", "R-b"}, got)
}

func TestAggregateRoutesDuplicateStops(t *testing.T) {
	store := newFakeStore()
	store.serve("A", models.Route{RouteID: "R1", ShortName: "1"}, 7)

	agg, err := NewAggregator(store, nil).AggregateRoutes(context.Background(), []models.NearbyStop{
		nearbyStop("A", 10),
		nearbyStop("A", 10),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"1": 1}, departuresByRoute(agg))
}

func TestAggregateRoutesPropagatesStoreErrors(t *testing.T) {
	for _, op := range []string{"TripIDsForStops", "RoutesByTrip"} {
		store := newFakeStore()
		store.serve("A", models.Route{RouteID: "R1", ShortName: "1"}, 7)
		store.failOn[op] = errStoreDown

		agg, err := NewAggregator(store, nil).AggregateRoutes(context.Background(), []models.NearbyStop{nearbyStop("A", 1)})
		require.Error(t, err, op)
		assert.Nil(t, agg)
		assert.ErrorIs(t, err, errStoreDown)
		assert.False(t, models.IsInputError(err))
	}
}

func TestAggregateRoutesHonoursCancellation(t *testing.T) {
	store := newFakeStore()
	store.serve("A", models.Route{RouteID: "R1", ShortName: "1"}, 7)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAggregator(store, nil).AggregateRoutes(ctx, []models.NearbyStop{nearbyStop("A", 1)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.callCount("TripIDsForStops"))
}

func TestAggregateRoutesScenarioOnSQLite(t *testing.T) {
	store := newSQLiteStore(t, scenarioSchedule())

	stops, err := NewIndexLocator(store, nil).FindNearbyStops(context.Background(), models.NewNearbyQuery(centerLat, centerLng))
	require.NoError(t, err)
	require.Equal(t, []string{"P1", "P2", "P3"}, ids(stops))

	agg, err := NewAggregator(store, nil).AggregateRoutes(context.Background(), stops)
	require.NoError(t, err)

	assert.Equal(t, []models.RouteDeparture{
		{Route: "145", RouteID: "R145", Departures: 1},
		{Route: "17", RouteID: "R17", Departures: 1},
	}, agg.Routes)
	assert.Equal(t, 2, agg.TotalRoutes)
	assert.Equal(t, 2, agg.TotalDepartures)
}

func TestAggregateRoutesSkipsTripsWithoutRoute(t *testing.T) {
	s := scenarioSchedule()
	addTrips(s, "ghost", "R-missing", "P1", 70)
	store := newSQLiteStore(t, s)

	agg, err := NewAggregator(store, nil).AggregateRoutes(context.Background(), []models.NearbyStop{
		{Stop: models.Stop{StopID: "P1"}, Distance: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"145": 1}, departuresByRoute(agg))
}
