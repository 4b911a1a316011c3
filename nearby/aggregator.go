package nearby

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/liambotongpower/spotplots.com/models"
)

// ScheduleReader is the read-only trip and route query surface of the store.
type ScheduleReader interface {
	TripIDsServingStop(ctx context.Context, stopID string) ([]string, error)
	TripIDsForStops(ctx context.Context, stopIDs []string) (map[string][]string, error)
	RoutesByTrip(ctx context.Context, tripIDs []string) (map[string]models.Route, error)
	RoutesForTrips(ctx context.Context, tripIDs []string) ([]models.RouteTripCount, error)
}

// Aggregator turns a list of nearby stops into per-route daily departures.
//
// Each route is credited only to the nearest stop that serves it, so a route
// passing several nearby stops is counted once.
type Aggregator struct {
	schedule ScheduleReader
	metrics  Metrics
}

// NewAggregator creates an Aggregator reading from schedule.
func NewAggregator(schedule ScheduleReader, metrics Metrics) *Aggregator {
	return &Aggregator{schedule: schedule, metrics: orNop(metrics)}
}

// AggregateRoutes computes route departures for stops.
//
// Stops are walked nearest first. The store is queried twice regardless of
// how many stops are passed: once for the trips of every stop and once for
// the routes of every trip. Cancellation is checked between the two.
func (a *Aggregator) AggregateRoutes(ctx context.Context, stops []models.NearbyStop) (*models.RouteAggregate, error) {
	if len(stops) == 0 {
		return models.EmptyRouteAggregate(), nil
	}

	ordered := nearestFirst(stops)

	stopIDs := make([]string, len(ordered))
	for i, s := range ordered {
		stopIDs[i] = s.StopID
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	tripsByStop, err := a.schedule.TripIDsForStops(ctx, stopIDs)
	a.metrics.ObserveQuery("trip_ids_for_stops", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve trips for %d stops: %w", len(stopIDs), err)
	}

	var tripIDs []string
	for _, id := range stopIDs {
		tripIDs = append(tripIDs, tripsByStop[id]...)
	}
	if len(tripIDs) == 0 {
		return models.EmptyRouteAggregate(), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start = time.Now()
	routesByTrip, err := a.schedule.RoutesByTrip(ctx, tripIDs)
	a.metrics.ObserveQuery("routes_by_trip", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve routes for %d trips: %w", len(tripIDs), err)
	}

	return claimRoutes(ordered, tripsByStop, routesByTrip), nil
}

// nearestFirst returns a copy of stops sorted by distance with duplicate stop
// ids removed. Equal distances keep their input order.
func nearestFirst(stops []models.NearbyStop) []models.NearbyStop {
	ordered := make([]models.NearbyStop, len(stops))
	copy(ordered, stops)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Distance < ordered[j].Distance
	})

	seen := make(map[string]struct{}, len(ordered))
	unique := ordered[:0]
	for _, s := range ordered {
		if _, ok := seen[s.StopID]; ok {
			continue
		}
		seen[s.StopID] = struct{}{}
		unique = append(unique, s)
	}
	return unique
}

// claimRoutes walks stops nearest first. The first stop serving a route fixes
// its departures; later stops on the same route are ignored.
func claimRoutes(ordered []models.NearbyStop, tripsByStop map[string][]string, routesByTrip map[string]models.Route) *models.RouteAggregate {
	claimed := make(map[string]struct{})
	result := models.EmptyRouteAggregate()

	for _, stop := range ordered {
		tripCounts := make(map[string]int)
		routes := make(map[string]models.Route)
		seenTrips := make(map[string]struct{})

		for _, tripID := range tripsByStop[stop.StopID] {
			if _, dup := seenTrips[tripID]; dup {
				continue
			}
			seenTrips[tripID] = struct{}{}

			route, ok := routesByTrip[tripID]
			if !ok {
				continue
			}
			tripCounts[route.RouteID]++
			routes[route.RouteID] = route
		}

		for routeID, count := range tripCounts {
			if _, done := claimed[routeID]; done {
				continue
			}
			claimed[routeID] = struct{}{}
			result.Routes = append(result.Routes, models.RouteDeparture{
				Route:      routes[routeID].DisplayName(),
				RouteID:    routeID,
				Departures: models.DailyDepartures(count),
			})
		}
	}

	sortDepartures(result.Routes)

	result.TotalRoutes = len(result.Routes)
	for _, r := range result.Routes {
		result.TotalDepartures += r.Departures
	}
	return result
}

// sortDepartures orders by departures descending, then name, then route id.
func sortDepartures(routes []models.RouteDeparture) {
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Departures != routes[j].Departures {
			return routes[i].Departures > routes[j].Departures
		}
		if routes[i].Route != routes[j].Route {
			return routes[i].Route < routes[j].Route
		}
		return routes[i].RouteID < routes[j].RouteID
	})
}
