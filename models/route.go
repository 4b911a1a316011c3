package models

import "math"

// ServiceDaysPerWeek converts weekly trip counts to a daily average.
// Feeds are assumed to describe exactly one week of service.
const ServiceDaysPerWeek = 7

// DailyDepartures returns the rounded daily average for a weekly trip count.
// Halves round away from zero.
func DailyDepartures(weeklyTrips int) int {
	return int(math.Round(float64(weeklyTrips) / ServiceDaysPerWeek))
}

// RouteTripCount is a route together with the number of trips, out of some
// input set, that belong to it.
type RouteTripCount struct {
	RouteID   string `json:"routeId"`
	Route     string `json:"route"`
	TripCount int    `json:"tripCount"`
}

// RouteDeparture is a route's display name paired with its average daily
// departures from the nearest stop serving it.
type RouteDeparture struct {
	Route      string `json:"route"`
	RouteID    string `json:"routeId"`
	Departures int    `json:"departures"`
}

// RouteAggregate is the result of aggregating departures over a set of nearby stops.
type RouteAggregate struct {
	Routes          []RouteDeparture `json:"routes"`
	TotalRoutes     int              `json:"totalRoutes"`
	TotalDepartures int              `json:"totalDepartures"`
}

// EmptyRouteAggregate returns an aggregate with no routes and a non-nil slice,
// so it encodes as [] rather than null.
func EmptyRouteAggregate() *RouteAggregate {
	return &RouteAggregate{Routes: []RouteDeparture{}}
}
