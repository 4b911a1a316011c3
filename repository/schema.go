package repository

import (
	"errors"
	"sort"
	"strings"

	"github.com/liambotongpower/spotplots.com/models"
)

// ErrStopNotFound is returned by single-stop lookups when the stop id is unknown.
var ErrStopNotFound = errors.New("stop not found")

// sqliteMaxVars keeps IN lists under SQLite's bound-parameter limit.
const sqliteMaxVars = 500

// sqliteSchema creates the static schedule tables.
// stops.s2_cell holds the leaf S2 cell id of the stop, see geo.CellID.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS stops (
		stop_id   TEXT PRIMARY KEY,
		stop_code TEXT NOT NULL DEFAULT '',
		stop_name TEXT NOT NULL DEFAULT '',
		stop_lat  REAL NOT NULL,
		stop_lon  REAL NOT NULL,
		s2_cell   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stops_s2_cell ON stops(s2_cell)`,
	`CREATE INDEX IF NOT EXISTS idx_stops_lat_lon ON stops(stop_lat, stop_lon)`,
	`CREATE TABLE IF NOT EXISTS routes (
		route_id         TEXT PRIMARY KEY,
		route_short_name TEXT NOT NULL DEFAULT '',
		route_long_name  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS trips (
		trip_id       TEXT PRIMARY KEY,
		route_id      TEXT NOT NULL,
		trip_headsign TEXT,
		direction_id  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_route ON trips(route_id)`,
	`CREATE TABLE IF NOT EXISTS stop_times (
		trip_id        TEXT NOT NULL,
		stop_id        TEXT NOT NULL,
		arrival_time   TEXT NOT NULL DEFAULT '',
		departure_time TEXT NOT NULL DEFAULT '',
		stop_sequence  INTEGER NOT NULL,
		PRIMARY KEY (trip_id, stop_sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stop_times_stop_trip ON stop_times(stop_id, trip_id)`,
	`CREATE TABLE IF NOT EXISTS feed_info (
		feed_name   TEXT PRIMARY KEY,
		imported_at TEXT NOT NULL
	)`,
}

// postgresSchema mirrors sqliteSchema with Postgres column types.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS stops (
		stop_id   TEXT PRIMARY KEY,
		stop_code TEXT NOT NULL DEFAULT '',
		stop_name TEXT NOT NULL DEFAULT '',
		stop_lat  DOUBLE PRECISION NOT NULL,
		stop_lon  DOUBLE PRECISION NOT NULL,
		s2_cell   BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stops_s2_cell ON stops(s2_cell)`,
	`CREATE INDEX IF NOT EXISTS idx_stops_lat_lon ON stops(stop_lat, stop_lon)`,
	`CREATE TABLE IF NOT EXISTS routes (
		route_id         TEXT PRIMARY KEY,
		route_short_name TEXT NOT NULL DEFAULT '',
		route_long_name  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS trips (
		trip_id       TEXT PRIMARY KEY,
		route_id      TEXT NOT NULL,
		trip_headsign TEXT,
		direction_id  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_route ON trips(route_id)`,
	`CREATE TABLE IF NOT EXISTS stop_times (
		trip_id        TEXT NOT NULL,
		stop_id        TEXT NOT NULL,
		arrival_time   TEXT NOT NULL DEFAULT '',
		departure_time TEXT NOT NULL DEFAULT '',
		stop_sequence  INTEGER NOT NULL,
		PRIMARY KEY (trip_id, stop_sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stop_times_stop_trip ON stop_times(stop_id, trip_id)`,
	`CREATE TABLE IF NOT EXISTS feed_info (
		feed_name   TEXT PRIMARY KEY,
		imported_at TIMESTAMPTZ NOT NULL
	)`,
}

// uniqueStrings returns ids with duplicates and empty strings removed,
// preserving first-seen order.
func uniqueStrings(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// chunkStrings splits ids into consecutive slices of at most size elements.
func chunkStrings(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// placeholders returns "?, ?, ?" for n bound parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// stringArgs converts ids to a []interface{} for database/sql variadic args.
func stringArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// countRoutes tallies tripIDs per route. Trips missing from routesByTrip are
// skipped. Results are ordered by route id.
func countRoutes(tripIDs []string, routesByTrip map[string]models.Route) []models.RouteTripCount {
	counts := make(map[string]*models.RouteTripCount)
	order := make([]string, 0)

	for _, tripID := range tripIDs {
		route, ok := routesByTrip[tripID]
		if !ok {
			continue
		}
		c, ok := counts[route.RouteID]
		if !ok {
			c = &models.RouteTripCount{RouteID: route.RouteID, Route: route.DisplayName()}
			counts[route.RouteID] = c
			order = append(order, route.RouteID)
		}
		c.TripCount++
	}

	sort.Strings(order)
	result := make([]models.RouteTripCount, 0, len(order))
	for _, routeID := range order {
		result = append(result, *counts[routeID])
	}
	return result
}
