package models

// Stop is a transit stop from stops.txt.
// Maps 1:1 to rows of the stops table.
type Stop struct {
	StopID    string  `db:"stop_id" json:"stopId"`
	StopCode  string  `db:"stop_code" json:"stopCode"`
	StopName  string  `db:"stop_name" json:"stopName"`
	Latitude  float64 `db:"stop_lat" json:"lat"`
	Longitude float64 `db:"stop_lon" json:"lng"`
}

// NearbyStop is a Stop annotated with its distance in meters from a query point.
// Created per request, never persisted.
type NearbyStop struct {
	Stop
	Distance float64 `json:"distance"`
}

// StopTimeEvent is one scheduled visit of a trip to a stop (stop_times.txt).
type StopTimeEvent struct {
	TripID        string `db:"trip_id" json:"tripId"`
	StopID        string `db:"stop_id" json:"stopId"`
	ArrivalTime   string `db:"arrival_time" json:"arrivalTime"`     // HH:MM:SS, may exceed 24h
	DepartureTime string `db:"departure_time" json:"departureTime"` // HH:MM:SS, may exceed 24h
	StopSequence  int    `db:"stop_sequence" json:"stopSequence"`
}

// Trip is one scheduled run of a vehicle along a route (trips.txt).
type Trip struct {
	TripID      string  `db:"trip_id" json:"tripId"`
	RouteID     string  `db:"route_id" json:"routeId"`
	Headsign    *string `db:"trip_headsign" json:"headsign,omitempty"`
	DirectionID *int    `db:"direction_id" json:"directionId,omitempty"`
}

// Route is a named service line (routes.txt).
type Route struct {
	RouteID   string `db:"route_id" json:"routeId"`
	ShortName string `db:"route_short_name" json:"shortName,omitempty"`
	LongName  string `db:"route_long_name" json:"longName,omitempty"`
}

// DisplayName returns the name riders know the route by: the short name,
// falling back to the long name and then the route id.
func (r Route) DisplayName() string {
	if r.ShortName != "" {
		return r.ShortName
	}
	if r.LongName != "" {
		return r.LongName
	}
	return r.RouteID
}

// Schedule is a complete static timetable ready to be written to a store.
// Produced by the GTFS importer.
type Schedule struct {
	Stops     []Stop
	Routes    []Route
	Trips     []Trip
	StopTimes []StopTimeEvent
}
