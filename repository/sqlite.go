package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/liambotongpower/spotplots.com/geo"
	"github.com/liambotongpower/spotplots.com/models"

	_ "modernc.org/sqlite"
)

// SQLiteDB wraps a SQL database connection for SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB creates a new SQLite database connection
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *SQLiteDB) GetDB() *sql.DB {
	return s.db
}

// EnsureSchema creates the schedule tables and indexes if they do not exist.
func (s *SQLiteDB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// SQLiteScheduleRepository answers read-only schedule queries from SQLite.
// Safe for concurrent use.
type SQLiteScheduleRepository struct {
	db *sql.DB
}

// NewSQLiteScheduleRepository creates a new SQLiteScheduleRepository
func NewSQLiteScheduleRepository(db *sql.DB) *SQLiteScheduleRepository {
	return &SQLiteScheduleRepository{db: db}
}

// Ping verifies the database is reachable.
func (r *SQLiteScheduleRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const stopColumns = `stop_id, stop_code, stop_name, stop_lat, stop_lon`

func scanStops(rows *sql.Rows) ([]models.Stop, error) {
	var stops []models.Stop
	for rows.Next() {
		var s models.Stop
		if err := rows.Scan(&s.StopID, &s.StopCode, &s.StopName, &s.Latitude, &s.Longitude); err != nil {
			return nil, fmt.Errorf("failed to scan stop: %w", err)
		}
		stops = append(stops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stops: %w", err)
	}
	return stops, nil
}

// GetStop returns a single stop by id, or ErrStopNotFound.
func (r *SQLiteScheduleRepository) GetStop(ctx context.Context, stopID string) (*models.Stop, error) {
	query := `SELECT ` + stopColumns + ` FROM stops WHERE stop_id = ?`

	var s models.Stop
	err := r.db.QueryRowContext(ctx, query, stopID).Scan(&s.StopID, &s.StopCode, &s.StopName, &s.Latitude, &s.Longitude)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStopNotFound, stopID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query stop: %w", err)
	}
	return &s, nil
}

// StopsInCellRanges returns every stop whose s2_cell falls in one of ranges.
// One query regardless of how many ranges are passed.
func (r *SQLiteScheduleRepository) StopsInCellRanges(ctx context.Context, ranges []geo.CellRange) ([]models.Stop, error) {
	if len(ranges) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(ranges))
	args := make([]interface{}, 0, len(ranges)*2)
	for _, cr := range ranges {
		clauses = append(clauses, "(s2_cell BETWEEN ? AND ?)")
		args = append(args, cr.Min, cr.Max)
	}

	query := `SELECT ` + stopColumns + ` FROM stops WHERE ` + strings.Join(clauses, " OR ")

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops by cell: %w", err)
	}
	defer rows.Close()

	return scanStops(rows)
}

// StopsInBox returns up to fetchLimit stops inside box, nearest to
// (centerLat, centerLng) first by an equirectangular approximation.
func (r *SQLiteScheduleRepository) StopsInBox(ctx context.Context, box geo.BoundingBox, centerLat, centerLng float64, fetchLimit int) ([]models.Stop, error) {
	lonFilter := `stop_lon BETWEEN ? AND ?`
	if box.WrapsAntimeridian() {
		lonFilter = `(stop_lon >= ? OR stop_lon <= ?)`
	}
	cosLat := math.Cos(centerLat * math.Pi / 180)

	query := `
		SELECT ` + stopColumns + `
		FROM stops
		WHERE stop_lat BETWEEN ? AND ?
		  AND ` + lonFilter + `
		ORDER BY
			(stop_lat - ?) * (stop_lat - ?)
			+ (MIN(ABS(stop_lon - ?), 360 - ABS(stop_lon - ?)) * ?)
			* (MIN(ABS(stop_lon - ?), 360 - ABS(stop_lon - ?)) * ?),
			stop_id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query,
		box.MinLat, box.MaxLat,
		box.MinLon, box.MaxLon,
		centerLat, centerLat,
		centerLng, centerLng, cosLat,
		centerLng, centerLng, cosLat,
		fetchLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops in box: %w", err)
	}
	defer rows.Close()

	return scanStops(rows)
}

// TripIDsServingStop returns the distinct trip ids that call at stopID.
func (r *SQLiteScheduleRepository) TripIDsServingStop(ctx context.Context, stopID string) ([]string, error) {
	query := `SELECT DISTINCT trip_id FROM stop_times WHERE stop_id = ? ORDER BY trip_id`

	rows, err := r.db.QueryContext(ctx, query, stopID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips for stop: %w", err)
	}
	defer rows.Close()

	tripIDs := []string{}
	for rows.Next() {
		var tripID string
		if err := rows.Scan(&tripID); err != nil {
			return nil, fmt.Errorf("failed to scan trip id: %w", err)
		}
		tripIDs = append(tripIDs, tripID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trip ids: %w", err)
	}
	return tripIDs, nil
}

// TripIDsForStops returns, per stop id, the distinct trip ids that call there.
// Stops without trips are absent from the map.
func (r *SQLiteScheduleRepository) TripIDsForStops(ctx context.Context, stopIDs []string) (map[string][]string, error) {
	result := make(map[string][]string)

	for _, chunk := range chunkStrings(uniqueStrings(stopIDs), sqliteMaxVars) {
		query := `
			SELECT DISTINCT stop_id, trip_id
			FROM stop_times
			WHERE stop_id IN (` + placeholders(len(chunk)) + `)
			ORDER BY stop_id, trip_id
		`

		rows, err := r.db.QueryContext(ctx, query, stringArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query trips for stops: %w", err)
		}

		for rows.Next() {
			var stopID, tripID string
			if err := rows.Scan(&stopID, &tripID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan stop trip: %w", err)
			}
			result[stopID] = append(result[stopID], tripID)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating stop trips: %w", err)
		}
	}

	return result, nil
}

// RoutesByTrip resolves the route of every trip id. Trips that are unknown,
// or whose route is missing, are absent from the map.
func (r *SQLiteScheduleRepository) RoutesByTrip(ctx context.Context, tripIDs []string) (map[string]models.Route, error) {
	result := make(map[string]models.Route)

	for _, chunk := range chunkStrings(uniqueStrings(tripIDs), sqliteMaxVars) {
		query := `
			SELECT t.trip_id, r.route_id, r.route_short_name, r.route_long_name
			FROM trips t
			JOIN routes r ON r.route_id = t.route_id
			WHERE t.trip_id IN (` + placeholders(len(chunk)) + `)
		`

		rows, err := r.db.QueryContext(ctx, query, stringArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query routes for trips: %w", err)
		}

		for rows.Next() {
			var tripID string
			var route models.Route
			if err := rows.Scan(&tripID, &route.RouteID, &route.ShortName, &route.LongName); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan trip route: %w", err)
			}
			result[tripID] = route
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating trip routes: %w", err)
		}
	}

	return result, nil
}

// RoutesForTrips groups tripIDs by route and counts how many belong to each.
// Results are ordered by route id.
func (r *SQLiteScheduleRepository) RoutesForTrips(ctx context.Context, tripIDs []string) ([]models.RouteTripCount, error) {
	routesByTrip, err := r.RoutesByTrip(ctx, tripIDs)
	if err != nil {
		return nil, err
	}
	return countRoutes(uniqueStrings(tripIDs), routesByTrip), nil
}

// Stats returns row counts and the most recent import time.
func (r *SQLiteScheduleRepository) Stats(ctx context.Context) (*models.DatasetStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM stops),
			(SELECT COUNT(*) FROM routes),
			(SELECT COUNT(*) FROM trips),
			(SELECT COUNT(*) FROM stop_times)
	`

	var stats models.DatasetStats
	if err := r.db.QueryRowContext(ctx, query).Scan(&stats.Stops, &stats.Routes, &stats.Trips, &stats.StopTimes); err != nil {
		return nil, fmt.Errorf("failed to query dataset stats: %w", err)
	}

	var feedName, importedAt string
	err := r.db.QueryRowContext(ctx, `SELECT feed_name, imported_at FROM feed_info ORDER BY imported_at DESC LIMIT 1`).Scan(&feedName, &importedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to query feed info: %w", err)
	default:
		stats.FeedName = feedName
		stats.ImportedAt = parseTimeString(&importedAt)
	}

	return &stats, nil
}

// parseTimeString converts an RFC3339 string to *time.Time
// Returns nil if the input is nil or empty
func parseTimeString(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &t
}
