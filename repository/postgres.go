package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liambotongpower/spotplots.com/geo"
	"github.com/liambotongpower/spotplots.com/models"
)

// PostgresScheduleRepository answers schedule queries from Postgres.
// Batched lookups send the whole id set as one array parameter.
type PostgresScheduleRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresScheduleRepository(databaseURL string) (*PostgresScheduleRepository, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresScheduleRepository{pool: pool}, nil
}

func (r *PostgresScheduleRepository) Close() {
	r.pool.Close()
}

func (r *PostgresScheduleRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// EnsureSchema creates the schedule tables and indexes if they do not exist.
func (r *PostgresScheduleRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func collectStops(rows pgx.Rows) ([]models.Stop, error) {
	defer rows.Close()

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

func (r *PostgresScheduleRepository) GetStop(ctx context.Context, stopID string) (*models.Stop, error) {
	query := `SELECT ` + stopColumns + ` FROM stops WHERE stop_id = $1`

	var s models.Stop
	err := r.pool.QueryRow(ctx, query, stopID).Scan(&s.StopID, &s.StopCode, &s.StopName, &s.Latitude, &s.Longitude)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStopNotFound, stopID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query stop: %w", err)
	}
	return &s, nil
}

func (r *PostgresScheduleRepository) StopsInCellRanges(ctx context.Context, ranges []geo.CellRange) ([]models.Stop, error) {
	if len(ranges) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(ranges))
	args := make([]interface{}, 0, len(ranges)*2)
	for i, cr := range ranges {
		clauses = append(clauses, fmt.Sprintf("(s2_cell BETWEEN $%d AND $%d)", i*2+1, i*2+2))
		args = append(args, cr.Min, cr.Max)
	}

	query := `SELECT ` + stopColumns + ` FROM stops WHERE ` + strings.Join(clauses, " OR ")

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops by cell: %w", err)
	}
	return collectStops(rows)
}

func (r *PostgresScheduleRepository) StopsInBox(ctx context.Context, box geo.BoundingBox, centerLat, centerLng float64, fetchLimit int) ([]models.Stop, error) {
	lonFilter := `stop_lon BETWEEN $3 AND $4`
	if box.WrapsAntimeridian() {
		lonFilter = `(stop_lon >= $3 OR stop_lon <= $4)`
	}

	query := `
		SELECT ` + stopColumns + `
		FROM stops
		WHERE stop_lat BETWEEN $1 AND $2
		  AND ` + lonFilter + `
		ORDER BY
			(stop_lat - $5) * (stop_lat - $5)
			+ (LEAST(ABS(stop_lon - $6), 360 - ABS(stop_lon - $6)) * $7)
			* (LEAST(ABS(stop_lon - $6), 360 - ABS(stop_lon - $6)) * $7),
			stop_id
		LIMIT $8
	`

	rows, err := r.pool.Query(ctx, query,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon,
		centerLat, centerLng, math.Cos(centerLat*math.Pi/180),
		fetchLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops in box: %w", err)
	}
	return collectStops(rows)
}

func (r *PostgresScheduleRepository) TripIDsServingStop(ctx context.Context, stopID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT trip_id FROM stop_times WHERE stop_id = $1 ORDER BY trip_id`, stopID)
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

func (r *PostgresScheduleRepository) TripIDsForStops(ctx context.Context, stopIDs []string) (map[string][]string, error) {
	result := make(map[string][]string)
	ids := uniqueStrings(stopIDs)
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT stop_id, trip_id
		FROM stop_times
		WHERE stop_id = ANY($1)
		ORDER BY stop_id, trip_id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query trips for stops: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stopID, tripID string
		if err := rows.Scan(&stopID, &tripID); err != nil {
			return nil, fmt.Errorf("failed to scan stop trip: %w", err)
		}
		result[stopID] = append(result[stopID], tripID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stop trips: %w", err)
	}
	return result, nil
}

func (r *PostgresScheduleRepository) RoutesByTrip(ctx context.Context, tripIDs []string) (map[string]models.Route, error) {
	result := make(map[string]models.Route)
	ids := uniqueStrings(tripIDs)
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT t.trip_id, r.route_id, r.route_short_name, r.route_long_name
		FROM trips t
		JOIN routes r ON r.route_id = t.route_id
		WHERE t.trip_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes for trips: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tripID string
		var route models.Route
		if err := rows.Scan(&tripID, &route.RouteID, &route.ShortName, &route.LongName); err != nil {
			return nil, fmt.Errorf("failed to scan trip route: %w", err)
		}
		result[tripID] = route
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trip routes: %w", err)
	}
	return result, nil
}

func (r *PostgresScheduleRepository) RoutesForTrips(ctx context.Context, tripIDs []string) ([]models.RouteTripCount, error) {
	routesByTrip, err := r.RoutesByTrip(ctx, tripIDs)
	if err != nil {
		return nil, err
	}
	return countRoutes(uniqueStrings(tripIDs), routesByTrip), nil
}

func (r *PostgresScheduleRepository) Stats(ctx context.Context) (*models.DatasetStats, error) {
	var stats models.DatasetStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM stops),
			(SELECT COUNT(*) FROM routes),
			(SELECT COUNT(*) FROM trips),
			(SELECT COUNT(*) FROM stop_times)
	`).Scan(&stats.Stops, &stats.Routes, &stats.Trips, &stats.StopTimes)
	if err != nil {
		return nil, fmt.Errorf("failed to query dataset stats: %w", err)
	}

	var feedName string
	var importedAt time.Time
	err = r.pool.QueryRow(ctx, `SELECT feed_name, imported_at FROM feed_info ORDER BY imported_at DESC LIMIT 1`).Scan(&feedName, &importedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to query feed info: %w", err)
	default:
		stats.FeedName = feedName
		stats.ImportedAt = &importedAt
	}

	return &stats, nil
}

// ImportSchedule replaces the stored schedule using COPY inside one transaction.
func (r *PostgresScheduleRepository) ImportSchedule(ctx context.Context, feedName string, schedule *models.Schedule, importedAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE stop_times, trips, routes, stops, feed_info`); err != nil {
		return fmt.Errorf("failed to clear schedule: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"stops"},
		[]string{"stop_id", "stop_code", "stop_name", "stop_lat", "stop_lon", "s2_cell"},
		pgx.CopyFromSlice(len(schedule.Stops), func(i int) ([]any, error) {
			st := schedule.Stops[i]
			return []any{st.StopID, st.StopCode, st.StopName, st.Latitude, st.Longitude, geo.CellID(st.Latitude, st.Longitude)}, nil
		})); err != nil {
		return fmt.Errorf("failed to copy stops: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"routes"},
		[]string{"route_id", "route_short_name", "route_long_name"},
		pgx.CopyFromSlice(len(schedule.Routes), func(i int) ([]any, error) {
			rt := schedule.Routes[i]
			return []any{rt.RouteID, rt.ShortName, rt.LongName}, nil
		})); err != nil {
		return fmt.Errorf("failed to copy routes: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"trips"},
		[]string{"trip_id", "route_id", "trip_headsign", "direction_id"},
		pgx.CopyFromSlice(len(schedule.Trips), func(i int) ([]any, error) {
			t := schedule.Trips[i]
			return []any{t.TripID, t.RouteID, t.Headsign, t.DirectionID}, nil
		})); err != nil {
		return fmt.Errorf("failed to copy trips: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"stop_times"},
		[]string{"trip_id", "stop_id", "arrival_time", "departure_time", "stop_sequence"},
		pgx.CopyFromSlice(len(schedule.StopTimes), func(i int) ([]any, error) {
			st := schedule.StopTimes[i]
			return []any{st.TripID, st.StopID, st.ArrivalTime, st.DepartureTime, st.StopSequence}, nil
		})); err != nil {
		return fmt.Errorf("failed to copy stop times: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO feed_info (feed_name, imported_at) VALUES ($1, $2)
		ON CONFLICT (feed_name) DO UPDATE SET imported_at = EXCLUDED.imported_at
	`, feedName, importedAt.UTC()); err != nil {
		return fmt.Errorf("failed to record feed info: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit import: %w", err)
	}
	return nil
}
