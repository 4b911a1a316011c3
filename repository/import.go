package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/liambotongpower/spotplots.com/geo"
	"github.com/liambotongpower/spotplots.com/models"
)

// ImportSchedule replaces the stored schedule with schedule in a single
// transaction and records the import under feedName. feed_info only ever
// describes the dataset currently loaded.
func (s *SQLiteDB) ImportSchedule(ctx context.Context, feedName string, schedule *models.Schedule, importedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"stop_times", "trips", "routes", "stops", "feed_info"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := insertRows(ctx, tx,
		`INSERT OR REPLACE INTO stops (stop_id, stop_code, stop_name, stop_lat, stop_lon, s2_cell) VALUES (?, ?, ?, ?, ?, ?)`,
		len(schedule.Stops), func(i int) []interface{} {
			st := schedule.Stops[i]
			return []interface{}{st.StopID, st.StopCode, st.StopName, st.Latitude, st.Longitude, geo.CellID(st.Latitude, st.Longitude)}
		}); err != nil {
		return fmt.Errorf("failed to insert stops: %w", err)
	}

	if err := insertRows(ctx, tx,
		`INSERT OR REPLACE INTO routes (route_id, route_short_name, route_long_name) VALUES (?, ?, ?)`,
		len(schedule.Routes), func(i int) []interface{} {
			rt := schedule.Routes[i]
			return []interface{}{rt.RouteID, rt.ShortName, rt.LongName}
		}); err != nil {
		return fmt.Errorf("failed to insert routes: %w", err)
	}

	if err := insertRows(ctx, tx,
		`INSERT OR REPLACE INTO trips (trip_id, route_id, trip_headsign, direction_id) VALUES (?, ?, ?, ?)`,
		len(schedule.Trips), func(i int) []interface{} {
			t := schedule.Trips[i]
			return []interface{}{t.TripID, t.RouteID, t.Headsign, t.DirectionID}
		}); err != nil {
		return fmt.Errorf("failed to insert trips: %w", err)
	}

	if err := insertRows(ctx, tx,
		`INSERT OR REPLACE INTO stop_times (trip_id, stop_id, arrival_time, departure_time, stop_sequence) VALUES (?, ?, ?, ?, ?)`,
		len(schedule.StopTimes), func(i int) []interface{} {
			st := schedule.StopTimes[i]
			return []interface{}{st.TripID, st.StopID, st.ArrivalTime, st.DepartureTime, st.StopSequence}
		}); err != nil {
		return fmt.Errorf("failed to insert stop times: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO feed_info (feed_name, imported_at) VALUES (?, ?)`,
		feedName, importedAt.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to record feed info: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import: %w", err)
	}
	return nil
}

// insertRows executes query once per row using a single prepared statement.
func insertRows(ctx context.Context, tx *sql.Tx, query string, n int, row func(i int) []interface{}) error {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, row(i)...); err != nil {
			return err
		}
	}
	return nil
}
