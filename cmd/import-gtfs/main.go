package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jamespfennell/gtfs"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/liambotongpower/spotplots.com/config"
	"github.com/liambotongpower/spotplots.com/geo"
	"github.com/liambotongpower/spotplots.com/logging"
	"github.com/liambotongpower/spotplots.com/models"
	"github.com/liambotongpower/spotplots.com/repository"
)

// importer is implemented by both schedule stores.
type importer interface {
	EnsureSchema(ctx context.Context) error
	ImportSchedule(ctx context.Context, feedName string, schedule *models.Schedule, importedAt time.Time) error
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	driver := flag.String("driver", envOr("STORE_DRIVER", config.DriverSQLite), "Store driver: sqlite or postgres")
	dbPath := flag.String("db", envOr("SQLITE_DATABASE", "../../data/transit.db"), "Path to SQLite database")
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	gtfsPath := flag.String("gtfs", "../../data/gtfs", "GTFS zip file, or a directory of zip files merged into one dataset")
	feedName := flag.String("feed", "", "Feed name recorded with the import (defaults to the zip names)")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger := logging.Must(*logLevel, "console")
	defer logger.Sync()

	zips, err := findZips(*gtfsPath)
	if err != nil {
		logger.Fatal("failed to find GTFS files", zap.String("path", *gtfsPath), zap.Error(err))
	}
	if *feedName == "" {
		*feedName = deriveFeedName(zips)
	}

	schedule := &models.Schedule{}
	for _, zipPath := range zips {
		logger.Info("parsing GTFS", zap.String("file", zipPath))

		data, err := os.ReadFile(zipPath)
		if err != nil {
			logger.Fatal("failed to read GTFS file", zap.String("file", zipPath), zap.Error(err))
		}
		static, err := gtfs.ParseStatic(data, gtfs.ParseStaticOptions{})
		if err != nil {
			logger.Fatal("failed to parse GTFS file", zap.String("file", zipPath), zap.Error(err))
		}

		part := convertStatic(static)
		logger.Info("parsed",
			zap.String("file", filepath.Base(zipPath)),
			zap.Int("routes", len(part.Routes)),
			zap.Int("stops", len(part.Stops)),
			zap.Int("trips", len(part.Trips)),
			zap.Int("stop_times", len(part.StopTimes)),
		)
		if dropped := mergeSchedule(schedule, part); dropped > 0 {
			logger.Warn("dropped rows already loaded from an earlier file",
				zap.String("file", filepath.Base(zipPath)),
				zap.Int("rows", dropped),
			)
		}
	}

	ctx := context.Background()

	store, closeStore, err := openStore(*driver, *dbPath, *databaseURL)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", *driver), zap.Error(err))
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("failed to ensure schema", zap.Error(err))
	}

	start := time.Now()
	if err := store.ImportSchedule(ctx, *feedName, schedule, time.Now().UTC()); err != nil {
		logger.Fatal("import failed", zap.String("feed", *feedName), zap.Error(err))
	}

	logger.Info("import complete",
		zap.String("feed", *feedName),
		zap.Int("stops", len(schedule.Stops)),
		zap.Int("routes", len(schedule.Routes)),
		zap.Int("trips", len(schedule.Trips)),
		zap.Int("stop_times", len(schedule.StopTimes)),
		zap.Duration("took", time.Since(start)),
	)
}

func openStore(driver, dbPath, databaseURL string) (importer, func(), error) {
	switch strings.ToLower(driver) {
	case config.DriverSQLite:
		db, err := repository.NewSQLiteDB(dbPath)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	case config.DriverPostgres:
		if databaseURL == "" {
			return nil, nil, fmt.Errorf("-database-url or DATABASE_URL is required for postgres")
		}
		repo, err := repository.NewPostgresScheduleRepository(databaseURL)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// findZips returns path itself when it is a file, or the sorted .zip files
// directly inside it when it is a directory.
func findZips(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var zips []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".zip") {
			continue
		}
		zips = append(zips, filepath.Join(path, entry.Name()))
	}
	if len(zips) == 0 {
		return nil, fmt.Errorf("no .zip files in %s", path)
	}
	sort.Strings(zips)
	return zips, nil
}

// deriveFeedName joins the zip base names, without extension and _gtfs suffix.
func deriveFeedName(zips []string) string {
	names := make([]string, 0, len(zips))
	for _, z := range zips {
		name := strings.TrimSuffix(filepath.Base(z), filepath.Ext(z))
		name = strings.TrimSuffix(name, "_gtfs")
		names = append(names, name)
	}
	return strings.Join(names, "+")
}

// convertStatic flattens a parsed feed into schedule rows. Stops without
// usable coordinates (stations, entrances, bad data) and trips without a
// route are dropped.
func convertStatic(static *gtfs.Static) *models.Schedule {
	s := &models.Schedule{}

	for _, stop := range static.Stops {
		if stop.Latitude == nil || stop.Longitude == nil {
			continue
		}
		if !geo.IsValidLatLng(float64(*stop.Latitude), float64(*stop.Longitude)) {
			continue
		}
		s.Stops = append(s.Stops, models.Stop{
			StopID:    stop.Id,
			StopCode:  stop.Code,
			StopName:  stop.Name,
			Latitude:  float64(*stop.Latitude),
			Longitude: float64(*stop.Longitude),
		})
	}

	for _, route := range static.Routes {
		s.Routes = append(s.Routes, models.Route{
			RouteID:   route.Id,
			ShortName: route.ShortName,
			LongName:  route.LongName,
		})
	}

	for i := range static.Trips {
		trip := &static.Trips[i]
		if trip.Route == nil {
			continue
		}

		t := models.Trip{TripID: trip.ID, RouteID: trip.Route.Id}
		if trip.Headsign != "" {
			headsign := trip.Headsign
			t.Headsign = &headsign
		}
		s.Trips = append(s.Trips, t)

		for _, st := range trip.StopTimes {
			if st.Stop == nil {
				continue
			}
			s.StopTimes = append(s.StopTimes, models.StopTimeEvent{
				TripID:        trip.ID,
				StopID:        st.Stop.Id,
				ArrivalTime:   formatGTFSTime(st.ArrivalTime),
				DepartureTime: formatGTFSTime(st.DepartureTime),
				StopSequence:  st.StopSequence,
			})
		}
	}

	return s
}

// mergeSchedule appends src to dst, keeping the first copy of any stop,
// route or trip id already present and of any (trip, stop_sequence) pair.
// Separate operator feeds often share stop ids. It returns the number of
// rows dropped as duplicates.
func mergeSchedule(dst, src *models.Schedule) int {
	dropped := 0

	stops := make(map[string]struct{}, len(dst.Stops)+len(src.Stops))
	for _, st := range dst.Stops {
		stops[st.StopID] = struct{}{}
	}
	for _, st := range src.Stops {
		if _, dup := stops[st.StopID]; dup {
			dropped++
			continue
		}
		stops[st.StopID] = struct{}{}
		dst.Stops = append(dst.Stops, st)
	}

	routes := make(map[string]struct{}, len(dst.Routes)+len(src.Routes))
	for _, rt := range dst.Routes {
		routes[rt.RouteID] = struct{}{}
	}
	for _, rt := range src.Routes {
		if _, dup := routes[rt.RouteID]; dup {
			dropped++
			continue
		}
		routes[rt.RouteID] = struct{}{}
		dst.Routes = append(dst.Routes, rt)
	}

	trips := make(map[string]struct{}, len(dst.Trips)+len(src.Trips))
	for _, t := range dst.Trips {
		trips[t.TripID] = struct{}{}
	}
	for _, t := range src.Trips {
		if _, dup := trips[t.TripID]; dup {
			dropped++
			continue
		}
		trips[t.TripID] = struct{}{}
		dst.Trips = append(dst.Trips, t)
	}

	type stopTimeKey struct {
		tripID   string
		sequence int
	}
	stopTimes := make(map[stopTimeKey]struct{}, len(dst.StopTimes)+len(src.StopTimes))
	for _, st := range dst.StopTimes {
		stopTimes[stopTimeKey{st.TripID, st.StopSequence}] = struct{}{}
	}
	for _, st := range src.StopTimes {
		k := stopTimeKey{st.TripID, st.StopSequence}
		if _, dup := stopTimes[k]; dup {
			dropped++
			continue
		}
		stopTimes[k] = struct{}{}
		dst.StopTimes = append(dst.StopTimes, st)
	}

	return dropped
}

// formatGTFSTime renders an offset from service-day midnight as HH:MM:SS.
// Hours run past 23 for trips after midnight, as in stop_times.txt.
func formatGTFSTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
