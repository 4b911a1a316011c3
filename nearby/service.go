package nearby

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liambotongpower/spotplots.com/events"
	"github.com/liambotongpower/spotplots.com/models"
)

// Search outcomes reported to Metrics.
const (
	OutcomeOK      = "ok"
	OutcomeInvalid = "invalid"
	OutcomeFailed  = "failed"
)

// Store is everything the service needs from the schedule repository.
type Store interface {
	StopFinder
	ScheduleReader
	GetStop(ctx context.Context, stopID string) (*models.Stop, error)
}

// Options configures a Service. Zero values disable the optional parts.
type Options struct {
	DefaultStrategy Strategy
	CacheSize       int
	CacheTTL        time.Duration
	Metrics         Metrics
	Events          events.Publisher
	Logger          *zap.Logger
}

// Service runs searches: locate stops, then aggregate their routes.
type Service struct {
	store           Store
	locators        map[Strategy]Locator
	defaultStrategy Strategy
	aggregator      *Aggregator
	cache           gcache.Cache
	metrics         Metrics
	events          events.Publisher
	logger          *zap.Logger
}

// NewService wires both locator strategies and the aggregator to store.
func NewService(store Store, opts Options) *Service {
	m := orNop(opts.Metrics)

	s := &Service{
		store: store,
		locators: map[Strategy]Locator{
			StrategyIndex:       NewIndexLocator(store, m),
			StrategyBoundingBox: NewBoundingBoxLocator(store, m),
		},
		defaultStrategy: opts.DefaultStrategy,
		aggregator:      NewAggregator(store, m),
		metrics:         m,
		events:          opts.Events,
		logger:          opts.Logger,
	}
	if s.defaultStrategy == "" {
		s.defaultStrategy = StrategyIndex
	}
	if s.events == nil {
		s.events = events.NopPublisher{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if opts.CacheSize > 0 {
		b := gcache.New(opts.CacheSize).LRU()
		if opts.CacheTTL > 0 {
			b = b.Expiration(opts.CacheTTL)
		}
		s.cache = b.Build()
	}
	return s
}

// StrategyFor returns the strategy a query runs with: bounding box when the
// caller asked for the manual path, otherwise the configured default.
func (s *Service) StrategyFor(q models.NearbyQuery) Strategy {
	if q.UseManual {
		return StrategyBoundingBox
	}
	return s.defaultStrategy
}

// NearbyStops finds stops around q.
func (s *Service) NearbyStops(ctx context.Context, q models.NearbyQuery) ([]models.NearbyStop, error) {
	start := time.Now()
	strategy := s.StrategyFor(q)

	stops, err := s.locators[strategy].FindNearbyStops(ctx, q)
	s.metrics.ObserveSearch(events.KindNearbyStops, string(strategy), outcome(err), len(stops))
	if err != nil {
		return nil, err
	}

	s.publish(events.SearchEvent{
		Kind:        events.KindNearbyStops,
		Strategy:    string(strategy),
		Lat:         q.Lat,
		Lng:         q.Lng,
		MaxDistance: q.MaxDistance,
		Limit:       q.Limit,
		Stops:       len(stops),
		DurationMs:  msSince(start),
	})
	return stops, nil
}

// NearbyRoutes locates stops around q and aggregates their routes.
// Results are cached per query when a cache is configured; the schedule is
// static between imports.
func (s *Service) NearbyRoutes(ctx context.Context, q models.NearbyQuery) (*models.RouteAggregate, error) {
	start := time.Now()
	strategy := s.StrategyFor(q)

	if err := q.Validate(); err != nil {
		s.metrics.ObserveSearch(events.KindNearbyRoutes, string(strategy), OutcomeInvalid, 0)
		return nil, err
	}

	key := cacheKey(strategy, q)
	if hit, ok := s.cached(key); ok {
		s.metrics.ObserveSearch(events.KindNearbyRoutes, string(strategy), OutcomeOK, hit.stops)
		s.publish(routesEvent(events.KindNearbyRoutes, strategy, q, hit.stops, hit.agg, true, start))
		return hit.agg, nil
	}

	stops, err := s.locators[strategy].FindNearbyStops(ctx, q)
	if err != nil {
		s.metrics.ObserveSearch(events.KindNearbyRoutes, string(strategy), outcome(err), 0)
		return nil, err
	}

	agg, err := s.aggregator.AggregateRoutes(ctx, stops)
	s.metrics.ObserveSearch(events.KindNearbyRoutes, string(strategy), outcome(err), len(stops))
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(key, cachedRoutes{agg: copyAggregate(agg), stops: len(stops)}); err != nil {
			s.logger.Warn("failed to cache route aggregate", zap.String("key", key), zap.Error(err))
		}
	}

	s.publish(routesEvent(events.KindNearbyRoutes, strategy, q, len(stops), agg, false, start))
	return agg, nil
}

// RoutesForStops aggregates routes for stops the caller already located.
func (s *Service) RoutesForStops(ctx context.Context, stops []models.NearbyStop) (*models.RouteAggregate, error) {
	start := time.Now()

	if err := validateStops(stops); err != nil {
		s.metrics.ObserveSearch(events.KindStopList, "", OutcomeInvalid, len(stops))
		return nil, err
	}

	agg, err := s.aggregator.AggregateRoutes(ctx, stops)
	s.metrics.ObserveSearch(events.KindStopList, "", outcome(err), len(stops))
	if err != nil {
		return nil, err
	}

	s.publish(routesEvent(events.KindStopList, "", models.NearbyQuery{}, len(stops), agg, false, start))
	return agg, nil
}

// StopRoutes returns a stop and the routes calling there with their weekly trip counts.
func (s *Service) StopRoutes(ctx context.Context, stopID string) (*models.Stop, []models.RouteTripCount, error) {
	stop, err := s.store.GetStop(ctx, stopID)
	if err != nil {
		return nil, nil, err
	}

	tripIDs, err := s.store.TripIDsServingStop(ctx, stopID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load trips for stop %s: %w", stopID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	routes, err := s.store.RoutesForTrips(ctx, tripIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load routes for stop %s: %w", stopID, err)
	}
	return stop, routes, nil
}

// PurgeCache drops every cached aggregate. main calls it on SIGHUP, sent
// after cmd/import-gtfs has replaced the dataset.
func (s *Service) PurgeCache() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// cachedRoutes is a cached aggregate with the number of stops it was built from.
type cachedRoutes struct {
	agg   *models.RouteAggregate
	stops int
}

func (s *Service) cached(key string) (cachedRoutes, bool) {
	if s.cache == nil {
		return cachedRoutes{}, false
	}
	v, err := s.cache.Get(key)
	if err != nil {
		if !errors.Is(err, gcache.KeyNotFoundError) {
			s.logger.Warn("route cache lookup failed", zap.String("key", key), zap.Error(err))
		}
		s.metrics.CacheMiss()
		return cachedRoutes{}, false
	}
	hit, ok := v.(cachedRoutes)
	if !ok {
		s.metrics.CacheMiss()
		return cachedRoutes{}, false
	}
	s.metrics.CacheHit()
	hit.agg = copyAggregate(hit.agg)
	return hit, true
}

func (s *Service) publish(ev events.SearchEvent) {
	ev.SearchID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()

	s.logger.Debug("search completed",
		zap.String("search_id", ev.SearchID),
		zap.String("kind", ev.Kind),
		zap.String("strategy", ev.Strategy),
		zap.Int("stops", ev.Stops),
		zap.Int("routes", ev.Routes),
		zap.Bool("cached", ev.Cached),
		zap.Float64("duration_ms", ev.DurationMs),
	)

	if err := s.events.PublishSearch(ev); err != nil {
		s.logger.Warn("failed to publish search event", zap.String("search_id", ev.SearchID), zap.Error(err))
	}
}

func routesEvent(kind string, strategy Strategy, q models.NearbyQuery, stops int, agg *models.RouteAggregate, cached bool, start time.Time) events.SearchEvent {
	return events.SearchEvent{
		Kind:            kind,
		Strategy:        string(strategy),
		Lat:             q.Lat,
		Lng:             q.Lng,
		MaxDistance:     q.MaxDistance,
		Limit:           q.Limit,
		Stops:           stops,
		Routes:          agg.TotalRoutes,
		TotalDepartures: agg.TotalDepartures,
		Cached:          cached,
		DurationMs:      msSince(start),
	}
}

// validateStops rejects caller-supplied stops without an id or with a
// negative or non-finite distance.
func validateStops(stops []models.NearbyStop) error {
	for i, st := range stops {
		if st.StopID == "" {
			return &models.InputError{Field: fmt.Sprintf("stops[%d].stopId", i), Value: "", Message: "is required"}
		}
		if math.IsNaN(st.Distance) || math.IsInf(st.Distance, 0) || st.Distance < 0 {
			return &models.InputError{Field: fmt.Sprintf("stops[%d].distance", i), Value: st.Distance, Message: "must be a non-negative number"}
		}
	}
	return nil
}

func cacheKey(strategy Strategy, q models.NearbyQuery) string {
	return fmt.Sprintf("%s|%.6f|%.6f|%.2f|%d", strategy, q.Lat, q.Lng, q.MaxDistance, q.Limit)
}

func copyAggregate(agg *models.RouteAggregate) *models.RouteAggregate {
	out := *agg
	out.Routes = make([]models.RouteDeparture, len(agg.Routes))
	copy(out.Routes, agg.Routes)
	return &out
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case models.IsInputError(err):
		return OutcomeInvalid
	default:
		return OutcomeFailed
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
