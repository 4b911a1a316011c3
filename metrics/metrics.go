package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liambotongpower/spotplots.com/nearby"
)

var _ nearby.Metrics = (*Collector)(nil)

// Collector owns the service's Prometheus metrics and their registry.
type Collector struct {
	reg *prometheus.Registry

	Requests        *prometheus.CounterVec   // route, method, status
	RequestDuration *prometheus.HistogramVec // route

	Searches       *prometheus.CounterVec   // kind, strategy, outcome
	StopsPerSearch *prometheus.HistogramVec // kind
	QueryDuration  *prometheus.HistogramVec // operation, status

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_http_requests_total",
			Help: "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transit_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"route"}),
		Searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_searches_total",
			Help: "Proximity searches by kind, locator strategy and outcome.",
		}, []string{"kind", "strategy", "outcome"}),
		StopsPerSearch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transit_search_stops",
			Help:    "Stops located per successful search.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 200, 500},
		}, []string{"kind"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transit_store_query_duration_seconds",
			Help:    "Schedule store query latency by operation.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation", "status"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_route_cache_hits_total",
			Help: "Nearby-routes results served from cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_route_cache_misses_total",
			Help: "Nearby-routes lookups that missed the cache.",
		}),
	}

	reg.MustRegister(
		c.Requests, c.RequestDuration,
		c.Searches, c.StopsPerSearch, c.QueryDuration,
		c.CacheHits, c.CacheMisses,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// ObserveQuery records one store round trip.
func (c *Collector) ObserveQuery(operation string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.QueryDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// ObserveSearch counts a search and, when it succeeded, how many stops it located.
func (c *Collector) ObserveSearch(kind, strategy, outcome string, stops int) {
	if strategy == "" {
		strategy = "none"
	}
	c.Searches.WithLabelValues(kind, strategy, outcome).Inc()
	if outcome == nearby.OutcomeOK {
		c.StopsPerSearch.WithLabelValues(kind).Observe(float64(stops))
	}
}

func (c *Collector) CacheHit()  { c.CacheHits.Inc() }
func (c *Collector) CacheMiss() { c.CacheMisses.Inc() }

// Middleware counts requests by chi route pattern, so path parameters do not
// create new series.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		c.Requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		c.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
