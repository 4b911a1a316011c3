package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/liambotongpower/spotplots.com/models"
	"github.com/liambotongpower/spotplots.com/nearby"
	"github.com/liambotongpower/spotplots.com/report"
	"github.com/liambotongpower/spotplots.com/repository"
)

// maxBodyBytes bounds POST /api/nearby-routes bodies.
const maxBodyBytes = 1 << 20

// SearchService defines the search operations the nearby endpoints need
type SearchService interface {
	StrategyFor(q models.NearbyQuery) nearby.Strategy
	NearbyStops(ctx context.Context, q models.NearbyQuery) ([]models.NearbyStop, error)
	NearbyRoutes(ctx context.Context, q models.NearbyQuery) (*models.RouteAggregate, error)
	RoutesForStops(ctx context.Context, stops []models.NearbyStop) (*models.RouteAggregate, error)
	StopRoutes(ctx context.Context, stopID string) (*models.Stop, []models.RouteTripCount, error)
}

// NearbyHandler handles HTTP requests for nearby stops and routes
type NearbyHandler struct {
	svc     SearchService
	timeout time.Duration
	logger  *zap.Logger
}

// NewNearbyHandler creates a new handler. Each request gets timeout to finish
// its store queries.
func NewNearbyHandler(svc SearchService, timeout time.Duration, logger *zap.Logger) *NearbyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NearbyHandler{svc: svc, timeout: timeout, logger: logger}
}

// NearbyStopsResponse is the JSON response structure for GET /api/nearby-stops
type NearbyStopsResponse struct {
	Count    int                 `json:"count"`
	Stops    []models.NearbyStop `json:"stops"`
	Strategy string              `json:"strategy"`
}

// NearbyRoutesResponse is the JSON response structure for GET|POST /api/nearby-routes
type NearbyRoutesResponse struct {
	TotalRoutes     int                     `json:"totalRoutes"`
	TotalDepartures int                     `json:"totalDepartures"`
	Routes          []models.RouteDeparture `json:"routes"`
	CSV             string                  `json:"csv"`
}

// NearbyRoutesRequest is the POST /api/nearby-routes body. When Stops is
// present the caller has already located stops and coordinates are ignored.
type NearbyRoutesRequest struct {
	Lat         *float64            `json:"lat"`
	Lng         *float64            `json:"lng"`
	MaxDistance *float64            `json:"maxDistance"`
	Limit       *int                `json:"limit"`
	UseManual   bool                `json:"useManual"`
	Stops       []models.NearbyStop `json:"stops"`
}

// StopRoutesResponse is the JSON response structure for GET /api/stops/{stopId}/routes
type StopRoutesResponse struct {
	Stop   *models.Stop            `json:"stop"`
	Routes []models.RouteTripCount `json:"routes"`
	Count  int                     `json:"count"`
}

// GetNearbyStops handles GET /api/nearby-stops
// Returns stops within maxDistance meters of (lat, lng), nearest first
func (h *NearbyHandler) GetNearbyStops(w http.ResponseWriter, r *http.Request) {
	q, err := parseNearbyQuery(r)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	strategy := h.svc.StrategyFor(q)
	stops, err := h.svc.NearbyStops(ctx, q)
	if err != nil {
		h.writeError(w, r, err, strategy)
		return
	}

	writeCachedJSON(w, NearbyStopsResponse{
		Count:    len(stops),
		Stops:    stops,
		Strategy: string(strategy),
	})
}

// GetNearbyRoutes handles GET /api/nearby-routes
// Locates stops around (lat, lng) and aggregates their routes
func (h *NearbyHandler) GetNearbyRoutes(w http.ResponseWriter, r *http.Request) {
	q, err := parseNearbyQuery(r)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	agg, err := h.svc.NearbyRoutes(ctx, q)
	if err != nil {
		h.writeError(w, r, err, h.svc.StrategyFor(q))
		return
	}
	h.writeRoutes(w, r, agg)
}

// PostNearbyRoutes handles POST /api/nearby-routes
// Accepts either coordinates or a list of already located stops
func (h *NearbyHandler) PostNearbyRoutes(w http.ResponseWriter, r *http.Request) {
	var req NearbyRoutesRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, &models.InputError{Field: "body", Value: "", Message: "must be a JSON object: " + err.Error()}, "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if req.Stops != nil {
		agg, err := h.svc.RoutesForStops(ctx, req.Stops)
		if err != nil {
			h.writeError(w, r, err, "")
			return
		}
		h.writeRoutes(w, r, agg)
		return
	}

	q, err := req.query()
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}

	agg, err := h.svc.NearbyRoutes(ctx, q)
	if err != nil {
		h.writeError(w, r, err, h.svc.StrategyFor(q))
		return
	}
	h.writeRoutes(w, r, agg)
}

// GetStopRoutes handles GET /api/stops/{stopId}/routes
// Returns the routes calling at a stop with their weekly trip counts
func (h *NearbyHandler) GetStopRoutes(w http.ResponseWriter, r *http.Request) {
	stopID := chi.URLParam(r, "stopId")
	if stopID == "" {
		h.writeError(w, r, &models.InputError{Field: "stopId", Value: "", Message: "is required"}, "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stop, routes, err := h.svc.StopRoutes(ctx, stopID)
	if err != nil {
		h.writeError(w, r, err, "")
		return
	}

	writeCachedJSON(w, StopRoutesResponse{
		Stop:   stop,
		Routes: routes,
		Count:  len(routes),
	})
}

func (h *NearbyHandler) writeRoutes(w http.ResponseWriter, r *http.Request, agg *models.RouteAggregate) {
	csv, err := nearby.RenderCSV(agg.Routes)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("failed to render csv: %w", err), "")
		return
	}

	writeCachedJSON(w, NearbyRoutesResponse{
		TotalRoutes:     agg.TotalRoutes,
		TotalDepartures: agg.TotalDepartures,
		Routes:          agg.Routes,
		CSV:             csv,
	})
}

// statusClientClosedRequest is the nginx convention for a request whose
// client went away before the response was written.
const statusClientClosedRequest = 499

// writeError maps err to a status code. Input errors are 400, unknown stops
// 404, client cancellations 499; anything else is a failed search, logged
// and reported.
func (h *NearbyHandler) writeError(w http.ResponseWriter, r *http.Request, err error, strategy nearby.Strategy) {
	var inputErr *models.InputError
	switch {
	case errors.As(err, &inputErr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid request",
			Details: map[string]interface{}{
				"field":   inputErr.Field,
				"value":   fmt.Sprint(inputErr.Value),
				"message": inputErr.Message,
			},
		})

	case errors.Is(err, repository.ErrStopNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error: "Stop not found",
			Details: map[string]interface{}{
				"stopId": chi.URLParam(r, "stopId"),
			},
		})

	case errors.Is(err, context.Canceled):
		h.logger.Debug("search canceled by client",
			zap.String("path", r.URL.Path),
			zap.String("strategy", string(strategy)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
		writeJSON(w, statusClientClosedRequest, ErrorResponse{Error: "request canceled"})

	default:
		requestID := middleware.GetReqID(r.Context())
		h.logger.Error("search failed",
			zap.String("path", r.URL.Path),
			zap.String("strategy", string(strategy)),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		report.ReportErrorWithSentryOptions(err, report.SentryReportOptions{
			Tags: map[string]string{
				"endpoint": r.URL.Path,
				"strategy": string(strategy),
			},
			ExtraContext: map[string]interface{}{
				"query":      r.URL.RawQuery,
				"request_id": requestID,
			},
			Level: sentry.LevelError,
		})

		details := map[string]interface{}{}
		if errors.Is(err, context.DeadlineExceeded) {
			details["timeout"] = true
		}
		if requestID != "" {
			details["requestId"] = requestID
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "search failed",
			Details: details,
		})
	}
}

// parseNearbyQuery reads lat, lng, maxDistance, limit and useManual from the
// query string. lat and lng are required; the rest default.
func parseNearbyQuery(r *http.Request) (models.NearbyQuery, error) {
	params := r.URL.Query()

	lat, err := requiredFloat(params.Get("lat"), "lat")
	if err != nil {
		return models.NearbyQuery{}, err
	}
	lng, err := requiredFloat(params.Get("lng"), "lng")
	if err != nil {
		return models.NearbyQuery{}, err
	}

	q := models.NewNearbyQuery(lat, lng)

	if v := params.Get("maxDistance"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return q, &models.InputError{Field: "maxDistance", Value: v, Message: "must be a number"}
		}
		q.MaxDistance = d
	}

	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, &models.InputError{Field: "limit", Value: v, Message: "must be an integer"}
		}
		q.Limit = n
	}

	if v := params.Get("useManual"); v != "" {
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return q, &models.InputError{Field: "useManual", Value: v, Message: "must be true or false"}
		}
		q.UseManual = b
	}

	return q, q.Validate()
}

func requiredFloat(v, field string) (float64, error) {
	if v == "" {
		return 0, &models.InputError{Field: field, Value: "", Message: "is required"}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &models.InputError{Field: field, Value: v, Message: "must be a number"}
	}
	return f, nil
}

func (req NearbyRoutesRequest) query() (models.NearbyQuery, error) {
	if req.Lat == nil {
		return models.NearbyQuery{}, &models.InputError{Field: "lat", Value: "", Message: "is required"}
	}
	if req.Lng == nil {
		return models.NearbyQuery{}, &models.InputError{Field: "lng", Value: "", Message: "is required"}
	}

	q := models.NewNearbyQuery(*req.Lat, *req.Lng)
	if req.MaxDistance != nil {
		q.MaxDistance = *req.MaxDistance
	}
	if req.Limit != nil {
		q.Limit = *req.Limit
	}
	q.UseManual = req.UseManual
	return q, q.Validate()
}
