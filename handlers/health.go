package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/liambotongpower/spotplots.com/models"
)

// HealthStore defines the store checks behind GET /health
type HealthStore interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (*models.DatasetStats, error)
}

// HealthHandler handles HTTP requests for service health
type HealthHandler struct {
	store HealthStore
	now   func() time.Time
}

// NewHealthHandler creates a new handler with the given store
func NewHealthHandler(store HealthStore) *HealthHandler {
	return &HealthHandler{store: store, now: time.Now}
}

// HealthResponse is the JSON response for GET /health
type HealthResponse struct {
	Status        string               `json:"status"`
	Database      string               `json:"database"`
	Timestamp     time.Time            `json:"timestamp"`
	Dataset       *models.DatasetStats `json:"dataset,omitempty"`
	FeedFreshness string               `json:"feedFreshness,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// GetHealth handles GET /health
// Checks database connectivity and reports what schedule is loaded
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := h.now().UTC()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    models.StatusError,
			Database:  "disconnected",
			Timestamp: now,
			Error:     err.Error(),
		})
		return
	}

	stats, err := h.store.Stats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    models.StatusError,
			Database:  "connected",
			Timestamp: now,
			Error:     err.Error(),
		})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        models.CalculateDatasetStatus(*stats),
		Database:      "connected",
		Timestamp:     now,
		Dataset:       stats,
		FeedFreshness: models.CalculateFeedFreshness(stats.ImportedAt, now),
	})
}

// Healthz handles GET /healthz
// Liveness only, no database check
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Ping handles GET /api/ping
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("pong"))
}
