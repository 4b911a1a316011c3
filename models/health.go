package models

import "time"

// DatasetStats summarises the schedule dataset loaded into the store.
type DatasetStats struct {
	Stops      int        `json:"stops"`
	Routes     int        `json:"routes"`
	Trips      int        `json:"trips"`
	StopTimes  int        `json:"stopTimes"`
	FeedName   string     `json:"feedName,omitempty"`
	ImportedAt *time.Time `json:"importedAt,omitempty"`
}

// HealthStatus constants
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// FeedFreshness constants
const (
	FeedFresh   = "fresh"   // imported within the last week
	FeedStale   = "stale"   // 1 - 4 weeks
	FeedExpired = "expired" // older than 4 weeks, or never imported
)

// CalculateFeedFreshness classifies how long ago the schedule was imported.
func CalculateFeedFreshness(importedAt *time.Time, now time.Time) string {
	if importedAt == nil {
		return FeedExpired
	}
	age := now.Sub(*importedAt)
	if age < 0 {
		return FeedFresh
	}
	if age <= 7*24*time.Hour {
		return FeedFresh
	}
	if age <= 28*24*time.Hour {
		return FeedStale
	}
	return FeedExpired
}

// CalculateDatasetStatus returns the service status implied by the dataset.
// A store without stops or trips can answer requests but every search is empty.
func CalculateDatasetStatus(stats DatasetStats) string {
	if stats.Stops == 0 || stats.Trips == 0 {
		return StatusDegraded
	}
	return StatusOK
}
