package model

import "time"

// KeyStats counts a group's API keys by state.
type KeyStats struct {
	ActiveKeys  int `json:"active_keys"`
	TotalKeys   int `json:"total_keys"`
	InvalidKeys int `json:"invalid_keys"`
}

// WindowStats is the request tally for one time window.
type WindowStats struct {
	TotalRequests     int64   `json:"total_requests"`
	FailedRequests    int64   `json:"failed_requests"`
	FailureRate       float64 `json:"failure_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms,omitempty"`
}

// SuccessRate is 1 - FailureRate clamped to [0,1].
func (w WindowStats) SuccessRate() float64 {
	r := 1 - w.FailureRate
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// StatsSnapshot is the merged per-group statistics view. Window pointers are
// nil when the registry did not report that window.
type StatsSnapshot struct {
	GroupID     string       `json:"group_id"`
	InstanceID  string       `json:"instance_id"`
	KeyStats    KeyStats     `json:"key_stats"`
	HourlyStats *WindowStats `json:"hourly_stats,omitempty"`
	DailyStats  *WindowStats `json:"daily_stats,omitempty"`
	WeeklyStats *WindowStats `json:"weekly_stats,omitempty"`
	Group       *Group       `json:"group,omitempty"`
	FetchedAt   time.Time    `json:"fetched_at"`
	Error       string       `json:"error,omitempty"`
}

// Failed reports whether the snapshot is a synthetic placeholder produced
// after every sub-fetch failed.
func (s StatsSnapshot) Failed() bool {
	return s.Error != ""
}

// Hourly returns the hourly window or a zero value.
func (s StatsSnapshot) Hourly() WindowStats {
	if s.HourlyStats == nil {
		return WindowStats{}
	}
	return *s.HourlyStats
}

// Daily returns the daily window or a zero value.
func (s StatsSnapshot) Daily() WindowStats {
	if s.DailyStats == nil {
		return WindowStats{}
	}
	return *s.DailyStats
}

// EmptyStats is the degraded snapshot returned when nothing could be fetched.
// It scores to 0.
func EmptyStats(key GroupKey, fetchedAt time.Time, errMsg string) StatsSnapshot {
	return StatsSnapshot{
		GroupID:     key.GroupID,
		InstanceID:  key.InstanceID,
		KeyStats:    KeyStats{},
		HourlyStats: &WindowStats{FailureRate: 1},
		FetchedAt:   fetchedAt,
		Error:       errMsg,
	}
}

// HealthLevel is the coarse bucket of a score.
type HealthLevel string

const (
	HealthExcellent HealthLevel = "excellent"
	HealthGood      HealthLevel = "good"
	HealthFair      HealthLevel = "fair"
	HealthPoor      HealthLevel = "poor"
	HealthCritical  HealthLevel = "critical"
)

// ScoreFactor is one explained component of a score.
type ScoreFactor struct {
	Factor   string  `json:"factor"`
	SubScore float64 `json:"sub_score"`
	Details  string  `json:"details"`
}

// ScoreResult is the output of the scoring engine.
type ScoreResult struct {
	Score           int           `json:"score"`
	HealthLevel     HealthLevel   `json:"health_level"`
	Factors         []ScoreFactor `json:"factors"`
	Recommendations []string      `json:"recommendations"`
}

// ModelHealth is the overall classification of one model.
type ModelHealth string

const (
	ModelHealthy  ModelHealth = "healthy"
	ModelWarning  ModelHealth = "warning"
	ModelDegraded ModelHealth = "degraded"
	ModelCritical ModelHealth = "critical"
)
