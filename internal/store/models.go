package store

import "time"

// DateLayout is the canonical key format for daily records.
const DateLayout = "2006-01-02"

// DailyRecord is one user's finalized or in-progress step total for a date.
// Steps never decrease once a date is finalized.
type DailyRecord struct {
	UserID        string    `json:"user_id"`
	Date          string    `json:"date"`
	Steps         int64     `json:"steps"`
	DistanceKm    float64   `json:"distance_km"`
	Calories      float64   `json:"calories"`
	ActiveMinutes int       `json:"active_minutes"`
	Source        string    `json:"source"` // motion | health | merged
	SyncedAt      time.Time `json:"synced_at"`
	IsSynced      bool      `json:"is_synced"`
}

type Race struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	TargetKm  float64   `json:"target_km"`
	StartedAt time.Time `json:"started_at"`
}

// Progress is the participant document this agent owns for one race. Rank is
// written by the ranking service and only read here.
type Progress struct {
	RaceID      string    `json:"race_id"`
	UserID      string    `json:"user_id"`
	Steps       int64     `json:"steps"`
	DistanceKm  float64   `json:"distance_km"`
	RemainingKm float64   `json:"remaining_km"`
	Calories    float64   `json:"calories"`
	AvgSpeedKmh float64   `json:"avg_speed_kmh"`
	Rank        int       `json:"rank"`
	IsCompleted bool      `json:"is_completed"`
	CompletedAt time.Time `json:"completed_at"`
	FinishOrder int       `json:"finish_order"`
	LastUpdated time.Time `json:"last_updated"`
}

// Totals are the user's all-time aggregates across daily records.
type Totals struct {
	Steps      int64   `json:"steps"`
	DistanceKm float64 `json:"distance_km"`
	Calories   float64 `json:"calories"`
}
