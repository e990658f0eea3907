package race

import "time"

// Baseline is the dual-layer progress anchor for one active race.
// ServerSteps is the last value durably confirmed written to the remote
// participant row and survives restarts through the local cache.
// SessionSteps is the unflushed portion accrued this process lifetime;
// it resets to zero after every confirmed write.
type Baseline struct {
	RaceID       string    `json:"race_id"`
	Title        string    `json:"title"`
	StartTime    time.Time `json:"start_time"`
	TargetKm     float64   `json:"target_km"`
	ServerSteps  int64     `json:"server_steps"`
	SessionSteps int64     `json:"session_steps"`
	IsCompleted  bool      `json:"is_completed"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`

	// AnchorSteps/AnchorSource record the join-time capture: how many steps
	// the day already held and which source vouched for them. Diagnostic.
	AnchorSteps  int64  `json:"anchor_steps,omitempty"`
	AnchorSource string `json:"anchor_source,omitempty"`
}

// TotalSteps is never less than the previously confirmed ServerSteps.
func (b *Baseline) TotalSteps() int64 {
	return b.ServerSteps + b.SessionSteps
}

// Injection is an external correction delta, usually a health-platform
// resync. RequestID deduplicates repeats.
type Injection struct {
	RequestID string `json:"request_id"`
	Delta     int64  `json:"delta"`
}
