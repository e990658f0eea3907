package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend-steprace/internal/db"

	"github.com/google/uuid"
)

// ErrUnavailable marks the health platform as unreachable or unauthorized.
// Callers cascade to their next source instead of failing.
var ErrUnavailable = errors.New("health platform unavailable")

// Aggregate is the platform's summed activity over a query window.
type Aggregate struct {
	Steps         int64   `json:"steps"`
	DistanceKm    float64 `json:"distance_km"`
	Calories      float64 `json:"calories"`
	ActiveMinutes int     `json:"active_minutes"`
}

// Gateway reads windowed activity aggregates from the device health platform
// and writes step deltas back to it. The platform deduplicates overlapping
// entries from multiple sources internally, so a written delta never
// double-counts against device-recorded samples.
type Gateway interface {
	Read(ctx context.Context, userID string, start, end time.Time) (Aggregate, error)
	Write(ctx context.Context, userID string, stepDelta int64, day time.Time) error
}

// DayWindow bounds the platform query window for a calendar day.
func DayWindow(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return start, start.Add(24 * time.Hour)
}

// PGGateway serves the health platform from device-synced rows in
// health_samples. A separate device sync pipeline owns inserts with origin
// 'platform'; this gateway only adds app-origin step deltas. Every query
// runs under a bounded timeout so a stalled platform never wedges a caller.
type PGGateway struct {
	db      db.Querier
	timeout time.Duration
}

func NewPGGateway(q db.Querier, timeout time.Duration) *PGGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PGGateway{db: q, timeout: timeout}
}

func (g *PGGateway) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

func (g *PGGateway) Read(ctx context.Context, userID string, start, end time.Time) (Aggregate, error) {
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	var agg Aggregate
	row := g.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(steps),0), COALESCE(SUM(distance_km),0),
		       COALESCE(SUM(calories),0), COALESCE(SUM(active_minutes),0)
		FROM health_samples
		WHERE user_id=$1 AND recorded_at >= $2 AND recorded_at < $3
	`, userID, start, end)
	if err := row.Scan(&agg.Steps, &agg.DistanceKm, &agg.Calories, &agg.ActiveMinutes); err != nil {
		return Aggregate{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return agg, nil
}

func (g *PGGateway) Write(ctx context.Context, userID string, stepDelta int64, day time.Time) error {
	if stepDelta <= 0 {
		return nil
	}
	ctx, cancel := g.opCtx(ctx)
	defer cancel()

	_, err := g.db.Exec(ctx, `
		INSERT INTO health_samples (id, user_id, steps, recorded_at, origin)
		VALUES ($1, $2, $3, $4, 'app')
	`, uuid.NewString(), userID, stepDelta, day)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
