package store

import (
	"context"
	"errors"
	"time"

	"backend-steprace/internal/db"

	"github.com/jackc/pgx/v5"
)

var ErrNotFound = errors.New("record not found")

// Store is the remote authoritative side: daily step documents, race
// documents and this user's participant rows. Every call runs under a
// bounded timeout so a slow remote never wedges a periodic task.
type Store struct {
	db      db.Querier
	timeout time.Duration
}

func New(q db.Querier, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{db: q, timeout: timeout}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) UpsertDailyRecord(ctx context.Context, rec DailyRecord) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx, `
		INSERT INTO daily_steps (user_id, date, steps, distance_km, calories, active_minutes, source, synced_at, is_synced)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (user_id, date) DO UPDATE SET
			steps=EXCLUDED.steps, distance_km=EXCLUDED.distance_km,
			calories=EXCLUDED.calories, active_minutes=EXCLUDED.active_minutes,
			source=EXCLUDED.source, synced_at=EXCLUDED.synced_at, is_synced=EXCLUDED.is_synced
	`, rec.UserID, rec.Date, rec.Steps, rec.DistanceKm, rec.Calories, rec.ActiveMinutes, rec.Source, rec.SyncedAt, rec.IsSynced)
	return err
}

func (s *Store) DailyRecord(ctx context.Context, userID, date string) (DailyRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rec := DailyRecord{UserID: userID, Date: date}
	row := s.db.QueryRow(ctx, `
		SELECT steps, distance_km, calories, active_minutes, source, synced_at, is_synced
		FROM daily_steps WHERE user_id=$1 AND date=$2
	`, userID, date)
	err := row.Scan(&rec.Steps, &rec.DistanceKm, &rec.Calories, &rec.ActiveMinutes, &rec.Source, &rec.SyncedAt, &rec.IsSynced)
	if errors.Is(err, pgx.ErrNoRows) {
		return DailyRecord{}, ErrNotFound
	}
	if err != nil {
		return DailyRecord{}, err
	}
	return rec, nil
}

func (s *Store) AllTimeTotals(ctx context.Context, userID string) (Totals, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var t Totals
	row := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(steps),0), COALESCE(SUM(distance_km),0), COALESCE(SUM(calories),0)
		FROM daily_steps WHERE user_id=$1
	`, userID)
	if err := row.Scan(&t.Steps, &t.DistanceKm, &t.Calories); err != nil {
		return Totals{}, err
	}
	return t, nil
}

// ActiveRaces lists races the user participates in that are still accruing
// progress (status active or ending).
func (s *Store) ActiveRaces(ctx context.Context, userID string) ([]Race, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.title, r.status, r.target_km, r.started_at
		FROM races r
		JOIN race_participants p ON p.race_id = r.id
		WHERE p.user_id=$1 AND r.status IN ('active','ending')
		ORDER BY r.started_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var races []Race
	for rows.Next() {
		var r Race
		if err := rows.Scan(&r.ID, &r.Title, &r.Status, &r.TargetKm, &r.StartedAt); err != nil {
			return nil, err
		}
		races = append(races, r)
	}
	return races, rows.Err()
}

func (s *Store) Race(ctx context.Context, raceID string) (Race, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	r := Race{ID: raceID}
	row := s.db.QueryRow(ctx, `
		SELECT title, status, target_km, started_at FROM races WHERE id=$1
	`, raceID)
	err := row.Scan(&r.Title, &r.Status, &r.TargetKm, &r.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Race{}, ErrNotFound
	}
	if err != nil {
		return Race{}, err
	}
	return r, nil
}

// CreateParticipant registers the user in a race. Re-joining is a no-op so
// a retried join never clobbers accrued progress.
func (s *Store) CreateParticipant(ctx context.Context, raceID, userID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx, `
		INSERT INTO race_participants (race_id, user_id, steps, distance_km, last_updated)
		VALUES ($1,$2,0,0,NOW())
		ON CONFLICT (race_id, user_id) DO NOTHING
	`, raceID, userID)
	return err
}

func (s *Store) ParticipantProgress(ctx context.Context, raceID, userID string) (Progress, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	p := Progress{RaceID: raceID, UserID: userID}
	var completedAt *time.Time
	row := s.db.QueryRow(ctx, `
		SELECT steps, distance_km, remaining_km, calories, avg_speed_kmh,
		       COALESCE(rank,0), is_completed, completed_at, COALESCE(finish_order,0), last_updated
		FROM race_participants WHERE race_id=$1 AND user_id=$2
	`, raceID, userID)
	err := row.Scan(&p.Steps, &p.DistanceKm, &p.RemainingKm, &p.Calories, &p.AvgSpeedKmh,
		&p.Rank, &p.IsCompleted, &completedAt, &p.FinishOrder, &p.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return Progress{}, ErrNotFound
	}
	if err != nil {
		return Progress{}, err
	}
	if completedAt != nil {
		p.CompletedAt = *completedAt
	}
	return p, nil
}

// WriteProgress updates the user's own participant row. Only this agent
// writes these columns; sibling rows belong to other participants.
func (s *Store) WriteProgress(ctx context.Context, p Progress) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx, `
		UPDATE race_participants
		SET steps=$3, distance_km=$4, remaining_km=$5, calories=$6, avg_speed_kmh=$7, last_updated=NOW()
		WHERE race_id=$1 AND user_id=$2
	`, p.RaceID, p.UserID, p.Steps, p.DistanceKm, p.RemainingKm, p.Calories, p.AvgSpeedKmh)
	return err
}

// CompleteParticipant writes final progress and marks completion in one
// statement. finish_order is derived from the count of already-completed
// participants inside the statement so two finishers cannot claim the same
// slot; the is_completed guard makes a repeated call a no-op.
func (s *Store) CompleteParticipant(ctx context.Context, p Progress) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var finishOrder int
	row := s.db.QueryRow(ctx, `
		UPDATE race_participants
		SET steps=$3, distance_km=$4, remaining_km=$5, calories=$6, avg_speed_kmh=$7,
		    is_completed=TRUE, completed_at=NOW(), last_updated=NOW(),
		    finish_order=(SELECT COUNT(*)+1 FROM race_participants WHERE race_id=$1 AND is_completed)
		WHERE race_id=$1 AND user_id=$2 AND is_completed=FALSE
		RETURNING finish_order
	`, p.RaceID, p.UserID, p.Steps, p.DistanceKm, p.RemainingKm, p.Calories, p.AvgSpeedKmh)
	err := row.Scan(&finishOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already completed; keep the original order.
		existing, perr := s.ParticipantProgress(ctx, p.RaceID, p.UserID)
		if perr != nil {
			return 0, perr
		}
		return existing.FinishOrder, nil
	}
	if err != nil {
		return 0, err
	}
	return finishOrder, nil
}
