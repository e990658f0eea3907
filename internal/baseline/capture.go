package baseline

import (
	"context"
	"errors"
	"log"
	"time"

	"backend-steprace/internal/health"
	"backend-steprace/internal/store"
)

// ErrZeroBaseline means no source could produce a non-zero step count. The
// triggering join/start must fail: anchoring a race on a zero baseline would
// miscredit every later step as race progress.
var ErrZeroBaseline = errors.New("step data not ready")

// RemoteSource reads today's remote daily record.
type RemoteSource interface {
	DailyRecord(ctx context.Context, userID, date string) (store.DailyRecord, error)
}

// TrackerSource is the in-memory daily tracker state.
type TrackerSource interface {
	BaselineSteps() int64
}

// CacheSource reads the locally mirrored daily record.
type CacheSource interface {
	CachedDailyRecord(ctx context.Context, userID, date string) (store.DailyRecord, error)
}

// Result reports the captured baseline and which source produced it.
type Result struct {
	Steps  int64
	Source string
}

// Service captures a trustworthy "steps so far today" value when the user
// joins or starts a race, cascading health platform -> remote record ->
// in-memory tracker -> local cache and retrying the whole cascade a bounded
// number of times.
type Service struct {
	Retries   int
	RetryWait time.Duration

	gateway health.Gateway
	remote  RemoteSource
	tracker TrackerSource
	cache   CacheSource

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewService(gw health.Gateway, remote RemoteSource, tracker TrackerSource, cache CacheSource) *Service {
	return &Service{
		Retries:   3,
		RetryWait: 2 * time.Second,
		gateway:   gw,
		remote:    remote,
		tracker:   tracker,
		cache:     cache,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Capture runs the cascade until a source reports steps > 0. Exhausting all
// sources across all attempts returns ErrZeroBaseline.
func (s *Service) Capture(ctx context.Context, userID string) (Result, error) {
	attempts := s.Retries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if res, ok := s.tryOnce(ctx, userID); ok {
			log.Printf("baseline: captured %d steps from %s (attempt %d)", res.Steps, res.Source, attempt)
			return res, nil
		}
		if attempt < attempts {
			if err := s.sleep(ctx, s.RetryWait); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{}, ErrZeroBaseline
}

func (s *Service) tryOnce(ctx context.Context, userID string) (Result, bool) {
	date := s.now().Format(store.DateLayout)

	start, end := health.DayWindow(s.now())
	if agg, err := s.gateway.Read(ctx, userID, start, end); err == nil && agg.Steps > 0 {
		return Result{Steps: agg.Steps, Source: "health"}, true
	} else if err != nil {
		log.Printf("baseline: health source failed: %v", err)
	}

	if rec, err := s.remote.DailyRecord(ctx, userID, date); err == nil && rec.Steps > 0 {
		return Result{Steps: rec.Steps, Source: "remote"}, true
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("baseline: remote source failed: %v", err)
	}

	if steps := s.tracker.BaselineSteps(); steps > 0 {
		return Result{Steps: steps, Source: "tracker"}, true
	}

	if rec, err := s.cache.CachedDailyRecord(ctx, userID, date); err == nil && rec.Steps > 0 {
		return Result{Steps: rec.Steps, Source: "cache"}, true
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("baseline: cache source failed: %v", err)
	}

	return Result{}, false
}
