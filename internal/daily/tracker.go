package daily

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"backend-steprace/internal/health"
	"backend-steprace/internal/sensor"
	"backend-steprace/internal/shared/stepmath"
	"backend-steprace/internal/store"
)

// RemoteStore is the slice of the remote step store the tracker needs.
type RemoteStore interface {
	UpsertDailyRecord(ctx context.Context, rec store.DailyRecord) error
	DailyRecord(ctx context.Context, userID, date string) (store.DailyRecord, error)
	AllTimeTotals(ctx context.Context, userID string) (store.Totals, error)
}

// LocalCache mirrors daily records for offline reads.
type LocalCache interface {
	CacheDailyRecord(ctx context.Context, rec store.DailyRecord) error
	CachedDailyRecord(ctx context.Context, userID, date string) (store.DailyRecord, error)
}

// Snapshot is the polling surface for "today": combined step total plus
// derived metrics and all-time aggregates.
type Snapshot struct {
	Date          string       `json:"date"`
	Steps         int64        `json:"steps"`
	DistanceKm    float64      `json:"distance_km"`
	Calories      float64      `json:"calories"`
	ActiveMinutes int          `json:"active_minutes"`
	LastSyncAt    time.Time    `json:"last_sync_at"`
	AllTime       store.Totals `json:"all_time"`
}

// Tracker combines the health-platform baseline with motion increments into
// today's step total, owns midnight rollover and the periodic remote sync.
//
// The health platform is authoritative for the baseline: on any mismatch the
// remote daily record is overwritten with the platform value, never merged.
// Sensor increments already flushed to the platform are tracked in flushed so
// they are not counted twice once the re-fetched baseline includes them.
type Tracker struct {
	SyncInterval     time.Duration
	MidnightInterval time.Duration

	userID  string
	counter *sensor.Counter
	gateway health.Gateway
	remote  RemoteStore
	cache   LocalCache

	mu         sync.Mutex
	date       string
	baseline   health.Aggregate
	flushed    int64
	totals     store.Totals
	lastSyncAt time.Time

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTracker(userID string, counter *sensor.Counter, gw health.Gateway, remote RemoteStore, cache LocalCache) *Tracker {
	return &Tracker{
		SyncInterval:     30 * time.Second,
		MidnightInterval: 60 * time.Second,
		userID:           userID,
		counter:          counter,
		gateway:          gw,
		remote:           remote,
		cache:            cache,
		now:              time.Now,
	}
}

// Start fetches today's baseline and launches the periodic sync and
// midnight-check tasks. Periodic failures are logged and retried on the next
// tick; they never stop the scheduler.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.date = t.now().Format(store.DateLayout)
	t.fetchBaselineLocked(ctx)
	t.loadTotalsLocked(ctx)
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		syncTicker := time.NewTicker(t.SyncInterval)
		midnightTicker := time.NewTicker(t.MidnightInterval)
		defer syncTicker.Stop()
		defer midnightTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-syncTicker.C:
				if err := t.syncOnce(ctx); err != nil {
					log.Printf("daily: sync failed, retrying next tick: %v", err)
				}
			case <-midnightTicker.C:
				if err := t.checkMidnight(ctx); err != nil {
					log.Printf("daily: midnight check failed: %v", err)
				}
			}
		}
	}()
}

// Close cancels the periodic tasks and performs one bounded final flush of
// the pending sensor increment.
func (t *Tracker) Close() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.syncOnce(ctx); err != nil {
		log.Printf("daily: final flush failed: %v", err)
	}
}

// Snapshot computes today's display values. Steps are always baseline plus
// unflushed motion increment; the remaining metrics prefer the platform's
// absolute figures and fall back to per-step heuristics only when the
// platform reported nothing for that metric.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	unflushed := t.unflushedLocked()
	steps := t.baseline.Steps + unflushed

	snap := Snapshot{
		Date:       t.date,
		Steps:      steps,
		LastSyncAt: t.lastSyncAt,
		AllTime:    t.totals,
	}

	if t.baseline.DistanceKm > 0 {
		snap.DistanceKm = t.baseline.DistanceKm
	} else {
		snap.DistanceKm = stepmath.DistanceKm(steps)
	}
	if t.baseline.Calories > 0 {
		snap.Calories = t.baseline.Calories
	} else {
		snap.Calories = stepmath.Calories(steps)
	}
	if t.baseline.ActiveMinutes > 0 {
		snap.ActiveMinutes = t.baseline.ActiveMinutes
	} else {
		snap.ActiveMinutes = stepmath.ActiveMinutes(steps)
	}
	return snap
}

func (t *Tracker) AllTime() store.Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

// BaselineSteps reports the current health baseline plus unflushed motion
// increment. The baseline capture service uses it as its in-memory source.
func (t *Tracker) BaselineSteps() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baseline.Steps + t.unflushedLocked()
}

func (t *Tracker) unflushedLocked() int64 {
	unflushed := t.counter.Increment() - t.flushed
	if unflushed < 0 {
		unflushed = 0
	}
	return unflushed
}

// fetchBaselineLocked queries the platform for today's window. On success the
// remote record is overwritten whenever it disagrees (platform wins). On
// failure the cached record serves as the baseline.
func (t *Tracker) fetchBaselineLocked(ctx context.Context) {
	start, end := health.DayWindow(t.now())
	agg, err := t.gateway.Read(ctx, t.userID, start, end)
	if err == nil {
		t.baseline = agg
		t.reconcileRemoteLocked(ctx, agg)
		return
	}
	log.Printf("daily: health platform read failed, using cache: %v", err)

	cached, cerr := t.cache.CachedDailyRecord(ctx, t.userID, t.date)
	if cerr != nil {
		if !errors.Is(cerr, store.ErrNotFound) {
			log.Printf("daily: cache read failed: %v", cerr)
		}
		return
	}
	t.baseline = health.Aggregate{
		Steps:         cached.Steps,
		DistanceKm:    cached.DistanceKm,
		Calories:      cached.Calories,
		ActiveMinutes: cached.ActiveMinutes,
	}
}

func (t *Tracker) reconcileRemoteLocked(ctx context.Context, agg health.Aggregate) {
	remote, err := t.remote.DailyRecord(ctx, t.userID, t.date)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("daily: remote record read failed: %v", err)
		return
	}
	if err == nil && remote.Steps == agg.Steps {
		return
	}
	log.Printf("daily: remote record disagrees (remote=%d health=%d), overwriting with health value", remote.Steps, agg.Steps)
	rec := t.recordFromLocked(agg, "health")
	if err := t.remote.UpsertDailyRecord(ctx, rec); err != nil {
		log.Printf("daily: remote overwrite failed: %v", err)
	}
}

func (t *Tracker) recordFromLocked(agg health.Aggregate, source string) store.DailyRecord {
	rec := store.DailyRecord{
		UserID:        t.userID,
		Date:          t.date,
		Steps:         agg.Steps,
		DistanceKm:    agg.DistanceKm,
		Calories:      agg.Calories,
		ActiveMinutes: agg.ActiveMinutes,
		Source:        source,
		SyncedAt:      t.now(),
		IsSynced:      true,
	}
	if rec.DistanceKm == 0 {
		rec.DistanceKm = stepmath.DistanceKm(rec.Steps)
	}
	if rec.Calories == 0 {
		rec.Calories = stepmath.Calories(rec.Steps)
	}
	if rec.ActiveMinutes == 0 {
		rec.ActiveMinutes = stepmath.ActiveMinutes(rec.Steps)
	}
	return rec
}

func (t *Tracker) loadTotalsLocked(ctx context.Context) {
	totals, err := t.remote.AllTimeTotals(ctx, t.userID)
	if err != nil {
		log.Printf("daily: totals reload failed: %v", err)
		return
	}
	t.totals = totals
}

// syncOnce flushes the unflushed sensor increment to the health platform,
// re-fetches the baseline so it reflects the written value, and persists the
// combined record locally and remotely. Writing the full combined total
// instead of the increment would double-count on the platform.
func (t *Tracker) syncOnce(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	unflushed := t.unflushedLocked()
	if unflushed > 0 {
		if err := t.gateway.Write(ctx, t.userID, unflushed, t.now()); err != nil {
			return err
		}
		t.flushed += unflushed
	}

	start, end := health.DayWindow(t.now())
	agg, err := t.gateway.Read(ctx, t.userID, start, end)
	if err == nil {
		t.baseline = agg
	} else {
		log.Printf("daily: baseline re-fetch failed: %v", err)
		// Stale baseline predates the flush; count the flushed part in.
		agg = t.baseline
		agg.Steps += unflushed + t.unflushedLocked()
	}

	rec := t.recordFromLocked(agg, "merged")
	if err := t.remote.UpsertDailyRecord(ctx, rec); err != nil {
		return err
	}
	if err := t.cache.CacheDailyRecord(ctx, rec); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("daily: cache write failed: %v", err)
	}

	t.loadTotalsLocked(ctx)
	t.lastSyncAt = t.now()
	return nil
}

// checkMidnight finalizes the previous date once the calendar day changes:
// the remaining increment is flushed to the previous date, that record is
// persisted as final, the sensor session resets to zero and the new day's
// baseline is fetched fresh.
func (t *Tracker) checkMidnight(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	today := t.now().Format(store.DateLayout)
	if today == t.date {
		return nil
	}

	prevDate := t.date
	unflushed := t.unflushedLocked()
	if unflushed > 0 {
		prevDay, _ := time.ParseInLocation(store.DateLayout, prevDate, t.now().Location())
		endOfPrev := prevDay.Add(24*time.Hour - time.Second)
		if err := t.gateway.Write(ctx, t.userID, unflushed, endOfPrev); err != nil {
			return err
		}
	}

	final := t.baseline
	final.Steps += unflushed
	rec := t.recordFromLocked(final, "merged")
	rec.Date = prevDate
	if err := t.remote.UpsertDailyRecord(ctx, rec); err != nil {
		log.Printf("daily: finalizing %s remotely failed: %v", prevDate, err)
	}
	if err := t.cache.CacheDailyRecord(ctx, rec); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("daily: finalizing %s locally failed: %v", prevDate, err)
	}

	t.counter.Reset()
	t.flushed = 0
	t.date = today
	t.baseline = health.Aggregate{}
	t.fetchBaselineLocked(ctx)
	t.loadTotalsLocked(ctx)

	log.Printf("daily: rolled over %s -> %s", prevDate, today)
	return nil
}

