package daily

import (
	"context"
	"sync"
	"testing"
	"time"

	"backend-steprace/internal/health"
	"backend-steprace/internal/sensor"
	"backend-steprace/internal/store"
)

type gatewayWrite struct {
	delta int64
	day   time.Time
}

type fakeGateway struct {
	mu       sync.Mutex
	agg      health.Aggregate
	readErr  error
	writeErr error
	writes   []gatewayWrite
}

// Read returns the configured device aggregate plus any app-written deltas
// falling inside the queried window, like the real platform would.
func (g *fakeGateway) Read(_ context.Context, _ string, start, end time.Time) (health.Aggregate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readErr != nil {
		return health.Aggregate{}, g.readErr
	}
	agg := g.agg
	for _, w := range g.writes {
		if !w.day.Before(start) && w.day.Before(end) {
			agg.Steps += w.delta
		}
	}
	return agg, nil
}

func (g *fakeGateway) Write(_ context.Context, _ string, delta int64, day time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeErr != nil {
		return g.writeErr
	}
	g.writes = append(g.writes, gatewayWrite{delta: delta, day: day})
	return nil
}

type fakeRemote struct {
	mu      sync.Mutex
	records map[string]store.DailyRecord
	totals  store.Totals
	err     error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: map[string]store.DailyRecord{}}
}

func (r *fakeRemote) UpsertDailyRecord(_ context.Context, rec store.DailyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records[rec.UserID+":"+rec.Date] = rec
	return nil
}

func (r *fakeRemote) DailyRecord(_ context.Context, userID, date string) (store.DailyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return store.DailyRecord{}, r.err
	}
	rec, ok := r.records[userID+":"+date]
	if !ok {
		return store.DailyRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (r *fakeRemote) AllTimeTotals(_ context.Context, _ string) (store.Totals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals, nil
}

type fakeCache struct {
	mu      sync.Mutex
	records map[string]store.DailyRecord
}

func newFakeCache() *fakeCache {
	return &fakeCache{records: map[string]store.DailyRecord{}}
}

func (c *fakeCache) CacheDailyRecord(_ context.Context, rec store.DailyRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.UserID+":"+rec.Date] = rec
	return nil
}

func (c *fakeCache) CachedDailyRecord(_ context.Context, userID, date string) (store.DailyRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[userID+":"+date]
	if !ok {
		return store.DailyRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func newTestTracker(gw *fakeGateway, remote *fakeRemote, cache *fakeCache, at time.Time) (*Tracker, *sensor.Counter) {
	counter := sensor.NewCounter()
	tr := NewTracker("user-1", counter, gw, remote, cache)
	tr.now = func() time.Time { return at }
	tr.date = at.Format(store.DateLayout)
	return tr, counter
}

func initBaseline(t *testing.T, tr *Tracker) {
	t.Helper()
	tr.mu.Lock()
	tr.fetchBaselineLocked(context.Background())
	tr.mu.Unlock()
}

var day = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

func TestSnapshotCombinesBaselineAndIncrement(t *testing.T) {
	gw := &fakeGateway{agg: health.Aggregate{Steps: 3000, DistanceKm: 2.2, Calories: 120, ActiveMinutes: 31}}
	tr, counter := newTestTracker(gw, newFakeRemote(), newFakeCache(), day)
	initBaseline(t, tr)

	counter.Record(0)
	counter.Record(400)

	snap := tr.Snapshot()
	if snap.Steps != 3400 {
		t.Fatalf("unexpected steps: %d", snap.Steps)
	}
	// Platform reported absolutes win over heuristics.
	if snap.DistanceKm != 2.2 || snap.Calories != 120 || snap.ActiveMinutes != 31 {
		t.Fatalf("expected platform absolutes: %+v", snap)
	}
}

func TestSnapshotHeuristicFallback(t *testing.T) {
	gw := &fakeGateway{agg: health.Aggregate{Steps: 1000}}
	tr, _ := newTestTracker(gw, newFakeRemote(), newFakeCache(), day)
	initBaseline(t, tr)

	snap := tr.Snapshot()
	if snap.DistanceKm < 0.69 || snap.DistanceKm > 0.71 {
		t.Fatalf("expected heuristic distance, got %v", snap.DistanceKm)
	}
	if snap.ActiveMinutes != 10 {
		t.Fatalf("expected heuristic minutes, got %d", snap.ActiveMinutes)
	}
}

func TestFetchBaselineOverwritesDisagreeingRemote(t *testing.T) {
	gw := &fakeGateway{agg: health.Aggregate{Steps: 5000}}
	remote := newFakeRemote()
	remote.records["user-1:2026-08-29"] = store.DailyRecord{UserID: "user-1", Date: "2026-08-29", Steps: 4800}

	tr, _ := newTestTracker(gw, remote, newFakeCache(), day)
	initBaseline(t, tr)

	rec := remote.records["user-1:2026-08-29"]
	if rec.Steps != 5000 || rec.Source != "health" {
		t.Fatalf("remote should hold health value: %+v", rec)
	}
}

func TestFetchBaselineFallsBackToCache(t *testing.T) {
	gw := &fakeGateway{readErr: health.ErrUnavailable}
	cache := newFakeCache()
	cache.records["user-1:2026-08-29"] = store.DailyRecord{UserID: "user-1", Date: "2026-08-29", Steps: 2700, DistanceKm: 1.9}

	tr, _ := newTestTracker(gw, newFakeRemote(), cache, day)
	initBaseline(t, tr)

	if tr.BaselineSteps() != 2700 {
		t.Fatalf("expected cached baseline, got %d", tr.BaselineSteps())
	}
}

func TestSyncWritesOnlyIncrement(t *testing.T) {
	gw := &fakeGateway{agg: health.Aggregate{Steps: 2000}}
	remote := newFakeRemote()
	cache := newFakeCache()
	tr, counter := newTestTracker(gw, remote, cache, day)
	initBaseline(t, tr)

	counter.Record(0)
	counter.Record(300)

	if err := tr.syncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(gw.writes) != 1 || gw.writes[0].delta != 300 {
		t.Fatalf("platform should receive the increment only: %+v", gw.writes)
	}
	rec := remote.records["user-1:2026-08-29"]
	if rec.Steps != 2300 {
		t.Fatalf("remote record should hold combined total: %+v", rec)
	}
	if _, ok := cache.records["user-1:2026-08-29"]; !ok {
		t.Fatalf("record should be mirrored locally")
	}
	if tr.Snapshot().LastSyncAt.IsZero() {
		t.Fatalf("last sync should be stamped")
	}

	// A second sync with no new steps writes nothing to the platform.
	if err := tr.syncOnce(context.Background()); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(gw.writes) != 1 {
		t.Fatalf("no increment should be re-written: %+v", gw.writes)
	}
	if tr.Snapshot().Steps != 2300 {
		t.Fatalf("steps must not double-count after flush: %d", tr.Snapshot().Steps)
	}
}

func TestSyncWriteFailureRetriesNextTick(t *testing.T) {
	gw := &fakeGateway{agg: health.Aggregate{Steps: 1000}, writeErr: health.ErrUnavailable}
	tr, counter := newTestTracker(gw, newFakeRemote(), newFakeCache(), day)
	initBaseline(t, tr)

	counter.Record(0)
	counter.Record(200)

	if err := tr.syncOnce(context.Background()); err == nil {
		t.Fatalf("expected sync error")
	}

	// The increment stays pending and flushes once the platform recovers.
	gw.writeErr = nil
	if err := tr.syncOnce(context.Background()); err != nil {
		t.Fatalf("recovered sync: %v", err)
	}
	if len(gw.writes) != 1 || gw.writes[0].delta != 200 {
		t.Fatalf("pending increment should flush once: %+v", gw.writes)
	}
}

func TestMidnightRollover(t *testing.T) {
	gw := &fakeGateway{agg: health.Aggregate{Steps: 8000}}
	remote := newFakeRemote()
	tr, counter := newTestTracker(gw, remote, newFakeCache(), day)
	initBaseline(t, tr)

	counter.Record(0)
	counter.Record(500)

	// Same day: nothing happens.
	if err := tr.checkMidnight(context.Background()); err != nil {
		t.Fatalf("same-day check: %v", err)
	}
	if counter.Increment() != 500 {
		t.Fatalf("counter should be untouched before rollover")
	}

	// Cross midnight; the new day's platform window starts empty.
	nextDay := day.Add(24 * time.Hour)
	tr.now = func() time.Time { return nextDay }
	gw.mu.Lock()
	gw.agg = health.Aggregate{}
	gw.mu.Unlock()

	if err := tr.checkMidnight(context.Background()); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	finalized := remote.records["user-1:2026-08-29"]
	if finalized.Steps != 8500 {
		t.Fatalf("previous day should finalize at baseline+increment: %+v", finalized)
	}
	if counter.Increment() != 0 {
		t.Fatalf("sensor session should reset")
	}
	// The flushed 500 belongs to the previous date's platform window, so the
	// new day starts from zero.
	if got := tr.Snapshot(); got.Date != "2026-08-30" || got.Steps != 0 {
		t.Fatalf("unexpected new-day snapshot: %+v", got)
	}

	// Steps after rollover accrue to the new day only.
	counter.Record(600)
	if tr.Snapshot().Steps != 100 {
		t.Fatalf("new-day steps wrong: %d", tr.Snapshot().Steps)
	}
}
