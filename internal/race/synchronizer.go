package race

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"backend-steprace/internal/baseline"
	"backend-steprace/internal/sensor"
	"backend-steprace/internal/shared/stepmath"
	"backend-steprace/internal/store"
)

// ErrRaceClosed means the race is not in a joinable status.
var ErrRaceClosed = errors.New("race not open for joining")

const (
	finishToleranceKm = 0.05
	seenLimit         = 128
)

// RemoteStore is the slice of the remote step store the synchronizer needs.
type RemoteStore interface {
	ActiveRaces(ctx context.Context, userID string) ([]store.Race, error)
	Race(ctx context.Context, raceID string) (store.Race, error)
	CreateParticipant(ctx context.Context, raceID, userID string) error
	ParticipantProgress(ctx context.Context, raceID, userID string) (store.Progress, error)
	WriteProgress(ctx context.Context, p store.Progress) error
	CompleteParticipant(ctx context.Context, p store.Progress) (int, error)
}

// BaselineCache persists the serialized baseline list across restarts.
type BaselineCache interface {
	SaveRaceBaselines(ctx context.Context, userID string, payload []byte) error
	RaceBaselines(ctx context.Context, userID string) ([]byte, error)
	DropRaceBaselines(ctx context.Context, userID string) error
}

// Capturer obtains the join-time step baseline.
type Capturer interface {
	Capture(ctx context.Context, userID string) (baseline.Result, error)
}

// Broadcaster pushes progress snapshots to subscribers. Optional.
type Broadcaster interface {
	Broadcast(userID string, payload []byte)
}

// Synchronizer maintains one dual-layer baseline per active race, folds
// sensor deltas into race progress and reconciles it against the remote
// participant rows. One mutex serializes the tick, discovery and injection
// mutations of the baseline map; remote writes happen outside the lock, with
// the decision of what to write taken under it.
type Synchronizer struct {
	SyncInterval time.Duration
	ScanInterval time.Duration
	MinSyncSteps int64

	userID  string
	counter *sensor.Counter
	capture Capturer
	remote  RemoteStore
	cache   BaselineCache
	hub     Broadcaster

	mu                sync.Mutex
	baselines         map[string]*Baseline
	lastSensorReading int64
	cumulativeSteps   int64
	seen              map[string]struct{}
	seenOrder         []string
	pending           []Injection
	started           bool
	persistRetrying   bool

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSynchronizer(userID string, counter *sensor.Counter, capture Capturer, remote RemoteStore, cache BaselineCache, hub Broadcaster) *Synchronizer {
	return &Synchronizer{
		SyncInterval: time.Second,
		ScanInterval: 30 * time.Second,
		MinSyncSteps: 10,
		userID:       userID,
		counter:      counter,
		capture:      capture,
		remote:       remote,
		cache:        cache,
		hub:          hub,
		baselines:    map[string]*Baseline{},
		seen:         map[string]struct{}{},
		now:          time.Now,
	}
}

// Start restores persisted baselines, runs an initial discovery and launches
// the periodic sync and discovery tasks. No periodic failure stops the
// scheduler.
func (s *Synchronizer) Start(ctx context.Context) {
	if err := s.restore(ctx); err != nil {
		log.Printf("race: baseline restore failed: %v", err)
	}
	if err := s.scanOnce(ctx); err != nil {
		log.Printf("race: initial discovery failed: %v", err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		syncTicker := time.NewTicker(s.SyncInterval)
		scanTicker := time.NewTicker(s.ScanInterval)
		defer syncTicker.Stop()
		defer scanTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-syncTicker.C:
				if err := s.tickOnce(ctx, false); err != nil {
					log.Printf("race: sync tick failed: %v", err)
				}
			case <-scanTicker.C:
				if err := s.scanOnce(ctx); err != nil {
					log.Printf("race: discovery failed: %v", err)
				}
			}
		}
	}()
}

// Stop cancels the periodic tasks and forces one best-effort final flush.
func (s *Synchronizer) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.tickOnce(ctx, true); err != nil {
		log.Printf("race: final flush failed: %v", err)
	}
}

// JoinRace registers the user in a race after a successful baseline capture.
// A zero baseline fails the join: every later step would be miscredited
// against a wrong zero-point.
func (s *Synchronizer) JoinRace(ctx context.Context, raceID string) (Baseline, error) {
	r, err := s.remote.Race(ctx, raceID)
	if err != nil {
		return Baseline{}, err
	}
	if r.Status != "active" && r.Status != "ending" {
		return Baseline{}, ErrRaceClosed
	}

	res, err := s.capture.Capture(ctx, s.userID)
	if err != nil {
		return Baseline{}, err
	}
	log.Printf("race: join %s anchored on %d steps from %s", raceID, res.Steps, res.Source)

	if err := s.remote.CreateParticipant(ctx, raceID, s.userID); err != nil {
		return Baseline{}, err
	}
	p, err := s.remote.ParticipantProgress(ctx, raceID, s.userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Baseline{}, err
	}

	b := Baseline{
		RaceID:       raceID,
		Title:        r.Title,
		StartTime:    r.StartedAt,
		TargetKm:     r.TargetKm,
		ServerSteps:  p.Steps,
		IsCompleted:  p.IsCompleted,
		CompletedAt:  p.CompletedAt,
		AnchorSteps:  res.Steps,
		AnchorSource: res.Source,
	}

	s.mu.Lock()
	s.baselines[raceID] = &b
	out := b
	s.mu.Unlock()

	s.persistBaselines(ctx)
	return out, nil
}

// Inject folds an external correction delta into every active race exactly
// once. Repeated request ids are dropped; injections arriving before start
// or before any race is active are queued, not discarded.
func (s *Synchronizer) Inject(requestID string, delta int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[requestID]; dup {
		return false
	}
	s.rememberLocked(requestID)

	inj := Injection{RequestID: requestID, Delta: delta}
	if !s.started || !s.hasActiveBaselineLocked() {
		s.pending = append(s.pending, inj)
		return true
	}
	s.applyInjectionLocked(inj)
	return true
}

// Progress reads the user's own participant row for one race.
func (s *Synchronizer) Progress(ctx context.Context, raceID string) (store.Progress, error) {
	return s.remote.ParticipantProgress(ctx, raceID, s.userID)
}

// Baselines snapshots the current baseline map, sorted by race id.
func (s *Synchronizer) Baselines() []Baseline {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]Baseline, 0, len(s.baselines))
	for _, b := range s.baselines {
		list = append(list, *b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RaceID < list[j].RaceID })
	return list
}

// CumulativeSteps reports total sensor steps seen this session, across
// resets. Diagnostic only.
func (s *Synchronizer) CumulativeSteps() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cumulativeSteps
}

type writeJob struct {
	raceID   string
	session  int64
	progress store.Progress
	complete bool
	capped   bool
}

// tickOnce is the per-tick algorithm: read the sensor delta (a negative
// delta means a session reset, so the new absolute reading is the delta),
// fold it into every active baseline, then write each race whose session
// steps pass the threshold.
func (s *Synchronizer) tickOnce(ctx context.Context, force bool) error {
	s.mu.Lock()
	current := s.counter.Increment()
	delta := current - s.lastSensorReading
	if delta < 0 {
		delta = current
	}
	s.lastSensorReading = current
	if delta > 0 {
		s.cumulativeSteps += delta
		for _, b := range s.baselines {
			if !b.IsCompleted {
				b.SessionSteps += delta
			}
		}
	}
	s.drainPendingLocked()
	jobs := s.planWritesLocked(force)
	s.mu.Unlock()

	if len(jobs) == 0 {
		return nil
	}

	var firstErr error
	synced := false
	for _, job := range jobs {
		if err := s.commit(ctx, job); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.Printf("race: progress write for %s failed: %v", job.raceID, err)
			continue
		}
		synced = true
	}
	if synced {
		s.persistBaselines(ctx)
	}
	return firstErr
}

func (s *Synchronizer) planWritesLocked(force bool) []writeJob {
	var jobs []writeJob
	for id, b := range s.baselines {
		if b.IsCompleted || b.SessionSteps <= 0 {
			continue
		}
		if !force && b.SessionSteps < s.MinSyncSteps {
			continue
		}

		steps, distanceKm, capped := ValidateProgress(b.ServerSteps, b.TotalSteps(), b.TargetKm)
		remaining := b.TargetKm - distanceKm
		if remaining < 0 {
			remaining = 0
		}
		elapsed := s.now().Sub(b.StartTime).Seconds()

		jobs = append(jobs, writeJob{
			raceID:  id,
			session: b.SessionSteps,
			progress: store.Progress{
				RaceID:      id,
				UserID:      s.userID,
				Steps:       steps,
				DistanceKm:  distanceKm,
				RemainingKm: remaining,
				Calories:    stepmath.Calories(steps),
				AvgSpeedKmh: stepmath.AvgSpeedKmh(distanceKm, elapsed),
			},
			complete: remaining <= finishToleranceKm,
			capped:   capped,
		})
	}
	return jobs
}

// commit performs one remote write and, on confirmation, folds the written
// session steps into ServerSteps. Steps that arrived during the write stay
// in SessionSteps for the next tick.
func (s *Synchronizer) commit(ctx context.Context, job writeJob) error {
	if job.capped {
		log.Printf("race: anomalous delta for %s capped to %d steps", job.raceID, job.progress.Steps)
	}

	if job.complete {
		order, err := s.remote.CompleteParticipant(ctx, job.progress)
		if err != nil {
			return err
		}
		s.fold(job, true)
		log.Printf("race: %s completed with finish order %d", job.raceID, order)
	} else {
		if err := s.remote.WriteProgress(ctx, job.progress); err != nil {
			return err
		}
		s.fold(job, false)
	}

	s.broadcast(job.progress)
	return nil
}

func (s *Synchronizer) fold(job writeJob, completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.baselines[job.raceID]
	if !ok {
		return
	}
	b.ServerSteps = job.progress.Steps
	b.SessionSteps -= job.session
	if b.SessionSteps < 0 {
		b.SessionSteps = 0
	}
	if completed {
		b.IsCompleted = true
		b.CompletedAt = s.now()
	}
}

// scanOnce re-queries which races the user participates in. New races get a
// fresh baseline seeded from the remote participant row; races no longer
// active or ending have their baseline discarded.
func (s *Synchronizer) scanOnce(ctx context.Context) error {
	races, err := s.remote.ActiveRaces(ctx, s.userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var missing []store.Race
	for _, r := range races {
		if _, ok := s.baselines[r.ID]; !ok {
			missing = append(missing, r)
		}
	}
	s.mu.Unlock()

	seed := map[string]store.Progress{}
	for _, r := range missing {
		p, err := s.remote.ParticipantProgress(ctx, r.ID, s.userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("race: seeding %s failed: %v", r.ID, err)
			continue
		}
		seed[r.ID] = p
	}

	changed := false
	s.mu.Lock()
	active := map[string]bool{}
	for _, r := range races {
		active[r.ID] = true
		if b, ok := s.baselines[r.ID]; ok {
			b.Title = r.Title
			b.TargetKm = r.TargetKm
			continue
		}
		p, ok := seed[r.ID]
		if !ok {
			continue
		}
		s.baselines[r.ID] = &Baseline{
			RaceID:      r.ID,
			Title:       r.Title,
			StartTime:   r.StartedAt,
			TargetKm:    r.TargetKm,
			ServerSteps: p.Steps,
			IsCompleted: p.IsCompleted,
			CompletedAt: p.CompletedAt,
		}
		changed = true
		log.Printf("race: tracking %s (%s)", r.ID, r.Title)
	}
	for id := range s.baselines {
		if !active[id] {
			delete(s.baselines, id)
			changed = true
			log.Printf("race: dropped %s", id)
		}
	}
	s.drainPendingLocked()
	s.mu.Unlock()

	if changed {
		s.persistBaselines(ctx)
	}
	return nil
}

// restore reloads persisted baselines after a restart. The remote
// participant row wins over the persisted ServerSteps; session steps never
// survive a process.
func (s *Synchronizer) restore(ctx context.Context) error {
	payload, err := s.cache.RaceBaselines(ctx, s.userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var list []Baseline
	if err := json.Unmarshal(payload, &list); err != nil {
		return err
	}

	for i := range list {
		b := list[i]
		b.SessionSteps = 0
		if p, err := s.remote.ParticipantProgress(ctx, b.RaceID, s.userID); err == nil {
			b.ServerSteps = p.Steps
			b.IsCompleted = p.IsCompleted
			b.CompletedAt = p.CompletedAt
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Printf("race: revalidating %s failed, keeping persisted value: %v", b.RaceID, err)
		}
		s.mu.Lock()
		s.baselines[b.RaceID] = &b
		s.mu.Unlock()
		log.Printf("race: resumed %s at %d confirmed steps", b.RaceID, b.ServerSteps)
	}
	return nil
}

func (s *Synchronizer) hasActiveBaselineLocked() bool {
	for _, b := range s.baselines {
		if !b.IsCompleted {
			return true
		}
	}
	return false
}

func (s *Synchronizer) applyInjectionLocked(inj Injection) {
	for _, b := range s.baselines {
		if b.IsCompleted {
			continue
		}
		b.SessionSteps += inj.Delta
		if b.SessionSteps < 0 {
			b.SessionSteps = 0
		}
	}
	log.Printf("race: injected correction %s (%+d steps)", inj.RequestID, inj.Delta)
}

func (s *Synchronizer) drainPendingLocked() {
	if !s.started {
		return
	}
	if len(s.pending) == 0 || !s.hasActiveBaselineLocked() {
		return
	}
	for _, inj := range s.pending {
		s.applyInjectionLocked(inj)
	}
	s.pending = nil
}

func (s *Synchronizer) rememberLocked(requestID string) {
	s.seen[requestID] = struct{}{}
	s.seenOrder = append(s.seenOrder, requestID)
	if len(s.seenOrder) > seenLimit {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}
}

func (s *Synchronizer) broadcast(p store.Progress) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return
	}
	s.hub.Broadcast(s.userID, payload)
}

// persistBaselines serializes the baseline map to the local cache. A failed
// save retries in the background with exponential backoff so a flaky cache
// never blocks the tick.
func (s *Synchronizer) persistBaselines(ctx context.Context) {
	if err := s.saveBaselines(ctx); err != nil {
		log.Printf("race: baseline persist failed, retrying: %v", err)
		s.mu.Lock()
		if !s.persistRetrying {
			s.persistRetrying = true
			go s.retryPersist(ctx)
		}
		s.mu.Unlock()
	}
}

func (s *Synchronizer) retryPersist(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.persistRetrying = false
		s.mu.Unlock()
	}()

	for _, wait := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := s.saveBaselines(ctx); err == nil {
			return
		}
	}
	log.Printf("race: baseline persist gave up; next confirmed sync retries")
}

func (s *Synchronizer) saveBaselines(ctx context.Context) error {
	list := s.Baselines()
	if len(list) == 0 {
		return s.cache.DropRaceBaselines(ctx, s.userID)
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return s.cache.SaveRaceBaselines(ctx, s.userID, payload)
}
