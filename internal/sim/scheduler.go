package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"bustrack/internal/fleet"
	mmetrics "bustrack/internal/metrics"
	"bustrack/internal/publisher"
)

var (
	ErrBusNotFound    = errors.New("bus not found")
	ErrAlreadyRunning = errors.New("simulation already running")
)

// RouteProvider lists the buses eligible for simulation.
type RouteProvider interface {
	ListActiveBusesWithRoutes(ctx context.Context) ([]fleet.Bus, error)
}

// SnapshotStore persists location snapshots. AppendSnapshots commits a batch
// atomically or not at all.
type SnapshotStore interface {
	AppendSnapshots(ctx context.Context, snaps []fleet.LocationSnapshot) error
}

type PositionPublisher interface {
	PublishPosition(msg publisher.PositionMessage) error
}

type SchedulerConfig struct {
	TickInterval    time.Duration
	TickMinutes     float64 // simulated minutes per tick
	PersistTimeout  time.Duration
	RetryBackoff    time.Duration
	RefreshInterval time.Duration // 0 disables reloading the bus set
	Seed            int64

	// Rand and Now override the random source and clock; tests use them.
	Rand Rand
	Now  func() time.Time
}

// BusStatus is a bus state plus the fields derived from its route.
type BusStatus struct {
	BusSimState
	NextStop   *fleet.Waypoint `json:"next_stop"`
	TotalStops int             `json:"total_stops"`
}

type busEntry struct {
	mu    sync.Mutex
	state BusSimState
}

// Scheduler drives every active bus once per tick and persists one snapshot
// per bus. It is the only writer of bus state.
type Scheduler struct {
	provider RouteProvider
	store    SnapshotStore
	pub      PositionPublisher
	cfg      SchedulerConfig
	metrics  *mmetrics.Collector
	rng      Rand
	now      func() time.Time

	mu      sync.RWMutex
	buses   map[int64]*busEntry
	skipped map[int64]bool // buses without stops, logged once

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(provider RouteProvider, store SnapshotStore, pub PositionPublisher, cfg SchedulerConfig, metrics *mmetrics.Collector) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.TickMinutes <= 0 {
		cfg.TickMinutes = 1
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Second
	}
	rng := cfg.Rand
	if rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		rng = rand.New(rand.NewSource(seed))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		provider: provider,
		store:    store,
		pub:      pub,
		cfg:      cfg,
		metrics:  metrics,
		rng:      rng,
		now:      now,
		buses:    make(map[int64]*busEntry),
		skipped:  make(map[int64]bool),
	}
}

// Start loads every eligible bus and launches the tick loop. The first tick
// runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	buses, err := s.provider.ListActiveBusesWithRoutes(ctx)
	if err != nil {
		return fmt.Errorf("load active buses: %w", err)
	}
	s.mu.Lock()
	s.buses = make(map[int64]*busEntry)
	s.skipped = make(map[int64]bool)
	s.mu.Unlock()
	added, _ := s.reconcile(buses)
	log.Printf("initialized %d active buses for simulation", added)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(loopCtx)
	}()
	return nil
}

// Stop ends the tick loop after the in-flight tick and drops all bus state.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	log.Printf("stopping live bus simulation")
	s.cancel()
	s.wg.Wait()
	s.running = false

	s.mu.Lock()
	s.buses = make(map[int64]*busEntry)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveBuses.Set(0)
	}
}

func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context) {
	if err := s.tick(ctx); err != nil {
		log.Printf("simulation tick error: %v", err)
	}

	interval := s.cfg.TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var refresh <-chan time.Time
	if s.cfg.RefreshInterval > 0 {
		rt := time.NewTicker(s.cfg.RefreshInterval)
		defer rt.Stop()
		refresh = rt.C
	}

	backingOff := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				log.Printf("simulation tick error: %v", err)
				// retry sooner than the regular interval
				ticker.Reset(s.cfg.RetryBackoff)
				backingOff = true
			} else if backingOff {
				ticker.Reset(interval)
				backingOff = false
			}
		case <-refresh:
			if err := s.refresh(ctx); err != nil {
				log.Printf("refresh active buses error: %v", err)
			}
		}
	}
}

// tick advances every bus once and commits their snapshots as one batch.
// A bus that fails is logged and left out of the batch.
func (s *Scheduler) tick(ctx context.Context) error {
	start := time.Now()
	now := s.now()

	entries := s.entries()
	snaps := make([]fleet.LocationSnapshot, 0, len(entries))
	states := make([]BusSimState, 0, len(entries))
	for _, e := range entries {
		st, err := s.advanceBus(e, now)
		if err != nil {
			log.Printf("bus %d tick error: %v", st.BusID, err)
			if s.metrics != nil {
				s.metrics.BusTickErrs.Inc()
			}
			continue
		}
		snaps = append(snaps, st.Snapshot())
		states = append(states, st)
	}
	if s.metrics != nil {
		s.metrics.Ticks.Inc()
		defer func() { s.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()
	}
	if len(snaps) == 0 {
		return nil
	}

	s.publish(states)

	// let an in-flight batch finish even when Stop cancelled ctx
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.store.AppendSnapshots(pctx, snaps); err != nil {
		if s.metrics != nil {
			s.metrics.SnapshotBatchErrs.Inc()
		}
		return fmt.Errorf("persist %d snapshots: %w", len(snaps), err)
	}
	if s.metrics != nil {
		s.metrics.SnapshotsWritten.Add(float64(len(snaps)))
	}
	log.Printf("updated positions for %d buses", len(snaps))
	return nil
}

func (s *Scheduler) advanceBus(e *busEntry, now time.Time) (st BusSimState, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			st = e.state
			err = fmt.Errorf("advance panicked: %v", r)
		}
	}()
	Advance(&e.state, s.cfg.TickMinutes, s.rng, now)
	return e.state, nil
}

func (s *Scheduler) publish(states []BusSimState) {
	if s.pub == nil {
		return
	}
	for _, st := range states {
		msg := publisher.PositionMessage{
			BusID:      st.BusID,
			BusNumber:  st.BusNumber,
			RouteID:    st.RouteID,
			Timestamp:  st.LastUpdate,
			Lat:        st.Lat,
			Lng:        st.Lng,
			Bearing:    st.Bearing,
			Progress:   st.RouteProgress,
			SpeedKmh:   st.Speed,
			Status:     string(st.Status),
			Passengers: st.Passengers,
		}
		if err := s.pub.PublishPosition(msg); err != nil {
			log.Printf("publish error for bus %d: %v", st.BusID, err)
		}
	}
}

// refresh reloads the bus set: newly eligible buses join at their first stop,
// buses no longer listed are dropped. It runs between ticks.
func (s *Scheduler) refresh(ctx context.Context) error {
	buses, err := s.provider.ListActiveBusesWithRoutes(ctx)
	if err != nil {
		return err
	}
	added, removed := s.reconcile(buses)
	if added > 0 || removed > 0 {
		log.Printf("refreshed active buses: %d added, %d removed", added, removed)
	}
	return nil
}

func (s *Scheduler) reconcile(buses []fleet.Bus) (added, removed int) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(buses))
	for _, b := range buses {
		seen[b.ID] = true
		if _, ok := s.buses[b.ID]; ok {
			continue
		}
		st, ok := NewBusSimState(b, s.rng, now)
		if !ok {
			if !s.skipped[b.ID] {
				log.Printf("bus %d (%s) has no route stops, not simulated", b.ID, b.Number)
				s.skipped[b.ID] = true
			}
			continue
		}
		delete(s.skipped, b.ID)
		s.buses[b.ID] = &busEntry{state: st}
		added++
	}
	for id := range s.buses {
		if !seen[id] {
			delete(s.buses, id)
			removed++
		}
	}
	if s.metrics != nil {
		s.metrics.ActiveBuses.Set(float64(len(s.buses)))
	}
	return added, removed
}

// entries returns the bus entries ordered by bus id.
func (s *Scheduler) entries() []*busEntry {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.buses))
	for id := range s.buses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*busEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.buses[id])
	}
	s.mu.RUnlock()
	return out
}

func statusOf(e *busEntry) BusStatus {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	return BusStatus{BusSimState: st, NextStop: st.NextStop(), TotalStops: len(st.Waypoints)}
}

// StatusOf returns the current state of one bus.
func (s *Scheduler) StatusOf(busID int64) (BusStatus, bool) {
	s.mu.RLock()
	e, ok := s.buses[busID]
	s.mu.RUnlock()
	if !ok {
		return BusStatus{}, false
	}
	return statusOf(e), true
}

func (s *Scheduler) StatusOfAll() map[int64]BusStatus {
	entries := s.entries()
	out := make(map[int64]BusStatus, len(entries))
	for _, e := range entries {
		st := statusOf(e)
		out[st.BusID] = st
	}
	return out
}

// States returns a copy of every bus state ordered by bus id.
func (s *Scheduler) States() []BusSimState {
	entries := s.entries()
	out := make([]BusSimState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	return out
}

func (s *Scheduler) Statistics() Statistics { return ComputeStatistics(s.States()) }

func (s *Scheduler) Alerts() []Alert { return GenerateAlerts(s.States(), s.now()) }

// SimulateDelay marks a bus delayed for the given number of minutes. While
// delayed it runs at the minimum speed.
func (s *Scheduler) SimulateDelay(busID int64, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("invalid delay minutes: %d", minutes)
	}
	s.mu.RLock()
	e, ok := s.buses[busID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("bus %d: %w", busID, ErrBusNotFound)
	}
	until := s.now().Add(time.Duration(minutes) * time.Minute)
	e.mu.Lock()
	e.state.DelayedUntil = &until
	e.state.Status = StatusDelayed
	e.state.Speed = MinSpeedKmh
	e.mu.Unlock()
	log.Printf("bus %d delayed for %d minutes", busID, minutes)
	return nil
}
