package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bustrack/internal/auth"
	mmetrics "bustrack/internal/metrics"
	"bustrack/internal/sim"
)

var ErrUnknownSubscriber = errors.New("unknown subscriber")

// Conn is one subscriber transport. Send must honour ctx and be safe for
// concurrent use.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// StateSource is the read side of the simulation.
type StateSource interface {
	StatusOfAll() map[int64]sim.BusStatus
	Statistics() sim.Statistics
	Alerts() []sim.Alert
}

type Permissions interface {
	CanTrack(ctx context.Context, id *auth.Identity, busID int64) bool
}

type Config struct {
	Period      time.Duration
	SendTimeout time.Duration
	Now         func() time.Time
}

type subscriber struct {
	id       string
	conn     Conn
	identity *auth.Identity
	global   bool
	buses    map[int64]struct{}
}

// Registry tracks live subscribers and fans simulation state out to them.
type Registry struct {
	source  StateSource
	perms   Permissions
	cfg     Config
	metrics *mmetrics.Collector

	mu    sync.RWMutex
	subs  map[string]*subscriber
	byBus map[int64]map[string]struct{}
}

func NewRegistry(source StateSource, perms Permissions, cfg Config, metrics *mmetrics.Collector) *Registry {
	if cfg.Period <= 0 {
		cfg.Period = 3 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		source:  source,
		perms:   perms,
		cfg:     cfg,
		metrics: metrics,
		subs:    make(map[string]*subscriber),
		byBus:   make(map[int64]map[string]struct{}),
	}
}

type envelope struct {
	Type      string `json:"type"`
	BusID     int64  `json:"bus_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

type liveUpdate struct {
	Type       string                  `json:"type"`
	Data       map[int64]sim.BusStatus `json:"data"`
	Statistics sim.Statistics          `json:"statistics"`
	Alerts     []sim.Alert             `json:"alerts"`
	Timestamp  string                  `json:"timestamp"`
}

type inbound struct {
	Type  string `json:"type"`
	BusID int64  `json:"bus_id"`
}

func (r *Registry) timestamp() string {
	return r.cfg.Now().UTC().Format(time.RFC3339)
}

// Connect registers conn as a global subscriber and greets it. The returned
// id addresses the subscriber in later calls.
func (r *Registry) Connect(ctx context.Context, conn Conn, identity *auth.Identity) (string, error) {
	sub := &subscriber{
		id:       uuid.NewString(),
		conn:     conn,
		identity: identity,
		global:   true,
		buses:    make(map[int64]struct{}),
	}
	r.mu.Lock()
	r.subs[sub.id] = sub
	n := len(r.subs)
	r.mu.Unlock()
	r.setSubscribers(n)

	err := r.reply(ctx, sub, envelope{Type: "welcome", Message: "Connected to live bus tracking"})
	if err != nil {
		r.Disconnect(sub.id)
		return "", fmt.Errorf("send welcome: %w", err)
	}
	log.Printf("subscriber %s connected (%d total)", sub.id, n)
	return sub.id, nil
}

// SubscribeToBus adds busID to the subscriber's watched set. Subscribing twice
// is a no-op.
func (r *Registry) SubscribeToBus(id string, busID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("subscriber %s: %w", id, ErrUnknownSubscriber)
	}
	sub.buses[busID] = struct{}{}
	set, ok := r.byBus[busID]
	if !ok {
		set = make(map[string]struct{})
		r.byBus[busID] = set
	}
	set[id] = struct{}{}
	return nil
}

// Disconnect removes the subscriber from every set and closes its transport.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
		for busID := range sub.buses {
			if set := r.byBus[busID]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(r.byBus, busID)
				}
			}
		}
	}
	n := len(r.subs)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.setSubscribers(n)
	if err := sub.conn.Close(); err != nil {
		log.Printf("close subscriber %s error: %v", id, err)
	}
	log.Printf("subscriber %s disconnected (%d total)", id, n)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Watchers returns the ids of subscribers watching busID.
func (r *Registry) Watchers(busID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byBus[busID]))
	for id := range r.byBus[busID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type target struct {
	sub   *subscriber
	buses []int64
}

// Broadcast runs one fan-out cycle. Every global subscriber gets the full
// live_update; every watched bus the subscriber may track gets a bus_update.
// Subscribers whose send fails or times out are disconnected.
func (r *Registry) Broadcast(ctx context.Context) {
	r.mu.RLock()
	if len(r.subs) == 0 {
		r.mu.RUnlock()
		return
	}
	targets := make([]target, 0, len(r.subs))
	for _, sub := range r.subs {
		t := target{sub: sub}
		for busID := range sub.buses {
			t.buses = append(t.buses, busID)
		}
		sort.Slice(t.buses, func(i, j int) bool { return t.buses[i] < t.buses[j] })
		targets = append(targets, t)
	}
	r.mu.RUnlock()

	start := time.Now()
	statuses := r.source.StatusOfAll()
	update := liveUpdate{
		Type:       "live_update",
		Data:       statuses,
		Statistics: r.source.Statistics(),
		Alerts:     r.source.Alerts(),
		Timestamp:  r.timestamp(),
	}
	payload, err := json.Marshal(update)
	if err != nil {
		log.Printf("marshal live update error: %v", err)
		return
	}

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []string
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			if err := r.deliver(ctx, t, payload, statuses); err != nil {
				log.Printf("send to subscriber %s error: %v", t.sub.id, err)
				failedMu.Lock()
				failed = append(failed, t.sub.id)
				failedMu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	for _, id := range failed {
		r.Disconnect(id)
	}
	if r.metrics != nil {
		r.metrics.Broadcasts.Inc()
		r.metrics.SendFailures.Add(float64(len(failed)))
		r.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
}

func (r *Registry) deliver(ctx context.Context, t target, payload []byte, statuses map[int64]sim.BusStatus) error {
	if t.sub.global {
		if err := r.send(ctx, t.sub, payload); err != nil {
			return err
		}
	}
	for _, busID := range t.buses {
		st, ok := statuses[busID]
		if !ok || !r.allowed(ctx, t.sub.identity, busID) {
			continue
		}
		err := r.reply(ctx, t.sub, envelope{Type: "bus_update", BusID: busID, Data: st})
		if err != nil {
			return err
		}
	}
	return nil
}

// allowed filters per-bus updates for signed-in users without a privileged
// role. Anonymous subscribers are not filtered.
func (r *Registry) allowed(ctx context.Context, id *auth.Identity, busID int64) bool {
	if id == nil || id.Privileged() || r.perms == nil {
		return true
	}
	return r.perms.CanTrack(ctx, id, busID)
}

func (r *Registry) send(ctx context.Context, sub *subscriber, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	return sub.conn.Send(ctx, msg)
}

func (r *Registry) reply(ctx context.Context, sub *subscriber, env envelope) error {
	env.Timestamp = r.timestamp()
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.send(ctx, sub, b)
}

// Run broadcasts every period until ctx is done. A cycle already under way
// completes before Run returns.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Broadcast(context.WithoutCancel(ctx))
		}
	}
}

// HandleMessage answers one client message from subscriber id.
func (r *Registry) HandleMessage(ctx context.Context, id string, raw []byte) error {
	r.mu.RLock()
	sub, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("subscriber %s: %w", id, ErrUnknownSubscriber)
	}

	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.countMessage("invalid")
		return r.reply(ctx, sub, envelope{Type: "error", Message: "Invalid JSON format"})
	}

	switch msg.Type {
	case "ping":
		r.countMessage(msg.Type)
		return r.reply(ctx, sub, envelope{Type: "pong"})
	case "get_all_buses":
		r.countMessage(msg.Type)
		return r.reply(ctx, sub, envelope{Type: "all_buses", Data: r.source.StatusOfAll()})
	case "subscribe_bus":
		r.countMessage(msg.Type)
		if msg.BusID <= 0 {
			return r.reply(ctx, sub, envelope{Type: "error", Message: "bus_id is required"})
		}
		if err := r.SubscribeToBus(id, msg.BusID); err != nil {
			return err
		}
		return r.reply(ctx, sub, envelope{
			Type:    "subscription_confirmed",
			BusID:   msg.BusID,
			Message: fmt.Sprintf("Subscribed to bus %d updates", msg.BusID),
		})
	case "get_alerts":
		r.countMessage(msg.Type)
		return r.reply(ctx, sub, envelope{Type: "alerts_update", Data: r.source.Alerts()})
	default:
		r.countMessage("unknown")
		return r.reply(ctx, sub, envelope{Type: "error", Message: fmt.Sprintf("Unknown message type: %q", msg.Type)})
	}
}

func (r *Registry) countMessage(kind string) {
	if r.metrics != nil {
		r.metrics.WSMessages.WithLabelValues(kind).Inc()
	}
}

func (r *Registry) setSubscribers(n int) {
	if r.metrics != nil {
		r.metrics.Subscribers.Set(float64(n))
	}
}
