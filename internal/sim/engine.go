package sim

import (
	"math"
	"time"

	"bustrack/internal/fleet"
	"bustrack/internal/geo"
)

type Status string

const (
	StatusMoving  Status = "moving"
	StatusAtStop  Status = "at_stop"
	StatusDelayed Status = "delayed"
)

const (
	MinSpeedKmh = 10.0
	MaxSpeedKmh = 50.0

	// arrivalThresholdKm is how close a bus must be to its target to count as arrived.
	arrivalThresholdKm = 0.001
	speedJitterKmh     = 5.0
	passengerChangeP   = 0.7
	passengerChangeMin = -5
	passengerChangeMax = 8
)

// Rand is the random source the motion engine draws from.
// *math/rand.Rand satisfies it.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// BusSimState is the simulation state of one bus. It is mutated only by the
// tick that processes that bus.
type BusSimState struct {
	BusID      int64  `json:"bus_id"`
	BusNumber  string `json:"bus_number"`
	DriverName string `json:"driver_name"`
	RouteID    int64  `json:"route_id"`
	Capacity   int    `json:"capacity"`

	Lat float64 `json:"current_lat"`
	Lng float64 `json:"current_lng"`

	Waypoints   []fleet.Waypoint `json:"-"`
	TargetIndex int              `json:"target_stop_index"`

	BaseSpeed float64 `json:"base_speed"`
	Speed     float64 `json:"speed"`
	Status    Status  `json:"status"`
	Bearing   float64 `json:"bearing"`

	Passengers int `json:"passengers"`

	LastUpdate    time.Time  `json:"last_update"`
	RouteProgress float64    `json:"route_progress"`
	DelayedUntil  *time.Time `json:"delayed_until,omitempty"`
}

// NewBusSimState places a bus at its first stop heading for the second one.
// It returns false when the bus has no stops and must not be simulated.
func NewBusSimState(b fleet.Bus, rng Rand, now time.Time) (BusSimState, bool) {
	if len(b.Waypoints) == 0 {
		return BusSimState{}, false
	}
	target := 1
	if len(b.Waypoints) == 1 {
		target = 0
	}
	speed := 20 + rng.Float64()*20

	// passengers uniform in [5, capacity-10], clamped into [0, capacity]
	hi := b.Capacity - 10
	if hi < 5 {
		hi = 5
	}
	passengers := clampInt(5+rng.Intn(hi-5+1), 0, b.Capacity)

	first := b.Waypoints[0]
	return BusSimState{
		BusID:       b.ID,
		BusNumber:   b.Number,
		DriverName:  b.DriverName,
		RouteID:     b.RouteID,
		Capacity:    b.Capacity,
		Lat:         first.Lat,
		Lng:         first.Lng,
		Waypoints:   b.Waypoints,
		TargetIndex: target,
		BaseSpeed:   speed,
		Speed:       speed,
		Status:      StatusMoving,
		Passengers:  passengers,
		LastUpdate:  now,
	}, true
}

// Advance moves a bus one tick of tickMinutes toward its target stop and
// reports whether it arrived there.
func Advance(s *BusSimState, tickMinutes float64, rng Rand, now time.Time) bool {
	n := len(s.Waypoints)
	if n == 0 {
		return false
	}
	if s.TargetIndex < 0 || s.TargetIndex >= n {
		s.TargetIndex = 0
	}

	delayed := s.DelayedUntil != nil && now.Before(*s.DelayedUntil)
	switch {
	case delayed:
		s.Status = StatusDelayed
	case s.Status != StatusMoving:
		// at_stop lasts exactly one tick; an expired delay ends here too
		s.Status = StatusMoving
		s.DelayedUntil = nil
	}

	target := s.Waypoints[s.TargetIndex]
	distance := geo.DistanceKm(s.Lat, s.Lng, target.Lat, target.Lng)

	arrived := false
	if distance < arrivalThresholdKm {
		arrived = true
	} else {
		speed := clamp(s.BaseSpeed+(rng.Float64()*2-1)*speedJitterKmh, MinSpeedKmh, MaxSpeedKmh)
		s.BaseSpeed = speed
		if delayed {
			speed = MinSpeedKmh
		}
		s.Speed = speed
		s.Bearing = geo.BearingDegrees(s.Lat, s.Lng, target.Lat, target.Lng)

		move := (speed / 60) * tickMinutes
		if move >= distance {
			arrived = true
		} else {
			// linear interpolation in degree space, fine at tick-sized steps
			ratio := move / distance
			s.Lat += (target.Lat - s.Lat) * ratio
			s.Lng += (target.Lng - s.Lng) * ratio
		}
	}

	if arrived {
		s.Lat, s.Lng = target.Lat, target.Lng
		if !delayed {
			s.Status = StatusAtStop
		}
		s.TargetIndex = (s.TargetIndex + 1) % n
		if rng.Float64() < passengerChangeP {
			change := passengerChangeMin + rng.Intn(passengerChangeMax-passengerChangeMin+1)
			s.Passengers = clampInt(s.Passengers+change, 0, s.Capacity)
		}
	}

	s.LastUpdate = now
	s.RouteProgress = 100 * float64(s.TargetIndex) / float64(n)
	return arrived
}

// NextStop returns the waypoint the bus is heading to.
func (s BusSimState) NextStop() *fleet.Waypoint {
	if s.TargetIndex < 0 || s.TargetIndex >= len(s.Waypoints) {
		return nil
	}
	wp := s.Waypoints[s.TargetIndex]
	return &wp
}

func (s BusSimState) Snapshot() fleet.LocationSnapshot {
	return fleet.LocationSnapshot{
		BusID:     s.BusID,
		Lat:       s.Lat,
		Lng:       s.Lng,
		Speed:     s.Speed,
		Timestamp: s.LastUpdate,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
