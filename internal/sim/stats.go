package sim

import (
	"fmt"
	"math"
	"sort"
	"time"
)

const (
	slowSpeedKmh      = 5.0
	highCapacityCount = 45
)

type Statistics struct {
	TotalActiveBuses int     `json:"total_active_buses"`
	MovingBuses      int     `json:"moving_buses"`
	StoppedBuses     int     `json:"stopped_buses"`
	TotalPassengers  int     `json:"total_passengers"`
	AverageSpeed     float64 `json:"average_speed"`
	SystemStatus     string  `json:"system_status"`
}

type Alert struct {
	Type      string    `json:"type"`
	BusID     int64     `json:"bus_id"`
	BusNumber string    `json:"bus_number"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// ComputeStatistics aggregates the current bus states. Any bus that is not
// moving counts as stopped.
func ComputeStatistics(states []BusSimState) Statistics {
	st := Statistics{TotalActiveBuses: len(states), SystemStatus: "idle"}
	if len(states) == 0 {
		return st
	}
	st.SystemStatus = "operational"
	sum := 0.0
	for _, s := range states {
		st.TotalPassengers += s.Passengers
		if s.Status == StatusMoving {
			st.MovingBuses++
		} else {
			st.StoppedBuses++
		}
		sum += s.Speed
	}
	st.AverageSpeed = math.Round(sum/float64(len(states))*100) / 100
	return st
}

// GenerateAlerts recomputes threshold alerts from scratch; nothing is carried
// over between calls. Alerts are ordered by bus id.
func GenerateAlerts(states []BusSimState, now time.Time) []Alert {
	sorted := make([]BusSimState, len(states))
	copy(sorted, states)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].BusID < sorted[j].BusID })

	alerts := []Alert{}
	for _, s := range sorted {
		if s.Status == StatusMoving && s.Speed < slowSpeedKmh {
			alerts = append(alerts, Alert{
				Type:      "slow_speed",
				BusID:     s.BusID,
				BusNumber: s.BusNumber,
				Message:   fmt.Sprintf("Bus %s is moving slowly (%.1f km/h)", s.BusNumber, s.Speed),
				Severity:  "warning",
				Timestamp: now,
			})
		}
		if s.Passengers > highCapacityCount {
			alerts = append(alerts, Alert{
				Type:      "high_capacity",
				BusID:     s.BusID,
				BusNumber: s.BusNumber,
				Message:   fmt.Sprintf("Bus %s is near capacity (%d/%d passengers)", s.BusNumber, s.Passengers, s.Capacity),
				Severity:  "info",
				Timestamp: now,
			})
		}
	}
	return alerts
}
