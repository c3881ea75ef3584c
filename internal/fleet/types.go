package fleet

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when no row matches.
var ErrNotFound = errors.New("not found")

type Waypoint struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// Bus is one active bus together with the ordered stops of its route.
type Bus struct {
	ID         int64
	Number     string
	DriverName string
	Capacity   int
	RouteID    int64
	Waypoints  []Waypoint
}

type LocationSnapshot struct {
	BusID     int64     `json:"bus_id"`
	Lat       float64   `json:"latitude"`
	Lng       float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}
