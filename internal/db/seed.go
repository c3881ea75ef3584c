package db

import (
	"context"
	"fmt"
	"log"
	"time"
)

type seedStop struct {
	name     string
	lat, lng float64
	arrival  string
}

type seedRoute struct {
	name, start, end string
	minutes          int
	stops            []seedStop
}

type seedBus struct {
	number, driver string
	capacity       int
	route          int // index into seedRoutes
	active         bool
}

var seedRoutes = []seedRoute{
	{
		name: "Main Campus to Hostel", start: "Main Campus Gate", end: "Boys Hostel", minutes: 45,
		stops: []seedStop{
			{"Main Campus Gate", 17.4435, 78.3772, "08:00"},
			{"Engineering Block", 17.4440, 78.3780, "08:05"},
			{"Library", 17.4445, 78.3785, "08:15"},
			{"Canteen", 17.4450, 78.3790, "08:25"},
			{"Boys Hostel", 17.4460, 78.3800, "08:45"},
		},
	},
	{
		name: "Girls Hostel to Library", start: "Girls Hostel", end: "Central Library", minutes: 20,
		stops: []seedStop{
			{"Girls Hostel", 17.4430, 78.3765, "09:00"},
			{"Admin Block", 17.4438, 78.3775, "09:10"},
			{"Central Library", 17.4445, 78.3785, "09:20"},
		},
	},
}

var seedBuses = []seedBus{
	{"KA-01-A-1234", "Rajesh Kumar", 50, 0, true},
	{"KA-01-B-5678", "Suresh Babu", 45, 1, true},
	{"KA-01-C-9012", "Mahesh Reddy", 55, 0, true},
	{"KA-01-D-3456", "Ramesh Singh", 40, 1, false},
}

// SeedResult holds the ids created by Seed.
type SeedResult struct {
	RouteIDs  []int64
	BusIDs    []int64
	AdminID   int64
	StudentID int64
}

// Seed loads the demo campus: two routes, four buses (one inactive), an admin
// and a student allowed to track the first bus. It does nothing when routes
// already exist.
func (db *DB) Seed(ctx context.Context) (*SeedResult, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	var existing int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM routes`).Scan(&existing); err != nil {
		return nil, fmt.Errorf("count routes: %w", err)
	}
	if existing > 0 {
		log.Printf("seed skipped: %d routes already present", existing)
		return nil, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin seed tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res := &SeedResult{}
	insertID := func(query string, args ...any) (int64, error) {
		var id int64
		err := tx.QueryRowContext(ctx, db.q(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}

	for _, r := range seedRoutes {
		id, err := insertID(`INSERT INTO routes (name, start_point, end_point, estimated_duration, is_active, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)`, r.name, r.start, r.end, r.minutes, true, now)
		if err != nil {
			return nil, fmt.Errorf("insert route %q: %w", r.name, err)
		}
		res.RouteIDs = append(res.RouteIDs, id)
		for i, s := range r.stops {
			_, err := tx.ExecContext(ctx, db.q(`INSERT INTO route_stops (route_id, stop_name, stop_order, latitude, longitude, scheduled_arrival)
VALUES (?, ?, ?, ?, ?, ?)`), id, s.name, i+1, s.lat, s.lng, s.arrival)
			if err != nil {
				return nil, fmt.Errorf("insert stop %q: %w", s.name, err)
			}
		}
	}

	for _, b := range seedBuses {
		id, err := insertID(`INSERT INTO buses (bus_number, driver_name, capacity, route_id, is_active, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)`, b.number, b.driver, b.capacity, res.RouteIDs[b.route], b.active, now)
		if err != nil {
			return nil, fmt.Errorf("insert bus %q: %w", b.number, err)
		}
		res.BusIDs = append(res.BusIDs, id)
		if !b.active {
			continue
		}
		first := seedRoutes[b.route].stops[0]
		_, err = tx.ExecContext(ctx, db.q(`INSERT INTO bus_locations (bus_id, latitude, longitude, speed, recorded_at_ms)
VALUES (?, ?, ?, ?, ?)`), id, first.lat, first.lng, 0.0, now)
		if err != nil {
			return nil, fmt.Errorf("insert initial location for %q: %w", b.number, err)
		}
	}

	insertUser := `INSERT INTO users (username, email, full_name, role, is_active, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?)`
	if res.AdminID, err = insertID(insertUser, "admin", "admin@college.edu", "System Administrator", "admin", true, now); err != nil {
		return nil, fmt.Errorf("insert admin user: %w", err)
	}
	if res.StudentID, err = insertID(insertUser, "student1", "student1@college.edu", "Demo Student", "student", true, now); err != nil {
		return nil, fmt.Errorf("insert student user: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.q(`INSERT INTO user_permissions (user_id, bus_id, permission_type, granted_by, granted_at_ms, is_active)
VALUES (?, ?, ?, ?, ?, ?)`), res.StudentID, res.BusIDs[0], "track_bus", res.AdminID, now, true)
	if err != nil {
		return nil, fmt.Errorf("insert student grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit seed: %w", err)
	}
	log.Printf("seeded %d routes, %d buses, 2 users", len(res.RouteIDs), len(res.BusIDs))
	return res, nil
}
