package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"bustrack/internal/fleet"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed schema_postgres.sql schema_sqlite.sql
var schemaFS embed.FS

// DB is the SQL-backed route provider, snapshot store and grant lookup.
type DB struct {
	conn   *sql.DB
	driver string

	// SQLite allows one writer at a time
	writeMu sync.Mutex
}

func Open(dsn string) (*DB, error) {
	driver, source, err := ResolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open(driver, source)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(time.Hour)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
	}
	return &DB{conn: conn, driver: driver}, nil
}

func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) Driver() string { return db.driver }

func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.conn.PingContext(ctx)
}

func (db *DB) q(query string) string { return rebind(db.driver, query) }

// EnsureSchema creates any missing tables and indexes.
func (db *DB) EnsureSchema(ctx context.Context) error {
	name := "schema_sqlite.sql"
	if db.driver == DriverPostgres {
		name = "schema_postgres.sql"
	}
	b, err := schemaFS.ReadFile(name)
	if err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	log.Printf("database schema ensured (%s)", db.driver)
	return nil
}

// ListActiveBusesWithRoutes returns every active bus that has a route, with
// the route's stops in stop order. Stops without coordinates are left out; a
// bus whose route has no usable stops comes back with no waypoints.
func (db *DB) ListActiveBusesWithRoutes(ctx context.Context) ([]fleet.Bus, error) {
	q := db.q(`
SELECT b.id, b.bus_number, COALESCE(b.driver_name, ''), b.capacity, b.route_id,
       s.stop_name, s.latitude, s.longitude
FROM buses b
LEFT JOIN route_stops s
  ON s.route_id = b.route_id AND s.latitude IS NOT NULL AND s.longitude IS NOT NULL
WHERE b.is_active = ? AND b.route_id IS NOT NULL
ORDER BY b.id, s.stop_order, s.id`)

	rows, err := db.conn.QueryContext(ctx, q, true)
	if err != nil {
		return nil, fmt.Errorf("query active buses: %w", err)
	}
	defer rows.Close()

	var buses []fleet.Bus
	for rows.Next() {
		var (
			b        fleet.Bus
			stopName sql.NullString
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&b.ID, &b.Number, &b.DriverName, &b.Capacity, &b.RouteID, &stopName, &lat, &lng); err != nil {
			return nil, err
		}
		if n := len(buses); n == 0 || buses[n-1].ID != b.ID {
			buses = append(buses, b)
		}
		if stopName.Valid && lat.Valid && lng.Valid {
			cur := &buses[len(buses)-1]
			cur.Waypoints = append(cur.Waypoints, fleet.Waypoint{Name: stopName.String, Lat: lat.Float64, Lng: lng.Float64})
		}
	}
	return buses, rows.Err()
}

func (db *DB) AppendSnapshot(ctx context.Context, snap fleet.LocationSnapshot) error {
	return db.AppendSnapshots(ctx, []fleet.LocationSnapshot{snap})
}

// AppendSnapshots writes the batch in one transaction; on any error nothing
// from the batch is kept.
func (db *DB) AppendSnapshots(ctx context.Context, snaps []fleet.LocationSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.q(`
INSERT INTO bus_locations (bus_id, latitude, longitude, speed, recorded_at_ms)
VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range snaps {
		if _, err := stmt.ExecContext(ctx, s.BusID, s.Lat, s.Lng, s.Speed, s.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("insert snapshot for bus %d: %w", s.BusID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshots: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot of a bus or fleet.ErrNotFound.
func (db *DB) LatestSnapshot(ctx context.Context, busID int64) (fleet.LocationSnapshot, error) {
	q := db.q(`
SELECT latitude, longitude, speed, recorded_at_ms
FROM bus_locations
WHERE bus_id = ?
ORDER BY recorded_at_ms DESC, id DESC
LIMIT 1`)
	snap := fleet.LocationSnapshot{BusID: busID}
	var ms int64
	err := db.conn.QueryRowContext(ctx, q, busID).Scan(&snap.Lat, &snap.Lng, &snap.Speed, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.LocationSnapshot{}, fleet.ErrNotFound
	}
	if err != nil {
		return fleet.LocationSnapshot{}, fmt.Errorf("query latest snapshot: %w", err)
	}
	snap.Timestamp = time.UnixMilli(ms).UTC()
	return snap, nil
}

// SnapshotHistory returns a bus's snapshots recorded at or after since, oldest first.
func (db *DB) SnapshotHistory(ctx context.Context, busID int64, since time.Time) ([]fleet.LocationSnapshot, error) {
	q := db.q(`
SELECT latitude, longitude, speed, recorded_at_ms
FROM bus_locations
WHERE bus_id = ? AND recorded_at_ms >= ?
ORDER BY recorded_at_ms, id`)
	rows, err := db.conn.QueryContext(ctx, q, busID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query snapshot history: %w", err)
	}
	defer rows.Close()

	out := []fleet.LocationSnapshot{}
	for rows.Next() {
		s := fleet.LocationSnapshot{BusID: busID}
		var ms int64
		if err := rows.Scan(&s.Lat, &s.Lng, &s.Speed, &ms); err != nil {
			return nil, err
		}
		s.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Cleanup deletes snapshots older than the retention window.
func (db *DB) Cleanup(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention).UnixMilli()

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	res, err := db.conn.ExecContext(ctx, db.q(`DELETE FROM bus_locations WHERE recorded_at_ms < ?`), cutoff)
	if err != nil {
		return fmt.Errorf("cleanup bus_locations: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("cleanup: deleted %d snapshots older than %s", n, retention)
	}
	return nil
}

// HasTrackGrant reports whether the user holds an active track_bus grant for
// the bus, a track_route grant for its route, or admin_access.
func (db *DB) HasTrackGrant(ctx context.Context, userID, busID int64) (bool, error) {
	q := db.q(`
SELECT COUNT(*)
FROM user_permissions p
WHERE p.user_id = ? AND p.is_active = ?
  AND (
    (p.permission_type = 'track_bus' AND p.bus_id = ?)
    OR (p.permission_type = 'track_route' AND p.route_id = (SELECT route_id FROM buses WHERE id = ?))
    OR p.permission_type = 'admin_access'
  )`)
	var n int
	if err := db.conn.QueryRowContext(ctx, q, userID, true, busID, busID).Scan(&n); err != nil {
		return false, fmt.Errorf("query track grant: %w", err)
	}
	return n > 0, nil
}
