package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/fleet"
)

func openSeeded(t *testing.T) (*DB, *SeedResult) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "bustrack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Ping(ctx))
	require.NoError(t, db.EnsureSchema(ctx))
	require.NoError(t, db.EnsureSchema(ctx), "schema must apply twice")

	res, err := db.Seed(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	return db, res
}

func TestResolveDriver(t *testing.T) {
	tests := []struct {
		dsn        string
		wantDriver string
		wantErr    bool
	}{
		{"postgres://bus:pw@127.0.0.1:5432/bustrack?sslmode=disable", DriverPostgres, false},
		{"postgresql://localhost/bustrack", DriverPostgres, false},
		{"host=127.0.0.1 dbname=bustrack", DriverPostgres, false},
		{"sqlite://./data/bustrack.db", DriverSQLite, false},
		{"./bustrack.db", DriverSQLite, false},
		{"file:bustrack.db?mode=memory", DriverSQLite, false},
		{"mysql://root@localhost/db", "", true},
		{"  ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			driver, _, err := ResolveDriver(tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDriver, driver)
		})
	}

	_, src, err := ResolveDriver("sqlite://data.db")
	require.NoError(t, err)
	assert.Equal(t, "data.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", src)
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, q, rebind(DriverSQLite, q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", rebind(DriverPostgres, q))
}

func TestListActiveBusesWithRoutes(t *testing.T) {
	db, res := openSeeded(t)
	ctx := context.Background()

	buses, err := db.ListActiveBusesWithRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, buses, 3, "inactive bus is excluded")

	first := buses[0]
	assert.Equal(t, res.BusIDs[0], first.ID)
	assert.Equal(t, "KA-01-A-1234", first.Number)
	assert.Equal(t, "Rajesh Kumar", first.DriverName)
	assert.Equal(t, 50, first.Capacity)
	assert.Equal(t, res.RouteIDs[0], first.RouteID)
	require.Len(t, first.Waypoints, 5)
	assert.Equal(t, fleet.Waypoint{Name: "Main Campus Gate", Lat: 17.4435, Lng: 78.3772}, first.Waypoints[0])
	assert.Equal(t, "Boys Hostel", first.Waypoints[4].Name)

	assert.Len(t, buses[1].Waypoints, 3)
}

func TestListActiveBusesWithoutUsableStops(t *testing.T) {
	db, _ := openSeeded(t)
	ctx := context.Background()

	var routeID int64
	err := db.conn.QueryRowContext(ctx,
		`INSERT INTO routes (name, is_active, created_at_ms) VALUES ('Empty Loop', 1, 0) RETURNING id`).Scan(&routeID)
	require.NoError(t, err)
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO route_stops (route_id, stop_name, stop_order) VALUES (?, 'Unmapped Stop', 1)`, routeID)
	require.NoError(t, err)
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO buses (bus_number, capacity, route_id, is_active, created_at_ms) VALUES ('KA-01-E-7777', 30, ?, 1, 0)`, routeID)
	require.NoError(t, err)
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO buses (bus_number, capacity, is_active, created_at_ms) VALUES ('KA-01-F-8888', 30, 1, 0)`)
	require.NoError(t, err)

	buses, err := db.ListActiveBusesWithRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, buses, 4, "bus without a route is excluded")
	last := buses[3]
	assert.Equal(t, "KA-01-E-7777", last.Number)
	assert.Equal(t, "", last.DriverName)
	assert.Empty(t, last.Waypoints)
}

func TestSnapshots(t *testing.T) {
	db, res := openSeeded(t)
	ctx := context.Background()
	busID := res.BusIDs[1]

	base := time.Now().UTC().Truncate(time.Millisecond)
	batch := []fleet.LocationSnapshot{
		{BusID: busID, Lat: 17.4431, Lng: 78.3766, Speed: 22.5, Timestamp: base.Add(time.Minute)},
		{BusID: busID, Lat: 17.4433, Lng: 78.3768, Speed: 24, Timestamp: base.Add(2 * time.Minute)},
	}
	require.NoError(t, db.AppendSnapshots(ctx, batch))
	require.NoError(t, db.AppendSnapshots(ctx, nil))

	latest, err := db.LatestSnapshot(ctx, busID)
	require.NoError(t, err)
	assert.Equal(t, batch[1], latest)

	hist, err := db.SnapshotHistory(ctx, busID, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, batch, hist)

	_, err = db.LatestSnapshot(ctx, res.BusIDs[3])
	assert.ErrorIs(t, err, fleet.ErrNotFound)

	empty, err := db.SnapshotHistory(ctx, res.BusIDs[3], base)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestAppendSnapshotsIsAtomic(t *testing.T) {
	db, res := openSeeded(t)
	ctx := context.Background()
	busID := res.BusIDs[3]
	now := time.Now()

	err := db.AppendSnapshots(ctx, []fleet.LocationSnapshot{
		{BusID: busID, Lat: 1, Lng: 1, Speed: 10, Timestamp: now},
		{BusID: 9999, Lat: 1, Lng: 1, Speed: 10, Timestamp: now},
	})
	require.Error(t, err)

	_, err = db.LatestSnapshot(ctx, busID)
	assert.ErrorIs(t, err, fleet.ErrNotFound, "failed batch must leave nothing behind")

	require.NoError(t, db.AppendSnapshot(ctx, fleet.LocationSnapshot{BusID: busID, Lat: 2, Lng: 2, Timestamp: now}))
	_, err = db.LatestSnapshot(ctx, busID)
	assert.NoError(t, err)
}

func TestCleanup(t *testing.T) {
	db, res := openSeeded(t)
	ctx := context.Background()
	busID := res.BusIDs[3]
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, db.AppendSnapshots(ctx, []fleet.LocationSnapshot{
		{BusID: busID, Lat: 1, Lng: 1, Timestamp: now.Add(-48 * time.Hour)},
		{BusID: busID, Lat: 2, Lng: 2, Timestamp: now},
	}))
	require.NoError(t, db.Cleanup(ctx, 24*time.Hour))

	hist, err := db.SnapshotHistory(ctx, busID, now.Add(-72*time.Hour))
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 2.0, hist[0].Lat)
}

func TestHasTrackGrant(t *testing.T) {
	db, res := openSeeded(t)
	ctx := context.Background()

	ok, err := db.HasTrackGrant(ctx, res.StudentID, res.BusIDs[0])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.HasTrackGrant(ctx, res.StudentID, res.BusIDs[1])
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.HasTrackGrant(ctx, res.AdminID, res.BusIDs[0])
	require.NoError(t, err)
	assert.False(t, ok, "roles are checked by the caller, not by grants")

	_, err = db.conn.ExecContext(ctx, `INSERT INTO user_permissions (user_id, route_id, permission_type, granted_at_ms, is_active)
VALUES (?, ?, 'track_route', 0, 1)`, res.StudentID, res.RouteIDs[1])
	require.NoError(t, err)
	ok, err = db.HasTrackGrant(ctx, res.StudentID, res.BusIDs[1])
	require.NoError(t, err)
	assert.True(t, ok, "route grant covers buses on the route")

	_, err = db.conn.ExecContext(ctx, `UPDATE user_permissions SET is_active = 0 WHERE user_id = ?`, res.StudentID)
	require.NoError(t, err)
	ok, err = db.HasTrackGrant(ctx, res.StudentID, res.BusIDs[0])
	require.NoError(t, err)
	assert.False(t, ok, "revoked grant")
}

func TestSeedRunsOnce(t *testing.T) {
	db, _ := openSeeded(t)
	res, err := db.Seed(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
}
