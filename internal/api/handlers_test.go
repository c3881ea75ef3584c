package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	geojson "github.com/paulmach/go.geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/auth"
	"bustrack/internal/fleet"
	"bustrack/internal/sim"
)

type fakeSim struct {
	running  bool
	statuses map[int64]sim.BusStatus
	delays   map[int64]int
	startErr error
}

func (f *fakeSim) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return sim.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeSim) Stop()         { f.running = false }
func (f *fakeSim) Running() bool { return f.running }

func (f *fakeSim) StatusOf(id int64) (sim.BusStatus, bool) {
	st, ok := f.statuses[id]
	return st, ok
}

func (f *fakeSim) StatusOfAll() map[int64]sim.BusStatus {
	out := make(map[int64]sim.BusStatus, len(f.statuses))
	for k, v := range f.statuses {
		out[k] = v
	}
	return out
}

func (f *fakeSim) Statistics() sim.Statistics {
	var states []sim.BusSimState
	for _, st := range f.statuses {
		states = append(states, st.BusSimState)
	}
	return sim.ComputeStatistics(states)
}

func (f *fakeSim) Alerts() []sim.Alert { return []sim.Alert{} }

func (f *fakeSim) SimulateDelay(id int64, minutes int) error {
	if _, ok := f.statuses[id]; !ok {
		return fmt.Errorf("bus %d: %w", id, sim.ErrBusNotFound)
	}
	f.delays[id] = minutes
	return nil
}

type fakeSnaps struct {
	latest  map[int64]fleet.LocationSnapshot
	history []fleet.LocationSnapshot
	since   time.Time
}

func (f *fakeSnaps) LatestSnapshot(_ context.Context, busID int64) (fleet.LocationSnapshot, error) {
	s, ok := f.latest[busID]
	if !ok {
		return fleet.LocationSnapshot{}, fleet.ErrNotFound
	}
	return s, nil
}

func (f *fakeSnaps) SnapshotHistory(_ context.Context, _ int64, since time.Time) ([]fleet.LocationSnapshot, error) {
	f.since = since
	return f.history, nil
}

// onlyBus grants every signed-in user the one bus.
type onlyBus int64

func (b onlyBus) CanTrack(_ context.Context, _ *auth.Identity, busID int64) bool {
	return busID == int64(b)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

var now0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func campusStatus(id int64, number string) sim.BusStatus {
	wps := []fleet.Waypoint{
		{Name: "Girls Hostel", Lat: 17.4430, Lng: 78.3765},
		{Name: "Admin Block", Lat: 17.4438, Lng: 78.3775},
		{Name: "Central Library", Lat: 17.4445, Lng: 78.3785},
	}
	return sim.BusStatus{
		BusSimState: sim.BusSimState{
			BusID: id, BusNumber: number, RouteID: 2, Capacity: 45,
			Lat: 17.4434, Lng: 78.3770, Waypoints: wps, TargetIndex: 1,
			Speed: 25, Status: sim.StatusMoving, Passengers: 12,
		},
		NextStop:   &wps[1],
		TotalStops: len(wps),
	}
}

type testServer struct {
	sim   *fakeSim
	snaps *fakeSnaps
	srv   http.Handler
}

func newTestServer(t *testing.T, pinger Pinger) *testServer {
	t.Helper()
	fs := &fakeSim{
		statuses: map[int64]sim.BusStatus{
			1: campusStatus(1, "KA-01-A-1234"),
			2: campusStatus(2, "KA-01-B-5678"),
		},
		delays: map[int64]int{},
	}
	snaps := &fakeSnaps{latest: map[int64]fleet.LocationSnapshot{
		1: {BusID: 1, Lat: 17.4435, Lng: 78.3772, Speed: 20, Timestamp: now0},
	}}
	h := NewHandler(context.Background(), fs, snaps, onlyBus(1), pinger)
	h.now = func() time.Time { return now0 }
	return &testServer{sim: fs, snaps: snaps, srv: NewRouter(h, nil, []string{"*"})}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

var (
	admin   = map[string]string{auth.HeaderUserID: "1", auth.HeaderUserRole: auth.RoleAdmin}
	student = map[string]string{auth.HeaderUserID: "2", auth.HeaderUserRole: auth.RoleStudent}
)

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestGetAllBusesFiltersByPermission(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "GET", "/api/live/buses", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 2.0, body["count"])
	stats := body["statistics"].(map[string]any)
	assert.Equal(t, "operational", stats["system_status"])

	rec = ts.do(t, "GET", "/api/live/buses", "", student)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, 1.0, body["count"])
	assert.Contains(t, body["buses"], "1")
}

func TestGetBus(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "GET", "/api/live/buses/2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "KA-01-B-5678", body["bus_number"])
	assert.Equal(t, 3.0, body["total_stops"])
	assert.Equal(t, "Admin Block", body["next_stop"].(map[string]any)["name"])
	assert.NotContains(t, body, "Waypoints")

	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/api/live/buses/99", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "GET", "/api/live/buses/abc", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, "GET", "/api/live/buses/2", "", student).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, "GET", "/api/live/buses/2", "",
		map[string]string{auth.HeaderUserID: "nope"}).Code)
}

func TestSimulateDelay(t *testing.T) {
	ts := newTestServer(t, nil)
	path := "/api/live/buses/1/delay"

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, "POST", path, `{"minutes":5}`, nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, "POST", path, `{"minutes":5}`, student).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", path, `{"minutes":0}`, admin).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, "POST", path, `oops`, admin).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "POST", "/api/live/buses/42/delay", `{"minutes":5}`, admin).Code)

	rec := ts.do(t, "POST", path, `{"minutes":5}`, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "delayed", decodeBody(t, rec)["status"])
	assert.Equal(t, 5, ts.sim.delays[1])
}

func TestStartStop(t *testing.T) {
	ts := newTestServer(t, nil)

	assert.Equal(t, http.StatusForbidden, ts.do(t, "POST", "/api/live/start", "", student).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, "POST", "/api/live/start", "", admin).Code)
	assert.True(t, ts.sim.running)
	assert.Equal(t, http.StatusConflict, ts.do(t, "POST", "/api/live/start", "", admin).Code)

	assert.Equal(t, http.StatusOK, ts.do(t, "POST", "/api/live/stop", "", admin).Code)
	assert.False(t, ts.sim.running)

	ts.sim.startErr = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, ts.do(t, "POST", "/api/live/start", "", admin).Code)
}

func TestLocationEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "GET", "/api/buses/1/location", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 17.4435, body["latitude"])
	assert.Equal(t, 78.3772, body["longitude"])

	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/api/buses/2/location", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, "GET", "/api/buses/2/location", "", student).Code)

	ts.snaps.history = []fleet.LocationSnapshot{{BusID: 1, Timestamp: now0}}
	rec = ts.do(t, "GET", "/api/buses/1/location/history?hours=6", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, 6.0, body["hours"])
	assert.Equal(t, 1.0, body["count"])
	assert.Equal(t, now0.Add(-6*time.Hour), ts.snaps.since)

	for _, q := range []string{"0", "-1", "200", "x"} {
		rec := ts.do(t, "GET", "/api/buses/1/location/history?hours="+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "hours=%s", q)
	}
}

func TestGetGeoJSON(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, "GET", "/api/live/geojson", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 3, "two buses share one route line")

	bus := fc.Features[0]
	require.True(t, bus.Geometry.IsPoint())
	assert.Equal(t, []float64{78.3770, 17.4434}, bus.Geometry.Point)
	assert.Equal(t, "KA-01-A-1234", bus.Properties["bus_number"])

	line := fc.Features[1]
	require.True(t, line.Geometry.IsLineString())
	assert.Len(t, line.Geometry.LineString, 3)
	assert.Equal(t, "route", line.Properties["kind"])
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, fakePinger{})
	rec := ts.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", decodeBody(t, rec)["simulation"])

	ts = newTestServer(t, fakePinger{err: errors.New("connection refused")})
	rec = ts.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "disconnected", decodeBody(t, rec)["database"])
}
