package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"bustrack/internal/auth"
	"bustrack/internal/fleet"
	"bustrack/internal/sim"
)

const maxHistoryHours = 168

type Simulation interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	StatusOf(busID int64) (sim.BusStatus, bool)
	StatusOfAll() map[int64]sim.BusStatus
	Statistics() sim.Statistics
	Alerts() []sim.Alert
	SimulateDelay(busID int64, minutes int) error
}

type SnapshotReader interface {
	LatestSnapshot(ctx context.Context, busID int64) (fleet.LocationSnapshot, error)
	SnapshotHistory(ctx context.Context, busID int64, since time.Time) ([]fleet.LocationSnapshot, error)
}

type Permissions interface {
	CanTrack(ctx context.Context, id *auth.Identity, busID int64) bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

type Handler struct {
	// base outlives requests; the simulation started from an HTTP call runs on it
	base  context.Context
	sim   Simulation
	snaps SnapshotReader
	perms Permissions
	db    Pinger
	now   func() time.Time
}

func NewHandler(base context.Context, s Simulation, snaps SnapshotReader, perms Permissions, db Pinger) *Handler {
	return &Handler{base: base, sim: s, snaps: snaps, perms: perms, db: db, now: time.Now}
}

// NewRouter mounts the live-tracking API and the websocket endpoint.
func NewRouter(h *Handler, ws http.Handler, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))
	r.Use(identify)

	r.Get("/health", h.Health)
	if ws != nil {
		r.Handle("/ws", ws)
	}

	r.Route("/api/live", func(r chi.Router) {
		r.Get("/buses", h.GetAllBuses)
		r.Get("/buses/{busID}", h.GetBus)
		r.Get("/alerts", h.GetAlerts)
		r.Get("/geojson", h.GetGeoJSON)

		r.Group(func(r chi.Router) {
			r.Use(requirePrivileged)
			r.Post("/buses/{busID}/delay", h.SimulateDelay)
			r.Post("/start", h.StartSimulation)
			r.Post("/stop", h.StopSimulation)
		})
	})

	r.Get("/api/buses/{busID}/location", h.GetLatestLocation)
	r.Get("/api/buses/{busID}/location/history", h.GetLocationHistory)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}

// identify resolves the gateway identity headers into the request context.
func identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := auth.FromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), nil)
			return
		}
		if id != nil {
			r = r.WithContext(auth.WithIdentity(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func requirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := auth.FromContext(r.Context())
		if id == nil {
			writeError(w, http.StatusUnauthorized, "Authentication required", nil)
			return
		}
		if !id.Privileged() {
			writeError(w, http.StatusForbidden, "Admin access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func busIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "busID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid bus id", map[string]any{"busID": raw})
		return 0, false
	}
	return id, true
}

// canTrack applies per-bus permissions to signed-in, non-privileged callers.
func (h *Handler) canTrack(r *http.Request, busID int64) bool {
	id := auth.FromContext(r.Context())
	if id == nil || id.Privileged() || h.perms == nil {
		return true
	}
	return h.perms.CanTrack(r.Context(), id, busID)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":     "ok",
		"database":   "connected",
		"simulation": "stopped",
		"timestamp":  h.now().UTC(),
	}
	if h.sim.Running() {
		resp["simulation"] = "running"
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			resp["status"] = "error"
			resp["database"] = "disconnected"
			resp["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type allBusesResponse struct {
	Buses      map[int64]sim.BusStatus `json:"buses"`
	Statistics sim.Statistics          `json:"statistics"`
	Count      int                     `json:"count"`
	Running    bool                    `json:"running"`
	Timestamp  time.Time               `json:"timestamp"`
}

// GetAllBuses handles GET /api/live/buses
func (h *Handler) GetAllBuses(w http.ResponseWriter, r *http.Request) {
	all := h.sim.StatusOfAll()
	visible := make(map[int64]sim.BusStatus, len(all))
	for id, st := range all {
		if h.canTrack(r, id) {
			visible[id] = st
		}
	}
	writeJSON(w, http.StatusOK, allBusesResponse{
		Buses:      visible,
		Statistics: h.sim.Statistics(),
		Count:      len(visible),
		Running:    h.sim.Running(),
		Timestamp:  h.now().UTC(),
	})
}

// GetBus handles GET /api/live/buses/{busID}
func (h *Handler) GetBus(w http.ResponseWriter, r *http.Request) {
	busID, ok := busIDParam(w, r)
	if !ok {
		return
	}
	if !h.canTrack(r, busID) {
		writeError(w, http.StatusForbidden, "Not allowed to track this bus", map[string]any{"busID": busID})
		return
	}
	st, ok := h.sim.StatusOf(busID)
	if !ok {
		writeError(w, http.StatusNotFound, "Bus not found in live simulation", map[string]any{"busID": busID})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetAlerts handles GET /api/live/alerts
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.sim.Alerts()
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":    alerts,
		"count":     len(alerts),
		"timestamp": h.now().UTC(),
	})
}

// GetGeoJSON handles GET /api/live/geojson
func (h *Handler) GetGeoJSON(w http.ResponseWriter, r *http.Request) {
	all := h.sim.StatusOfAll()
	for id := range all {
		if !h.canTrack(r, id) {
			delete(all, id)
		}
	}
	b, err := FleetFeatures(all).MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode GeoJSON", map[string]any{"internal": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

type delayRequest struct {
	Minutes int `json:"minutes"`
}

// SimulateDelay handles POST /api/live/buses/{busID}/delay
func (h *Handler) SimulateDelay(w http.ResponseWriter, r *http.Request) {
	busID, ok := busIDParam(w, r)
	if !ok {
		return
	}
	var req delayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Minutes <= 0 {
		writeError(w, http.StatusBadRequest, "Body must be {\"minutes\": N} with N > 0", nil)
		return
	}
	if err := h.sim.SimulateDelay(busID, req.Minutes); err != nil {
		if errors.Is(err, sim.ErrBusNotFound) {
			writeError(w, http.StatusNotFound, "Bus not found in live simulation", map[string]any{"busID": busID})
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delay bus", map[string]any{"internal": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "delayed",
		"bus_id":  busID,
		"minutes": req.Minutes,
	})
}

// StartSimulation handles POST /api/live/start
func (h *Handler) StartSimulation(w http.ResponseWriter, r *http.Request) {
	if err := h.sim.Start(h.base); err != nil {
		if errors.Is(err, sim.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "Simulation already running", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to start simulation", map[string]any{"internal": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started"})
}

// StopSimulation handles POST /api/live/stop
func (h *Handler) StopSimulation(w http.ResponseWriter, r *http.Request) {
	h.sim.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

// GetLatestLocation handles GET /api/buses/{busID}/location
func (h *Handler) GetLatestLocation(w http.ResponseWriter, r *http.Request) {
	busID, ok := busIDParam(w, r)
	if !ok {
		return
	}
	if !h.canTrack(r, busID) {
		writeError(w, http.StatusForbidden, "Not allowed to track this bus", map[string]any{"busID": busID})
		return
	}
	snap, err := h.snaps.LatestSnapshot(r.Context(), busID)
	if errors.Is(err, fleet.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No location recorded for bus", map[string]any{"busID": busID})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve location", map[string]any{"internal": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetLocationHistory handles GET /api/buses/{busID}/location/history?hours=N
func (h *Handler) GetLocationHistory(w http.ResponseWriter, r *http.Request) {
	busID, ok := busIDParam(w, r)
	if !ok {
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryHours {
			writeError(w, http.StatusBadRequest, "hours must be between 1 and 168", map[string]any{"hours": v})
			return
		}
		hours = n
	}
	if !h.canTrack(r, busID) {
		writeError(w, http.StatusForbidden, "Not allowed to track this bus", map[string]any{"busID": busID})
		return
	}
	since := h.now().Add(-time.Duration(hours) * time.Hour)
	locs, err := h.snaps.SnapshotHistory(r.Context(), busID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve location history", map[string]any{"internal": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bus_id":    busID,
		"hours":     hours,
		"count":     len(locs),
		"locations": locs,
	})
}
