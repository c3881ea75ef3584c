package api

import (
	"sort"

	geojson "github.com/paulmach/go.geojson"

	"bustrack/internal/sim"
)

// FleetFeatures renders one Point per bus and one LineString per route, in
// bus id order. Coordinates are [lng, lat].
func FleetFeatures(statuses map[int64]sim.BusStatus) *geojson.FeatureCollection {
	ids := make([]int64, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fc := geojson.NewFeatureCollection()
	routes := make(map[int64]bool)
	for _, id := range ids {
		st := statuses[id]

		f := geojson.NewPointFeature([]float64{st.Lng, st.Lat})
		f.ID = st.BusID
		f.SetProperty("kind", "bus")
		f.SetProperty("bus_id", st.BusID)
		f.SetProperty("bus_number", st.BusNumber)
		f.SetProperty("route_id", st.RouteID)
		f.SetProperty("status", string(st.Status))
		f.SetProperty("speed", st.Speed)
		f.SetProperty("bearing", st.Bearing)
		f.SetProperty("passengers", st.Passengers)
		f.SetProperty("capacity", st.Capacity)
		f.SetProperty("route_progress", st.RouteProgress)
		if st.NextStop != nil {
			f.SetProperty("next_stop", st.NextStop.Name)
		}
		fc.AddFeature(f)

		if routes[st.RouteID] || len(st.Waypoints) < 2 {
			continue
		}
		routes[st.RouteID] = true
		coords := make([][]float64, 0, len(st.Waypoints))
		names := make([]string, 0, len(st.Waypoints))
		for _, wp := range st.Waypoints {
			coords = append(coords, []float64{wp.Lng, wp.Lat})
			names = append(names, wp.Name)
		}
		line := geojson.NewLineStringFeature(coords)
		line.SetProperty("kind", "route")
		line.SetProperty("route_id", st.RouteID)
		line.SetProperty("stops", names)
		fc.AddFeature(line)
	}
	return fc
}
