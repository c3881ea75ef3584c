// Package geo holds the spherical-earth helpers used by the simulator.
package geo

import "math"

// EarthRadiusKm is the mean earth radius used by every function in this package.
const EarthRadiusKm = 6371.0

func toRad(d float64) float64 { return d * math.Pi / 180 }
func toDeg(r float64) float64 { return r * 180 / math.Pi }

// DistanceKm returns the haversine great-circle distance between two points in kilometers.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Asin(math.Sqrt(a))
	return EarthRadiusKm * c
}

// BearingDegrees returns the initial forward azimuth from point 1 to point 2,
// in degrees within (-180, 180].
func BearingDegrees(lat1, lng1, lat2, lng2 float64) float64 {
	phi1, phi2 := toRad(lat1), toRad(lat2)
	dLng := toRad(lng2 - lng1)
	y := math.Sin(dLng) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLng)
	brng := toDeg(math.Atan2(y, x))
	if brng <= -180 {
		brng += 360
	}
	return brng
}

// DestinationPoint projects a point distanceKm along bearingDeg from (lat, lng).
func DestinationPoint(lat, lng, bearingDeg, distanceKm float64) (float64, float64) {
	delta := distanceKm / EarthRadiusKm
	theta := toRad(bearingDeg)
	phi1 := toRad(lat)
	lambda1 := toRad(lng)

	sinPhi2 := math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta)
	phi2 := math.Asin(sinPhi2)
	y := math.Sin(theta) * math.Sin(delta) * math.Cos(phi1)
	x := math.Cos(delta) - math.Sin(phi1)*sinPhi2
	lambda2 := lambda1 + math.Atan2(y, x)

	// normalise longitude to [-180, 180)
	lng2 := math.Mod(toDeg(lambda2)+540, 360) - 180
	return toDeg(phi2), lng2
}
