package geo

import "math"

// earthRadiusM is the mean Earth radius in meters.
const earthRadiusM = 6371000.0

// Haversine returns the great-circle distance in meters between two
// coordinates given in decimal degrees. Out-of-range or non-finite inputs
// yield +Inf so that range checks of the form distance <= radius safely
// evaluate false without the caller having to special-case bad data.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	if !validCoord(lat1, lon1) || !validCoord(lat2, lon2) {
		return math.Inf(1)
	}
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Valid reports whether the coordinate pair is a plausible point on Earth.
func Valid(lat, lon float64) bool {
	return validCoord(lat, lon)
}

func validCoord(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
