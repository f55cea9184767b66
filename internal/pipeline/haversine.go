package pipeline

import "math"

const earthRadiusMeters = 6371 * 1000

// HaversineMeters returns the great-circle distance in meters between two
// points given in decimal degrees.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Asin(math.Sqrt(a))

	return earthRadiusMeters * c
}

// AccuracyReport compares a prediction against a ground-truth coordinate.
type AccuracyReport struct {
	DistanceMeters float64 `json:"distance_meters"`
	Within50m      bool    `json:"within_50m"`
	Within100m     bool    `json:"within_100m"`
	Within500m     bool    `json:"within_500m"`
	Within1km      bool    `json:"within_1km"`
}

// ValidateAgainstGroundTruth computes the haversine distance between the
// result's primary location and the supplied ground truth, with the standard
// accuracy bands. Pure function, no side effects.
func ValidateAgainstGroundTruth(result *GeoLocationResult, trueLat, trueLon float64) AccuracyReport {
	d := HaversineMeters(result.Primary.Latitude, result.Primary.Longitude, trueLat, trueLon)
	return AccuracyReport{
		DistanceMeters: d,
		Within50m:      d <= 50,
		Within100m:     d <= 100,
		Within500m:     d <= 500,
		Within1km:      d <= 1000,
	}
}
