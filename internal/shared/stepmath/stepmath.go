package stepmath

// Conversion factors used whenever the health platform does not supply an
// absolute value for a metric. The same factors must be used everywhere so
// daily and race figures stay comparable.
const (
	MetersPerStep  = 0.7
	KcalPerStep    = 0.04
	StepsPerMinute = 100.0
)

func DistanceKm(steps int64) float64 {
	return float64(steps) * MetersPerStep / 1000.0
}

func Calories(steps int64) float64 {
	return float64(steps) * KcalPerStep
}

func ActiveMinutes(steps int64) int {
	return int(float64(steps) / StepsPerMinute)
}

// StepsForDistance inverts DistanceKm. Used after capping an anomalous
// distance so the written step count matches the written distance.
func StepsForDistance(km float64) int64 {
	if km <= 0 {
		return 0
	}
	return int64(km * 1000.0 / MetersPerStep)
}

// AvgSpeedKmh derives average speed over an elapsed duration in seconds.
func AvgSpeedKmh(distanceKm float64, elapsedSec float64) float64 {
	if elapsedSec <= 0 {
		return 0
	}
	return distanceKm / (elapsedSec / 3600.0)
}
