package race

import "backend-steprace/internal/shared/stepmath"

const (
	// MaxStepDelta is the largest plausible step jump between two writes.
	MaxStepDelta = 20000

	// distanceOvershoot tolerates small overshoot past the finish line.
	distanceOvershoot = 1.10
)

// ValidateProgress caps implausible jumps before a remote write. The step
// delta since the last confirmed write is capped at MaxStepDelta, the
// distance is capped at 110% of the race target, and steps are recomputed
// from a capped distance so the two figures stay mutually consistent.
// Capped values are written, not rejected.
func ValidateProgress(prevSteps, candidateSteps int64, targetKm float64) (steps int64, distanceKm float64, capped bool) {
	steps = candidateSteps
	if steps < prevSteps {
		steps = prevSteps
	}
	if steps-prevSteps > MaxStepDelta {
		steps = prevSteps + MaxStepDelta
		capped = true
	}

	distanceKm = stepmath.DistanceKm(steps)
	if targetKm > 0 {
		maxKm := targetKm * distanceOvershoot
		if distanceKm > maxKm {
			distanceKm = maxKm
			steps = stepmath.StepsForDistance(distanceKm)
			capped = true
		}
	}
	return steps, distanceKm, capped
}
