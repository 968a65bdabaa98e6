package processing

import (
	"math"
	"sort"

	"codeberg.org/mutker/coolerd/internal/device"
)

// NormalizeCurve sorts, deduplicates and bounds the given (temp, duty) control
// points so that the result is a monotonically increasing curve:
//   - points are sorted by temperature ascending
//   - a (criticalTemp, maxDuty) failsafe point is enforced
//   - duties never decrease along the curve and never exceed maxDuty
//   - only the first point reaching maxDuty is kept
func NormalizeCurve(curve []device.CurvePoint, criticalTemp float64, maxDuty int) []device.CurvePoint {
	sorted := make([]device.CurvePoint, len(curve), len(curve)+1)
	copy(sorted, curve)
	sorted = append(sorted, device.CurvePoint{Temp: criticalTemp, Duty: maxDuty})
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Temp != sorted[j].Temp {
			return sorted[i].Temp < sorted[j].Temp
		}
		// reverse ordering for duty so the largest duty at a temp wins
		return sorted[i].Duty > sorted[j].Duty
	})

	normalized := make([]device.CurvePoint, 0, len(sorted))
	normalized = append(normalized, sorted[0])
	previous := sorted[0]
	for _, point := range sorted[1:] {
		if point.Temp == previous.Temp {
			continue // skip duplicate temps
		}
		duty := point.Duty
		if duty < previous.Duty {
			duty = previous.Duty // duties are not allowed to decrease
		} else if duty > maxDuty {
			duty = maxDuty
		}
		normalized = append(normalized, device.CurvePoint{Temp: point.Temp, Duty: duty})
		if duty == maxDuty {
			break
		}
		previous = device.CurvePoint{Temp: point.Temp, Duty: duty}
	}

	return normalized
}

// InterpolateCurve computes the duty for a temperature by linear interpolation
// between the two bracketing control points. Temperatures outside the curve
// clamp to the first or last point's duty. The curve must be normalized.
func InterpolateCurve(curve []device.CurvePoint, temp float64) int {
	stepBelow := curve[0]
	stepAbove := curve[len(curve)-1]
	for _, step := range curve {
		if step.Temp <= temp {
			stepBelow = step
		}
		if step.Temp >= temp {
			stepAbove = step
			break
		}
	}
	if stepBelow.Temp == stepAbove.Temp {
		return stepBelow.Duty // temp matches exactly, no calculation needed
	}

	blend := float64(stepBelow.Duty) +
		(temp-stepBelow.Temp)/(stepAbove.Temp-stepBelow.Temp)*float64(stepAbove.Duty-stepBelow.Duty)

	return int(math.Round(blend))
}

// NearestStep returns the duty of the control point whose temperature is
// closest to the sampled temperature. Used by the discrete step path, which
// never interpolates. Ties resolve to the lower-temperature step.
func NearestStep(curve []device.CurvePoint, temp float64) int {
	nearest := curve[0]
	for _, step := range curve[1:] {
		if math.Abs(step.Temp-temp) < math.Abs(nearest.Temp-temp) {
			nearest = step
		}
	}

	return nearest.Duty
}
