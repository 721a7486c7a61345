package pipeline

import "math"

const (
	calibrationPivot    = 0.5
	calibrationExponent = 0.45
)

// CalibrateScore compensates the similarity loss caused by a mask covering
// the lower face. Unmasked scores are returned unchanged.
//
// For masked faces scores at or above the pivot are stretched towards 1 as
// ((s-0.5)*2)^0.45/2 + 0.5. The curve is undefined below the pivot, where
// scores pass through. Input is clamped to [0,1] first.
func CalibrateScore(score float64, masked bool) float64 {
	if !masked {
		return score
	}
	if math.IsNaN(score) {
		return 0
	}
	score = math.Max(0, math.Min(1, score))
	if score < calibrationPivot {
		return score
	}
	return math.Pow((score-calibrationPivot)*2, calibrationExponent)/2 + calibrationPivot
}
