package ml

import (
	"fmt"
	"math"
)

// DefaultZThreshold is the |z| above which the statistical scorer votes.
const DefaultZThreshold = 3.0

// ZScorer reads z-scores from a rolling baseline.
type ZScorer interface {
	ZScore(feature string, value float64) (float64, bool)
}

// MaxAbsZ returns the largest absolute z-score across features together with
// the feature that produced it. Features without a baseline are skipped; if
// none has one the call fails.
func MaxAbsZ(names []string, values []float64, baseline ZScorer) (float64, string, error) {
	if len(names) != len(values) {
		return 0, "", fmt.Errorf("statistical: %d names for %d values", len(names), len(values))
	}
	best, worst := -1.0, ""
	for i, name := range names {
		z, ok := baseline.ZScore(name, values[i])
		if !ok {
			continue
		}
		if math.IsNaN(z) {
			return 0, "", fmt.Errorf("statistical: non-finite z-score for %q", name)
		}
		if a := math.Abs(z); a > best {
			best, worst = a, name
		}
	}
	if best < 0 {
		return 0, "", fmt.Errorf("statistical: no baseline for any feature")
	}
	return best, worst, nil
}
