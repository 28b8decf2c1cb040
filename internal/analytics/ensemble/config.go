package ensemble

import (
	"fmt"
	"math"
	"sort"

	"github.com/kubilitics/kubilitics-rca/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

const weightTolerance = 1e-6

// SeverityCutoffs are inclusive lower bounds on confidence.
type SeverityCutoffs struct {
	Critical float64
	High     float64
	Medium   float64
}

// Config holds the detector configuration. It is fixed for the lifetime of
// a Detector.
type Config struct {
	Weights        map[string]float64
	VoteThreshold  float64
	Severity       SeverityCutoffs
	MinHistory     int
	ZThreshold     float64
	Forest         ml.ForestConfig
	Reconstruction ml.ReconstructionConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			types.ScorerIsolation:      0.35,
			types.ScorerReconstruction: 0.35,
			types.ScorerStatistical:    0.30,
		},
		VoteThreshold:  0.7,
		Severity:       SeverityCutoffs{Critical: 0.9, High: 0.8, Medium: 0.7},
		MinHistory:     20,
		ZThreshold:     ml.DefaultZThreshold,
		Forest:         ml.DefaultForestConfig(),
		Reconstruction: ml.DefaultReconstructionConfig(),
	}
}

// ValidateWeights checks that weights cover exactly the given scorers, are
// non-negative and sum to 1 within tolerance.
func ValidateWeights(weights map[string]float64, scorers []string) error {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	fail := func(reason string) error {
		cp := make(map[string]float64, len(weights))
		for k, v := range weights {
			cp[k] = v
		}
		return &types.InvalidWeightConfigError{Weights: cp, Sum: sum, Reason: reason}
	}

	known := make(map[string]bool, len(scorers))
	for _, name := range scorers {
		known[name] = true
		if _, ok := weights[name]; !ok {
			return fail(fmt.Sprintf("missing weight for scorer %q", name))
		}
	}
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w := weights[name]
		if !known[name] {
			return fail(fmt.Sprintf("unknown scorer %q", name))
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fail(fmt.Sprintf("weight for %q must be a non-negative number", name))
		}
	}
	if math.Abs(sum-1) > weightTolerance {
		return fail("weights must sum to 1")
	}
	return nil
}

// SeverityFor maps a confidence to its tier. Boundaries are inclusive.
func SeverityFor(confidence float64, c SeverityCutoffs) types.Severity {
	switch {
	case confidence >= c.Critical:
		return types.SeverityCritical
	case confidence >= c.High:
		return types.SeverityHigh
	case confidence >= c.Medium:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func (c Config) validate(scorers []string) error {
	if err := ValidateWeights(c.Weights, scorers); err != nil {
		return err
	}
	if c.VoteThreshold < 0 || c.VoteThreshold > 1 {
		return fmt.Errorf("vote threshold %v outside [0,1]", c.VoteThreshold)
	}
	if !(c.Severity.Critical >= c.Severity.High && c.Severity.High >= c.Severity.Medium) {
		return fmt.Errorf("severity cutoffs must satisfy critical >= high >= medium")
	}
	if c.MinHistory < 2 {
		return fmt.Errorf("min history must be at least 2, got %d", c.MinHistory)
	}
	return nil
}
