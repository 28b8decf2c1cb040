package rca

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kubilitics/kubilitics-rca/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// Rescorer produces the continuous ensemble score of an observation.
// *ensemble.Detector satisfies it.
type Rescorer interface {
	CompositeScore(ctx context.Context, obs ensemble.Observation) (float64, error)
}

// MeanReader exposes baseline means. *baseline.Store satisfies it.
type MeanReader interface {
	Mean(feature string) (float64, bool)
}

// Attribute measures each feature's share of the anomaly by perturbation:
// every other feature is held at its baseline mean and the observation is
// re-scored. The weight is the score gain over the all-baseline vector,
// clamped at zero and normalized to sum to 1 (uniform when every gain is 0).
// Factors are returned by descending weight, ties by name.
func Attribute(ctx context.Context, r Rescorer, obs ensemble.Observation, means MeanReader, features []string) ([]types.ContributingFactor, error) {
	if len(features) == 0 {
		return nil, nil
	}
	current := obs.Vector.Values()
	names := obs.Vector.Names()
	index := make(map[string]int, len(names))
	reference := make([]float64, len(current))
	for i, name := range names {
		index[name] = i
		reference[i] = current[i]
		if m, ok := means.Mean(name); ok {
			reference[i] = m
		}
	}

	score := func(values []float64) (float64, error) {
		o, err := obs.WithValues(values)
		if err != nil {
			return 0, err
		}
		return r.CompositeScore(ctx, o)
	}

	base, err := score(reference)
	if err != nil {
		return nil, fmt.Errorf("attribution: baseline rescoring: %w", err)
	}

	deltas := make([]float64, len(features))
	total := 0.0
	for k, f := range features {
		i, ok := index[f]
		if !ok {
			return nil, fmt.Errorf("attribution: unknown feature %q", f)
		}
		perturbed := append([]float64(nil), reference...)
		perturbed[i] = current[i]
		s, err := score(perturbed)
		if err != nil {
			return nil, fmt.Errorf("attribution: rescoring %s: %w", f, err)
		}
		deltas[k] = math.Max(0, s-base)
		total += deltas[k]
	}

	factors := make([]types.ContributingFactor, len(features))
	for k, f := range features {
		w := 1 / float64(len(features))
		if total > 0 {
			w = deltas[k] / total
		}
		factors[k] = types.ContributingFactor{Feature: f, AttributionWeight: w}
	}
	sort.SliceStable(factors, func(i, j int) bool {
		if factors[i].AttributionWeight != factors[j].AttributionWeight {
			return factors[i].AttributionWeight > factors[j].AttributionWeight
		}
		return factors[i].Feature < factors[j].Feature
	})
	return factors, nil
}
