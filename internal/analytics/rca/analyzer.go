package rca

// Package rca explains an anomalous evaluation. It runs four stages in order:
// correlation with pruning, pairwise lagged precedence tests, perturbation
// attribution and assembly of the primary cause and timeline. Nothing here
// mutates the baseline or the history it is handed.

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-rca/internal/metrics"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// Config tunes the analyzer.
type Config struct {
	MaxLag         int
	Significance   float64
	PruneThreshold float64
	// TopAttribution is how many attribution leaders may be primary cause.
	TopAttribution int
	// TimelineContributors is how many contributors besides the primary cause
	// appear in the timeline.
	TimelineContributors int
}

// DefaultConfig returns max lag 15, alpha 0.05, prune 0.1, top 3, 2 contributors.
func DefaultConfig() Config {
	return Config{
		MaxLag:               15,
		Significance:         0.05,
		PruneThreshold:       0.1,
		TopAttribution:       3,
		TimelineContributors: 2,
	}
}

// Input is one anomaly to explain.
type Input struct {
	AnomalyID string
	// Observation is the anomalous vector with the context it was scored in.
	Observation ensemble.Observation
	// Lookback is the bounded history window, oldest first, ending with the
	// anomalous vector.
	Lookback []types.FeatureVector
	Means    MeanReader
	Scorer   Rescorer
}

// Analyzer runs root-cause analysis. It is stateless and safe for concurrent use.
type Analyzer struct {
	cfg    Config
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(cfg Config, logger *zap.Logger) *Analyzer {
	def := DefaultConfig()
	if cfg.MaxLag <= 0 {
		cfg.MaxLag = def.MaxLag
	}
	if cfg.Significance <= 0 || cfg.Significance >= 1 {
		cfg.Significance = def.Significance
	}
	if cfg.PruneThreshold < 0 {
		cfg.PruneThreshold = def.PruneThreshold
	}
	if cfg.TopAttribution <= 0 {
		cfg.TopAttribution = def.TopAttribution
	}
	if cfg.TimelineContributors < 0 {
		cfg.TimelineContributors = def.TimelineContributors
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{cfg: cfg, logger: logger}
}

// Analyze produces the root-cause result for one anomaly.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (types.RootCauseResult, error) {
	start := time.Now()
	defer func() { metrics.RCADuration.Observe(time.Since(start).Seconds()) }()

	if in.Scorer == nil || in.Means == nil {
		return types.RootCauseResult{}, fmt.Errorf("rca: scorer and baseline are required")
	}
	names := in.Observation.Vector.Names()
	series := make(map[string][]float64, len(names))
	columns := make([][]float64, len(names))
	for i, name := range names {
		col := make([]float64, len(in.Lookback))
		for t, v := range in.Lookback {
			col[t] = v.At(i)
		}
		series[name] = col
		columns[i] = col
	}

	// 1. correlation
	matrix := Correlate(names, columns)
	surviving, pairs := Prune(matrix, a.cfg.PruneThreshold)

	// 2. causal precedence
	ranking, ambiguous, err := CausalRanking(ctx, pairs, series, a.cfg.MaxLag, a.cfg.Significance)
	if err != nil {
		return types.RootCauseResult{}, fmt.Errorf("rca: causal stage: %w", err)
	}

	// 3. attribution
	attributed := surviving
	if len(attributed) == 0 {
		attributed = names
	}
	factors, err := Attribute(ctx, in.Scorer, in.Observation, in.Means, attributed)
	if err != nil {
		return types.RootCauseResult{}, fmt.Errorf("rca: %w", err)
	}

	// 4. assembly
	primary, low := a.primaryCause(factors, ranking)
	result := types.RootCauseResult{
		AnomalyID:           in.AnomalyID,
		PrimaryCause:        primary,
		ContributingFactors: factors,
		Timeline:            a.timeline(primary.Feature, factors, in.Lookback, in.Means),
		CausalRanking:       ranking,
		AmbiguousEdges:      ambiguous,
		SurvivingFeatures:   surviving,
		LowCausalConfidence: low,
		AnalyzedAt:          time.Now().UTC(),
	}
	if result.CausalRanking == nil {
		result.CausalRanking = []types.CausalEdge{}
	}
	if result.SurvivingFeatures == nil {
		result.SurvivingFeatures = []string{}
	}
	if low {
		metrics.LowCausalConfidence.Inc()
	}

	a.logger.Debug("root cause analyzed",
		zap.String("anomaly_id", in.AnomalyID),
		zap.String("primary_cause", primary.Feature),
		zap.Float64("confidence", primary.Confidence),
		zap.Int("surviving_features", len(surviving)),
		zap.Int("causal_edges", len(ranking)),
		zap.Int("ambiguous_edges", len(ambiguous)),
		zap.Bool("low_causal_confidence", low),
	)
	return result, nil
}

// primaryCause picks, among the top attribution features, the one with the
// lowest causal p-value as a cause; ties go to the higher attribution. With
// no such feature it falls back to the attribution leader and reports low
// causal confidence.
func (a *Analyzer) primaryCause(factors []types.ContributingFactor, ranking []types.CausalEdge) (types.PrimaryCause, bool) {
	if len(factors) == 0 {
		return types.PrimaryCause{}, true
	}
	top := factors
	if len(top) > a.cfg.TopAttribution {
		top = top[:a.cfg.TopAttribution]
	}

	bestP := make(map[string]float64)
	for _, e := range ranking {
		if p, ok := bestP[e.Cause]; !ok || e.PValue < p {
			bestP[e.Cause] = e.PValue
		}
	}

	found := false
	var pick types.ContributingFactor
	var pickP float64
	for _, f := range top {
		p, ok := bestP[f.Feature]
		if !ok {
			continue
		}
		if !found || p < pickP || (p == pickP && f.AttributionWeight > pick.AttributionWeight) {
			pick, pickP, found = f, p, true
		}
	}
	if !found {
		return types.PrimaryCause{
			Feature:    factors[0].Feature,
			Confidence: 0.5 * factors[0].AttributionWeight,
		}, true
	}
	return types.PrimaryCause{
		Feature:    pick.Feature,
		Confidence: 0.5*(1-pickP) + 0.5*pick.AttributionWeight,
	}, false
}

// timeline lists the primary cause and its leading contributors for every
// vector of the lookback window, by timestamp then rank.
func (a *Analyzer) timeline(primary string, factors []types.ContributingFactor, lookback []types.FeatureVector, means MeanReader) []types.TimelineEntry {
	tracked := []string{primary}
	for _, f := range factors {
		if len(tracked) > a.cfg.TimelineContributors {
			break
		}
		if f.Feature != primary {
			tracked = append(tracked, f.Feature)
		}
	}

	out := make([]types.TimelineEntry, 0, len(lookback)*len(tracked))
	for _, v := range lookback {
		for _, name := range tracked {
			val, ok := v.Value(name)
			if !ok {
				continue
			}
			mean, ok := means.Mean(name)
			if !ok {
				mean = val
			}
			out = append(out, types.TimelineEntry{
				Timestamp:         v.Timestamp(),
				Feature:           name,
				Value:             val,
				DeltaFromBaseline: val - mean,
			})
		}
	}
	return out
}
