package rca

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-rca/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

func TestAverageRanksWithTies(t *testing.T) {
	assert.Equal(t, []float64{1, 2.5, 2.5, 4}, averageRanks([]float64{10, 20, 20, 30}))
	assert.Equal(t, []float64{3, 1, 2}, averageRanks([]float64{9, 1, 5}))
}

func TestCorrelateMeasures(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	b := []float64{2, 4, 6, 8, 10, 12, 14, 16, 18}
	sq := []float64{1, 4, 9, 16, 25, 36, 49, 64, 81}
	flat := []float64{3, 3, 3, 3, 3, 3, 3, 3, 3}

	m := Correlate([]string{"a", "b", "sq", "flat"}, [][]float64{a, b, sq, flat})

	ab, ok := m.Get("b", "a")
	require.True(t, ok)
	assert.InDelta(t, 1, ab.Pearson, 1e-12)
	assert.InDelta(t, 1, ab.Spearman, 1e-12)
	assert.InDelta(t, 1, ab.MutualInformation, 1e-12, "identical binnings")

	asq, _ := m.Get("a", "sq")
	assert.Less(t, asq.Pearson, 1.0)
	assert.InDelta(t, 1, asq.Spearman, 1e-12, "monotonic relation")

	af, _ := m.Get("a", "flat")
	assert.Zero(t, af.Pearson)
	assert.Zero(t, af.Spearman)
	assert.Zero(t, af.MutualInformation)

	assert.Len(t, m.Entries(), 6)
}

func TestPruneIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n := 40
	a, b, flat := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		a[i] = rng.NormFloat64()
		b[i] = 3*a[i] + 0.1*rng.NormFloat64()
		flat[i] = 7
	}
	names := []string{"a", "flat", "b"}
	series := [][]float64{a, flat, b}

	first, pairs := Prune(Correlate(names, series), 0.1)
	second, _ := Prune(Correlate(names, series), 0.1)

	assert.Equal(t, []string{"a", "b"}, first)
	assert.Equal(t, first, second)
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0].FeatureA)
	assert.Equal(t, "b", pairs[0].FeatureB)
}

func TestPruneDropsIndependentNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	n := 512
	pruned := 0
	for trial := 0; trial < 50; trial++ {
		x, y := make([]float64, n), make([]float64, n)
		for i := 0; i < n; i++ {
			x[i] = rng.NormFloat64()
			y[i] = rng.NormFloat64()
		}
		m := Correlate([]string{"x", "y"}, [][]float64{x, y})
		e, _ := m.Get("x", "y")
		assert.Less(t, e.MutualInformation, 0.1, "trial %d", trial)
		if surviving, _ := Prune(m, 0.1); len(surviving) == 0 {
			pruned++
		}
	}
	assert.GreaterOrEqual(t, pruned, 40)

	x, y := make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = rng.NormFloat64()
		y[i] = x[i]*x[i] + 0.1*rng.NormFloat64()
	}
	e, _ := Correlate([]string{"x", "y"}, [][]float64{x, y}).Get("x", "y")
	assert.Greater(t, e.MutualInformation, 0.3, "non-monotonic dependence is still detected")
}

func laggedPair(n int, seed int64) (x, y []float64) {
	rng := rand.New(rand.NewSource(seed))
	x = make([]float64, n)
	y = make([]float64, n)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	for i := range y {
		y[i] = 0.1 * rng.NormFloat64()
		if i >= 2 {
			y[i] += 0.9 * x[i-2]
		}
	}
	return x, y
}

func TestGrangerFindsLeadingSeries(t *testing.T) {
	x, y := laggedPair(120, 11)

	fw := Granger("x", "y", x, y, 5)
	bw := Granger("y", "x", y, x, 5)

	assert.Less(t, fw.PValue, 1e-6)
	assert.GreaterOrEqual(t, fw.Lag, 2)
	assert.Greater(t, fw.FStatistic, 0.0)
	assert.Greater(t, bw.PValue, fw.PValue)
}

func TestGrangerDegenerateInput(t *testing.T) {
	flat := make([]float64, 30)
	x, _ := laggedPair(30, 1)

	r := Granger("flat", "x", flat, x, 5)
	assert.Equal(t, 1.0, r.PValue)

	r = Granger("x", "x", x[:3], x[:3], 5)
	assert.Equal(t, 1.0, r.PValue)

	assert.Equal(t, 8, MaxUsableLag(26, 15))
	assert.Equal(t, 15, MaxUsableLag(200, 15))
	assert.Equal(t, 0, MaxUsableLag(2, 15))
}

func TestCausalRankingDirection(t *testing.T) {
	x, y := laggedPair(120, 5)
	ranking, ambiguous, err := CausalRanking(context.Background(), []types.CorrelationEntry{{FeatureA: "x", FeatureB: "y"}},
		map[string][]float64{"x": x, "y": y}, 5, 0.05)
	require.NoError(t, err)

	for _, e := range ranking {
		assert.Equal(t, "x", e.Cause, "the lagging series never ranks as cause")
		assert.Equal(t, types.DirectionUnidirectional, e.Direction)
	}
	assert.Equal(t, 1, len(ranking)+len(ambiguous))
}

func TestCausalRankingSkipsPrunedPairs(t *testing.T) {
	// c lags a by one step, so a→c is significant when tested. b mixes both
	// and is the only link between them after pruning.
	rng := rand.New(rand.NewSource(17))
	n := 200
	a, b, c := make([]float64, n), make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		a[i] = rng.NormFloat64()
		c[i] = 0.1 * rng.NormFloat64()
		if i > 0 {
			c[i] += a[i-1]
		}
		b[i] = a[i] + c[i] + 0.1*rng.NormFloat64()
	}
	series := map[string][]float64{"a": a, "b": b, "c": c}

	all, _, err := CausalRanking(context.Background(), []types.CorrelationEntry{{FeatureA: "a", FeatureB: "c"}}, series, 3, 0.05)
	require.NoError(t, err)
	require.Len(t, all, 1, "a→c is detectable when the pair is tested")

	kept := []types.CorrelationEntry{{FeatureA: "a", FeatureB: "b"}, {FeatureA: "b", FeatureB: "c"}}
	ranking, ambiguous, err := CausalRanking(context.Background(), kept, series, 3, 0.05)
	require.NoError(t, err)
	for _, e := range append(ranking, ambiguous...) {
		assert.NotEqual(t, [2]string{"a", "c"}, [2]string{e.Cause, e.Effect})
		assert.NotEqual(t, [2]string{"c", "a"}, [2]string{e.Cause, e.Effect})
	}
}

func TestCausalRankingFeedbackIsAmbiguous(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	n := 200
	x, y := make([]float64, n), make([]float64, n)
	x[0], y[0] = rng.NormFloat64(), rng.NormFloat64()
	for i := 1; i < n; i++ {
		x[i] = 0.6*y[i-1] + 0.5*rng.NormFloat64()
		y[i] = 0.6*x[i-1] + 0.5*rng.NormFloat64()
	}
	ranking, ambiguous, err := CausalRanking(context.Background(), []types.CorrelationEntry{{FeatureA: "x", FeatureB: "y"}},
		map[string][]float64{"x": x, "y": y}, 3, 0.05)
	require.NoError(t, err)
	assert.Empty(t, ranking)
	require.Len(t, ambiguous, 1)
	assert.Equal(t, types.DirectionAmbiguous, ambiguous[0].Direction)
}

func TestSortEdges(t *testing.T) {
	edges := []types.CausalEdge{
		{Cause: "b", Effect: "a", PValue: 0.01},
		{Cause: "a", Effect: "c", PValue: 0.01},
		{Cause: "a", Effect: "b", PValue: 0.01},
		{Cause: "z", Effect: "a", PValue: 0.001},
	}
	sortEdges(edges)
	assert.Equal(t, "z", edges[0].Cause)
	assert.Equal(t, [2]string{"a", "b"}, [2]string{edges[1].Cause, edges[1].Effect})
	assert.Equal(t, [2]string{"a", "c"}, [2]string{edges[2].Cause, edges[2].Effect})
	assert.Equal(t, "b", edges[3].Cause)
}

// linearRescorer scores Σ wᵢ·|xᵢ − meanᵢ|.
type linearRescorer struct {
	weights map[string]float64
	means   fixedMeans
}

func (l linearRescorer) CompositeScore(_ context.Context, obs ensemble.Observation) (float64, error) {
	s := 0.0
	for i, name := range obs.Vector.Names() {
		s += l.weights[name] * math.Abs(obs.Vector.At(i)-l.means[name])
	}
	return s, nil
}

type fixedMeans map[string]float64

func (f fixedMeans) Mean(feature string) (float64, bool) {
	v, ok := f[feature]
	return v, ok
}

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func vector(t *testing.T, ts time.Time, names []string, values ...float64) types.FeatureVector {
	t.Helper()
	v, err := types.NewFeatureVector("checkout", ts, names, values, nil)
	require.NoError(t, err)
	return v
}

func TestAttributeSumsToOne(t *testing.T) {
	names := []string{"cpu", "latency", "memory"}
	means := fixedMeans{"cpu": 40, "latency": 200, "memory": 512}
	r := linearRescorer{weights: map[string]float64{"cpu": 2, "latency": 1, "memory": 1}, means: means}

	obs := ensemble.Observation{Vector: vector(t, t0, names, 50, 210, 512)}
	factors, err := Attribute(context.Background(), r, obs, means, names)
	require.NoError(t, err)

	require.Len(t, factors, 3)
	sum := 0.0
	for _, f := range factors {
		sum += f.AttributionWeight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, "cpu", factors[0].Feature)
	assert.InDelta(t, 2.0/3, factors[0].AttributionWeight, 1e-12)
	assert.Equal(t, "latency", factors[1].Feature)
	assert.Zero(t, factors[2].AttributionWeight)
}

func TestAttributeUniformWhenNoGain(t *testing.T) {
	names := []string{"cpu", "latency"}
	means := fixedMeans{"cpu": 40, "latency": 200}
	r := linearRescorer{weights: map[string]float64{"cpu": 1, "latency": 1}, means: means}

	factors, err := Attribute(context.Background(), r, ensemble.Observation{Vector: vector(t, t0, names, 40, 200)}, means, names)
	require.NoError(t, err)
	for _, f := range factors {
		assert.InDelta(t, 0.5, f.AttributionWeight, 1e-12)
	}
}

func TestPrimaryCauseSelection(t *testing.T) {
	a := NewAnalyzer(DefaultConfig(), nil)
	factors := []types.ContributingFactor{
		{Feature: "latency", AttributionWeight: 0.5},
		{Feature: "cpu", AttributionWeight: 0.3},
		{Feature: "gc", AttributionWeight: 0.15},
		{Feature: "memory", AttributionWeight: 0.05},
	}

	tests := []struct {
		name     string
		ranking  []types.CausalEdge
		want     string
		wantConf float64
		wantLow  bool
	}{
		{
			name:     "causal candidate in top three",
			ranking:  []types.CausalEdge{{Cause: "cpu", Effect: "latency", PValue: 0.01}},
			want:     "cpu",
			wantConf: 0.5*0.99 + 0.5*0.3,
		},
		{
			name: "lowest p wins",
			ranking: []types.CausalEdge{
				{Cause: "gc", Effect: "latency", PValue: 0.001},
				{Cause: "cpu", Effect: "latency", PValue: 0.01},
			},
			want:     "gc",
			wantConf: 0.5*0.999 + 0.5*0.15,
		},
		{
			name: "equal p prefers higher attribution",
			ranking: []types.CausalEdge{
				{Cause: "gc", Effect: "latency", PValue: 0.01},
				{Cause: "cpu", Effect: "latency", PValue: 0.01},
			},
			want:     "cpu",
			wantConf: 0.5*0.99 + 0.5*0.3,
		},
		{
			name:     "causal cause outside top three",
			ranking:  []types.CausalEdge{{Cause: "memory", Effect: "latency", PValue: 0.001}},
			want:     "latency",
			wantConf: 0.25,
			wantLow:  true,
		},
		{
			name:     "no causal edges",
			want:     "latency",
			wantConf: 0.25,
			wantLow:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, low := a.primaryCause(factors, tt.ranking)
			assert.Equal(t, tt.want, got.Feature)
			assert.InDelta(t, tt.wantConf, got.Confidence, 1e-12)
			assert.Equal(t, tt.wantLow, low)
		})
	}
}

func TestAnalyzeSpikeAfterFlatHistory(t *testing.T) {
	names := []string{"cpu", "latency", "memory"}
	means := fixedMeans{"cpu": 40, "latency": 200, "memory": 512}
	var lookback []types.FeatureVector
	for i := 0; i < 25; i++ {
		lookback = append(lookback, vector(t, t0.Add(time.Duration(i)*time.Minute), names, 40, 200, 512))
	}
	spike := vector(t, t0.Add(25*time.Minute), names, 95, 900, 512)
	lookback = append(lookback, spike)

	r := linearRescorer{weights: map[string]float64{"cpu": 10, "latency": 1, "memory": 1}, means: means}
	a := NewAnalyzer(DefaultConfig(), nil)
	res, err := a.Analyze(context.Background(), Input{
		AnomalyID:   "a-1",
		Observation: ensemble.Observation{Vector: spike},
		Lookback:    lookback,
		Means:       means,
		Scorer:      r,
	})
	require.NoError(t, err)

	assert.Equal(t, "a-1", res.AnomalyID)
	assert.Equal(t, []string{"cpu", "latency"}, res.SurvivingFeatures, "flat memory is pruned")
	assert.True(t, res.LowCausalConfidence)
	assert.Empty(t, res.CausalRanking)

	// cpu gain 550, latency gain 700
	assert.Equal(t, "latency", res.PrimaryCause.Feature)
	sum := 0.0
	for _, f := range res.ContributingFactors {
		sum += f.AttributionWeight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.InDelta(t, 0.5*700.0/1250.0, res.PrimaryCause.Confidence, 1e-9)

	require.Len(t, res.Timeline, 26*2)
	last := res.Timeline[len(res.Timeline)-2:]
	assert.Equal(t, spike.Timestamp(), last[0].Timestamp)
	assert.Equal(t, "latency", last[0].Feature)
	assert.Equal(t, 900.0, last[0].Value)
	assert.Equal(t, 700.0, last[0].DeltaFromBaseline)
	assert.Equal(t, "cpu", last[1].Feature)
	assert.Equal(t, 55.0, last[1].DeltaFromBaseline)
	for i := 1; i < len(res.Timeline); i++ {
		assert.False(t, res.Timeline[i].Timestamp.Before(res.Timeline[i-1].Timestamp))
	}
}

func TestAnalyzeAttributesEverythingWhenAllPruned(t *testing.T) {
	names := []string{"cpu", "latency"}
	means := fixedMeans{"cpu": 40, "latency": 200}
	lookback := []types.FeatureVector{
		vector(t, t0, names, 40, 200),
		vector(t, t0.Add(time.Minute), names, 40, 200),
	}
	r := linearRescorer{weights: map[string]float64{"cpu": 1, "latency": 1}, means: means}
	res, err := NewAnalyzer(DefaultConfig(), nil).Analyze(context.Background(), Input{
		Observation: ensemble.Observation{Vector: lookback[1]},
		Lookback:    lookback,
		Means:       means,
		Scorer:      r,
	})
	require.NoError(t, err)
	assert.Empty(t, res.SurvivingFeatures)
	assert.Len(t, res.ContributingFactors, 2)
	assert.True(t, res.LowCausalConfidence)
}
