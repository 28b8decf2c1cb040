package ensemble

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kubilitics/kubilitics-rca/internal/baseline"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// stubTrainer yields a scorer returning a fixed score.
type stubTrainer struct {
	name      string
	score     float64
	threshold float64
	err       error
	panics    bool
}

func (s stubTrainer) Name() string { return s.name }
func (s stubTrainer) Train(context.Context, [][]float64) (Scorer, error) {
	return stubScorer(s), nil
}

type stubScorer stubTrainer

func (s stubScorer) Name() string       { return s.name }
func (s stubScorer) Threshold() float64 { return s.threshold }
func (s stubScorer) Score(context.Context, Observation) (float64, error) {
	if s.panics {
		panic("numerical instability")
	}
	return s.score, s.err
}

func voter(name string, vote bool) stubTrainer {
	if vote {
		return stubTrainer{name: name, score: 2, threshold: 1}
	}
	return stubTrainer{name: name, score: 0.5, threshold: 1}
}

var names = []string{"cpu", "latency"}

func flatHistory(n int) [][]float64 {
	h := make([][]float64, n)
	for i := range h {
		h[i] = []float64{40, 200}
	}
	return h
}

func observation(t *testing.T, values []float64, history [][]float64, b *baseline.Store) Observation {
	t.Helper()
	v, err := types.NewFeatureVector("checkout", time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), names, values, nil)
	require.NoError(t, err)
	obs := Observation{Vector: v, History: history}
	if b != nil {
		obs.Baseline = b
	}
	return obs
}

func trainedStub(t *testing.T, opts ...Option) *Detector {
	t.Helper()
	d, err := New(DefaultConfig(), opts...)
	require.NoError(t, err)
	require.NoError(t, d.Retrain(context.Background(), flatHistory(20)))
	return d
}

func TestNewRejectsInvalidWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights map[string]float64
	}{
		{"sum 0.9", map[string]float64{types.ScorerIsolation: 0.3, types.ScorerReconstruction: 0.3, types.ScorerStatistical: 0.3}},
		{"sum 1.1", map[string]float64{types.ScorerIsolation: 0.4, types.ScorerReconstruction: 0.4, types.ScorerStatistical: 0.3}},
		{"missing scorer", map[string]float64{types.ScorerIsolation: 0.5, types.ScorerReconstruction: 0.5}},
		{"unknown scorer", map[string]float64{types.ScorerIsolation: 0.35, types.ScorerReconstruction: 0.35, types.ScorerStatistical: 0.2, "lstm": 0.1}},
		{"negative", map[string]float64{types.ScorerIsolation: 0.8, types.ScorerReconstruction: 0.5, types.ScorerStatistical: -0.3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Weights = tt.weights
			_, err := New(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrInvalidWeightConfig))
			var wce *types.InvalidWeightConfigError
			require.True(t, errors.As(err, &wce))
		})
	}

	cfg := DefaultConfig()
	cfg.Weights[types.ScorerStatistical] = 0.3 + 5e-7
	_, err := New(cfg)
	assert.NoError(t, err, "within 1e-6 tolerance")
}

func TestDetectBeforeTraining(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, StateUntrained, d.State())

	_, err = d.Detect(context.Background(), observation(t, []float64{40, 200}, nil, nil))
	var ihe *types.InsufficientHistoryError
	require.True(t, errors.As(err, &ihe))

	err = d.Retrain(context.Background(), flatHistory(5))
	require.True(t, errors.As(err, &ihe))
	assert.Equal(t, 5, ihe.Have)
	assert.Equal(t, 20, ihe.Need)
	assert.Equal(t, StateUntrained, d.State())
}

func TestSeverityBoundaries(t *testing.T) {
	c := DefaultConfig().Severity
	assert.Equal(t, types.SeverityCritical, SeverityFor(0.90, c))
	assert.Equal(t, types.SeverityHigh, SeverityFor(0.8999, c))
	assert.Equal(t, types.SeverityHigh, SeverityFor(0.80, c))
	assert.Equal(t, types.SeverityMedium, SeverityFor(0.7999, c))
	assert.Equal(t, types.SeverityMedium, SeverityFor(0.70, c))
	assert.Equal(t, types.SeverityLow, SeverityFor(0.6999, c))
}

func TestWeightedVoting(t *testing.T) {
	tests := []struct {
		name             string
		iso, recon, stat bool
		wantTotal        float64
		wantAnomaly      bool
		wantSeverity     types.Severity
	}{
		{"all vote", true, true, true, 1.0, true, types.SeverityCritical},
		{"isolation and reconstruction", true, true, false, 0.70, false, ""},
		{"isolation and statistical", true, false, true, 0.65, false, ""},
		{"statistical only", false, false, true, 0.30, false, ""},
		{"none", false, false, false, 0, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := trainedStub(t,
				WithTrainer(voter(types.ScorerIsolation, tt.iso)),
				WithTrainer(voter(types.ScorerReconstruction, tt.recon)),
				WithTrainer(voter(types.ScorerStatistical, tt.stat)),
			)
			dec, err := d.Detect(context.Background(), observation(t, []float64{1, 1}, nil, nil))
			require.NoError(t, err)
			assert.InDelta(t, tt.wantTotal, dec.WeightedTotal, 1e-9)
			assert.InDelta(t, tt.wantTotal, dec.Confidence, 1e-9)
			assert.Equal(t, tt.wantAnomaly, dec.IsAnomaly)
			assert.Equal(t, tt.wantSeverity, dec.Severity)
			assert.Len(t, dec.Votes, 3)
			assert.Empty(t, dec.Degraded)
		})
	}
}

func TestVoteThresholdIsStrictAfterRounding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[string]float64{
		types.ScorerIsolation:      0.1 + 0.2,
		types.ScorerReconstruction: 0.4,
		types.ScorerStatistical:    0.3,
	}
	d, err := New(cfg,
		WithTrainer(voter(types.ScorerIsolation, true)),
		WithTrainer(voter(types.ScorerReconstruction, true)),
		WithTrainer(voter(types.ScorerStatistical, false)),
	)
	require.NoError(t, err)
	require.NoError(t, d.Retrain(context.Background(), flatHistory(20)))

	dec, err := d.Detect(context.Background(), observation(t, []float64{1, 1}, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 0.7, dec.WeightedTotal)
	assert.False(t, dec.IsAnomaly)
}

func TestConfidenceMonotonicInVoteTotal(t *testing.T) {
	type outcome struct{ total, confidence float64 }
	var outcomes []outcome
	for mask := 0; mask < 8; mask++ {
		d := trainedStub(t,
			WithTrainer(voter(types.ScorerIsolation, mask&1 != 0)),
			WithTrainer(voter(types.ScorerReconstruction, mask&2 != 0)),
			WithTrainer(voter(types.ScorerStatistical, mask&4 != 0)),
		)
		dec, err := d.Detect(context.Background(), observation(t, []float64{1, 1}, nil, nil))
		require.NoError(t, err)
		outcomes = append(outcomes, outcome{dec.WeightedTotal, dec.Confidence})
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].total < outcomes[j].total })
	for i := 1; i < len(outcomes); i++ {
		assert.GreaterOrEqual(t, outcomes[i].confidence, outcomes[i-1].confidence)
	}
}

func TestDegradesWhenReconstructionFails(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := trainedStub(t,
		WithLogger(zap.New(core)),
		WithTrainer(voter(types.ScorerIsolation, true)),
		WithTrainer(stubTrainer{name: types.ScorerReconstruction, err: errors.New("singular matrix"), threshold: 1}),
		WithTrainer(voter(types.ScorerStatistical, true)),
	)

	dec, err := d.Detect(context.Background(), observation(t, []float64{1, 1}, nil, nil))
	require.NoError(t, err)

	assert.Equal(t, []string{types.ScorerReconstruction}, dec.Degraded)
	assert.Len(t, dec.Votes, 2)
	sum := 0.0
	for _, w := range dec.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.InDelta(t, 0.35/0.65, dec.Weights[types.ScorerIsolation], 1e-12)
	assert.InDelta(t, 0.30/0.65, dec.Weights[types.ScorerStatistical], 1e-12)
	assert.True(t, dec.IsAnomaly)
	assert.Equal(t, types.SeverityCritical, dec.Severity)

	assert.Equal(t, 1, logs.FilterMessage("ensemble degraded").Len())
}

func TestDegradesOnPanicAndNonFiniteScores(t *testing.T) {
	d := trainedStub(t,
		WithTrainer(stubTrainer{name: types.ScorerIsolation, panics: true, threshold: 1}),
		WithTrainer(stubTrainer{name: types.ScorerReconstruction, score: math.NaN(), threshold: 1}),
		WithTrainer(voter(types.ScorerStatistical, true)),
	)
	dec, err := d.Detect(context.Background(), observation(t, []float64{1, 1}, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{types.ScorerIsolation, types.ScorerReconstruction}, dec.Degraded)
	assert.InDelta(t, 1.0, dec.Weights[types.ScorerStatistical], 1e-12)
	assert.True(t, dec.IsAnomaly)
}

func TestAllScorersFailing(t *testing.T) {
	boom := errors.New("boom")
	d := trainedStub(t,
		WithTrainer(stubTrainer{name: types.ScorerIsolation, err: boom, threshold: 1}),
		WithTrainer(stubTrainer{name: types.ScorerReconstruction, err: boom, threshold: 1}),
		WithTrainer(stubTrainer{name: types.ScorerStatistical, err: boom, threshold: 1}),
	)
	_, err := d.Detect(context.Background(), observation(t, []float64{1, 1}, nil, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrEnsembleUnavailable))
	var eue *types.EnsembleUnavailableError
	require.True(t, errors.As(err, &eue))
	assert.Len(t, eue.Failures, 3)
}

func feedBaseline(t *testing.T, history [][]float64) *baseline.Store {
	t.Helper()
	b := baseline.NewStore(0)
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, row := range history {
		v, err := types.NewFeatureVector("checkout", t0.Add(time.Duration(i)*time.Minute), names, row, nil)
		require.NoError(t, err)
		require.NoError(t, b.Update(v))
	}
	return b
}

func TestRealScorersOnFlatHistory(t *testing.T) {
	history := flatHistory(25)
	b := feedBaseline(t, history)

	d, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, d.Retrain(context.Background(), history))
	assert.Equal(t, StateTrained, d.State())

	normal, err := d.Detect(context.Background(), observation(t, []float64{40, 200}, history, b))
	require.NoError(t, err)
	assert.False(t, normal.IsAnomaly)
	assert.Empty(t, normal.Severity)
	assert.InDelta(t, 0, normal.Scores()[types.ScorerStatistical], 1e-9, "vector at the rolling mean has zero z-score")

	spike, err := d.Detect(context.Background(), observation(t, []float64{95, 900}, history, b))
	require.NoError(t, err)
	assert.True(t, spike.IsAnomaly)
	assert.Contains(t, []types.Severity{types.SeverityHigh, types.SeverityCritical}, spike.Severity)
	assert.Empty(t, spike.Degraded)
	for _, v := range spike.Votes {
		assert.True(t, v.Vote, v.Scorer)
	}

	cNormal, err := d.CompositeScore(context.Background(), observation(t, []float64{40, 200}, history, b))
	require.NoError(t, err)
	cSpike, err := d.CompositeScore(context.Background(), observation(t, []float64{95, 900}, history, b))
	require.NoError(t, err)
	assert.InDelta(t, 0.35*math.Ln2, cNormal, 1e-9)
	assert.Greater(t, cSpike, cNormal)
}

func TestReconstructionNeedsPrecedingWindow(t *testing.T) {
	history := flatHistory(25)
	b := feedBaseline(t, history)
	d, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, d.Retrain(context.Background(), history))

	dec, err := d.Detect(context.Background(), observation(t, []float64{95, 900}, history[:1], b))
	require.NoError(t, err)
	assert.Equal(t, []string{types.ScorerReconstruction}, dec.Degraded)
}

func TestRetrainSwapsSnapshot(t *testing.T) {
	history := flatHistory(25)
	b := feedBaseline(t, history)
	d, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, d.Retrain(context.Background(), history))
	first := d.Model()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := d.Detect(context.Background(), observation(t, []float64{41, 205}, history, b))
				assert.NoError(t, err)
			}
		}()
	}
	require.NoError(t, d.Retrain(context.Background(), flatHistory(30)))
	wg.Wait()

	second := d.Model()
	assert.NotSame(t, first, second)
	assert.Equal(t, first.Version+1, second.Version)
	assert.Equal(t, 25, first.Samples, "old snapshot is untouched")
	assert.Equal(t, 30, second.Samples)
}

// gatedTrainer blocks its first Train call until gate is closed.
type gatedTrainer struct {
	stubTrainer
	once    *sync.Once
	started chan struct{}
	gate    chan struct{}
}

func (g gatedTrainer) Train(ctx context.Context, h [][]float64) (Scorer, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.gate
	}
	return g.stubTrainer.Train(ctx, h)
}

func TestConcurrentRetrainsPublishInCallOrder(t *testing.T) {
	gated := gatedTrainer{
		stubTrainer: voter(types.ScorerIsolation, false),
		once:        &sync.Once{},
		started:     make(chan struct{}),
		gate:        make(chan struct{}),
	}
	d, err := New(DefaultConfig(),
		WithTrainer(gated),
		WithTrainer(voter(types.ScorerReconstruction, false)),
		WithTrainer(voter(types.ScorerStatistical, false)),
	)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, d.Retrain(context.Background(), flatHistory(20)))
	}()
	<-gated.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, d.Retrain(context.Background(), flatHistory(30)))
	}()
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, d.Model(), "second retrain waits for the first")

	close(gated.gate)
	wg.Wait()

	m := d.Model()
	require.NotNil(t, m)
	assert.Equal(t, uint64(2), m.Version)
	assert.Equal(t, 30, m.Samples, "the later call publishes last")
}
