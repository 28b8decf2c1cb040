package baseline

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

var testNames = []string{"cpu", "latency"}

func vec(t *testing.T, ts time.Time, cpu, latency float64) types.FeatureVector {
	t.Helper()
	v, err := types.NewFeatureVector("svc", ts, testNames, []float64{cpu, latency}, nil)
	require.NoError(t, err)
	return v
}

func TestStoreRunningStatistics(t *testing.T) {
	s := NewStore(4)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	for i, v := range values {
		require.NoError(t, s.Update(vec(t, t0.Add(time.Duration(i)*time.Minute), v, 100)))
	}

	mean, ok := s.Mean("cpu")
	require.True(t, ok)
	assert.InDelta(t, 5.0, mean, 1e-12)

	std, ok := s.StdDev("cpu")
	require.True(t, ok)
	assert.InDelta(t, 2.0, std, 1e-12)

	assert.Equal(t, []float64{5, 5, 7, 9}, s.Recent("cpu"), "ring keeps last 4 values oldest first")
	assert.Equal(t, 8, s.Count("cpu"))

	st, ok := s.State("cpu")
	require.True(t, ok)
	assert.InDelta(t, 4.0, st.Variance, 1e-12)
}

func TestStoreRejectsOutOfOrder(t *testing.T) {
	s := NewStore(0)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Update(vec(t, t0.Add(time.Minute), 1, 1)))

	err := s.Update(vec(t, t0, 1, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrOutOfOrder))

	// equal timestamps are allowed
	require.NoError(t, s.Update(vec(t, t0.Add(time.Minute), 1, 1)))
}

func TestZScoreAtMeanIsZero(t *testing.T) {
	s := NewStore(0)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Update(vec(t, t0.Add(time.Duration(i)*time.Minute), 40+float64(i%3), 200)))
	}
	mean, _ := s.Mean("cpu")
	z, ok := s.ZScore("cpu", mean)
	require.True(t, ok)
	assert.InDelta(t, 0, z, 1e-9)
}

func TestZScoreFlatBaselineIsFinite(t *testing.T) {
	s := NewStore(0)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		require.NoError(t, s.Update(vec(t, t0.Add(time.Duration(i)*time.Minute), 40, 200)))
	}
	z, ok := s.ZScore("cpu", 95)
	require.True(t, ok)
	assert.False(t, math.IsInf(z, 0))
	assert.InDelta(t, 55/0.4, z, 1e-9)

	_, ok = s.ZScore("unknown", 1)
	assert.False(t, ok)
}

func TestStoreSkipsNonFinite(t *testing.T) {
	s := NewStore(0)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Update(vec(t, t0, math.NaN(), 10)))
	_, ok := s.Mean("cpu")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Count("latency"))
}
