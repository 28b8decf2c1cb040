package ml

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapZ map[string]float64

func (m mapZ) ZScore(feature string, _ float64) (float64, bool) {
	z, ok := m[feature]
	return z, ok
}

func TestMaxAbsZPicksLargestMagnitude(t *testing.T) {
	z, name, err := MaxAbsZ([]string{"cpu", "latency", "errors"}, []float64{1, 2, 3}, mapZ{"cpu": 1.5, "latency": -4.2})
	require.NoError(t, err)
	assert.Equal(t, 4.2, z)
	assert.Equal(t, "latency", name)
}

func TestMaxAbsZRejectsBadInput(t *testing.T) {
	_, _, err := MaxAbsZ([]string{"cpu"}, []float64{1, 2}, mapZ{})
	assert.Error(t, err, "length mismatch")

	_, _, err = MaxAbsZ([]string{"cpu"}, []float64{1}, mapZ{})
	assert.Error(t, err, "no baseline")

	_, _, err = MaxAbsZ([]string{"cpu"}, []float64{1}, mapZ{"cpu": math.NaN()})
	assert.Error(t, err, "non-finite")
}
