package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

type fixedMeans map[string]float64

func (m fixedMeans) Mean(feature string) (float64, bool) {
	v, ok := m[feature]
	return v, ok
}

var ts = time.Date(2026, 3, 4, 12, 30, 0, 0, time.UTC)

func TestBuildOrdersBySchema(t *testing.T) {
	schema, err := NewSchema([]string{"cpu", "latency_p95", "tests_failed"}, false)
	require.NoError(t, err)
	b := NewBuilder(schema, nil, Options{})

	v, err := b.Build("checkout", ts, Readings{"tests_failed": 2, "cpu": 41.5, "latency_p95": 210})
	require.NoError(t, err)

	assert.Equal(t, []string{"cpu", "latency_p95", "tests_failed"}, v.Names())
	assert.Equal(t, []float64{41.5, 210, 2}, v.Values())
	assert.Equal(t, "checkout", v.Source())
	assert.Equal(t, ts, v.Timestamp())
	assert.Empty(t, v.Imputed())
}

func TestBuildImputesFromBaseline(t *testing.T) {
	schema, err := NewSchema([]string{"cpu", "memory", "gc_pause"}, false)
	require.NoError(t, err)
	b := NewBuilder(schema, fixedMeans{"memory": 512, "gc_pause": 3.5}, Options{})

	v, err := b.Build("svc", ts, Readings{"cpu": 40, "memory": Missing()})
	require.NoError(t, err)

	assert.Equal(t, []float64{40, 512, 3.5}, v.Values(), "missing values take the rolling mean, not zero")
	assert.Equal(t, []string{"memory", "gc_pause"}, v.Imputed())
}

func TestBuildImputesZeroWithoutBaseline(t *testing.T) {
	schema, err := NewSchema([]string{"cpu"}, false)
	require.NoError(t, err)
	v, err := NewBuilder(schema, fixedMeans{}, Options{}).Build("svc", ts, Readings{})
	require.NoError(t, err)
	assert.Equal(t, []float64{0}, v.Values())
	assert.Equal(t, []string{"cpu"}, v.Imputed())
}

func TestBuildSchemaMismatch(t *testing.T) {
	schema, err := NewSchema([]string{"cpu"}, true)
	require.NoError(t, err)

	tests := []struct {
		name    string
		opts    Options
		raw     Readings
		wantErr bool
	}{
		{name: "unknown key strict", raw: Readings{"cpu": 1, "heap": 2}, wantErr: true},
		{name: "unknown key lenient", opts: Options{Lenient: true}, raw: Readings{"cpu": 1, "heap": 2}},
		{name: "reserved derived key", opts: Options{Lenient: true}, raw: Readings{"cpu": 1, HourSin: 0.3}, wantErr: true},
		{name: "infinite reading", raw: Readings{"cpu": math.Inf(1)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(schema, nil, tt.opts).Build("svc", ts, tt.raw)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrSchemaMismatch))
			var sme *types.SchemaMismatchError
			assert.True(t, errors.As(err, &sme))
		})
	}
}

func TestCyclicalTimeWrapsAroundMidnight(t *testing.T) {
	late := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)
	early := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	noon := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	ls, lc, _, _ := CyclicalTime(late)
	es, ec, _, _ := CyclicalTime(early)
	ns, nc, _, _ := CyclicalTime(noon)

	near := math.Hypot(ls-es, lc-ec)
	far := math.Hypot(ls-ns, lc-nc)
	assert.Less(t, near, 0.3)
	assert.Greater(t, far, 1.5)
}

func TestSchemaAppendsTimeFeatures(t *testing.T) {
	schema, err := NewSchema([]string{"cpu", "latency"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu", "latency", HourSin, HourCos, DowSin, DowCos}, schema.Names())
	assert.Equal(t, []string{"cpu", "latency"}, schema.Metrics())

	v, err := NewBuilder(schema, nil, Options{}).Build("svc", ts, Readings{"cpu": 1, "latency": 2})
	require.NoError(t, err)
	hs, _ := v.Value(HourSin)
	wantSin, _, _, _ := CyclicalTime(ts)
	assert.InDelta(t, wantSin, hs, 1e-12)
}

func TestNewSchemaRejectsBadNames(t *testing.T) {
	_, err := NewSchema(nil, false)
	assert.Error(t, err)
	_, err = NewSchema([]string{"cpu", "cpu"}, false)
	assert.Error(t, err)
	_, err = NewSchema([]string{HourCos}, false)
	assert.Error(t, err)
}
