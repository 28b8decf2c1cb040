package features

// Package features turns raw metric readings into fixed-shape feature vectors.
//
// The schema is resolved once at startup. A raw reading is a flat
// name→value map; an absent key or an explicit NaN means "missing" and is
// imputed from the feature's rolling baseline mean rather than zero, so sparse
// sources do not drift toward false anomalies.
//
// Hour-of-day and day-of-week are encoded as sine/cosine pairs so distance
// based detectors see 23:00 and 00:00 as neighbours.

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// Derived cyclical time feature names.
const (
	HourSin = "hour_sin"
	HourCos = "hour_cos"
	DowSin  = "dow_sin"
	DowCos  = "dow_cos"
)

var timeFeatures = []string{HourSin, HourCos, DowSin, DowCos}

// Readings is one raw sample from the ingestion side. math.NaN() marks an
// explicitly missing value.
type Readings map[string]float64

// Missing is the explicit "missing" marker for a reading.
func Missing() float64 { return math.NaN() }

// Schema is the ordered feature set of a deployment.
type Schema struct {
	names        []string
	index        map[string]int
	metricCount  int
	cyclicalTime bool
}

// NewSchema validates metric names and appends the derived time features when
// cyclicalTime is set.
func NewSchema(metrics []string, cyclicalTime bool) (*Schema, error) {
	if len(metrics) == 0 {
		return nil, fmt.Errorf("feature schema: at least one metric is required")
	}
	s := &Schema{
		index:        make(map[string]int, len(metrics)+len(timeFeatures)),
		metricCount:  len(metrics),
		cyclicalTime: cyclicalTime,
	}
	for _, name := range metrics {
		if name == "" {
			return nil, fmt.Errorf("feature schema: empty metric name")
		}
		if isTimeFeature(name) {
			return nil, fmt.Errorf("feature schema: %q is reserved for derived time features", name)
		}
		if _, dup := s.index[name]; dup {
			return nil, fmt.Errorf("feature schema: duplicate metric %q", name)
		}
		s.index[name] = len(s.names)
		s.names = append(s.names, name)
	}
	if cyclicalTime {
		for _, name := range timeFeatures {
			s.index[name] = len(s.names)
			s.names = append(s.names, name)
		}
	}
	return s, nil
}

// Names returns every feature in order, derived ones included.
func (s *Schema) Names() []string { return append([]string(nil), s.names...) }

// Metrics returns only the raw metric names.
func (s *Schema) Metrics() []string { return append([]string(nil), s.names[:s.metricCount]...) }

// Len is the vector width.
func (s *Schema) Len() int { return len(s.names) }

// Index returns the position of a feature.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// MeanSource supplies rolling means for imputation. *baseline.Store satisfies it.
type MeanSource interface {
	Mean(feature string) (float64, bool)
}

// Options tune the builder.
type Options struct {
	// Lenient drops unknown reading keys instead of failing.
	Lenient bool
}

// Builder builds feature vectors against a fixed schema.
type Builder struct {
	schema   *Schema
	baseline MeanSource
	opts     Options
}

// NewBuilder creates a builder. baseline may be nil, in which case missing
// values are imputed as 0.
func NewBuilder(schema *Schema, baseline MeanSource, opts Options) *Builder {
	return &Builder{schema: schema, baseline: baseline, opts: opts}
}

// Schema returns the builder's schema.
func (b *Builder) Schema() *Schema { return b.schema }

// Build produces the feature vector for one (source, timestamp) pair.
func (b *Builder) Build(source string, ts time.Time, raw Readings) (types.FeatureVector, error) {
	var unknown, reserved, invalid []string
	for key, val := range raw {
		idx, ok := b.schema.index[key]
		switch {
		case !ok:
			unknown = append(unknown, key)
		case idx >= b.schema.metricCount:
			reserved = append(reserved, key)
		case math.IsInf(val, 0):
			invalid = append(invalid, key)
		}
	}
	if len(reserved) > 0 {
		sort.Strings(reserved)
		return types.FeatureVector{}, &types.SchemaMismatchError{Keys: reserved, Reason: "derived features cannot be supplied"}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return types.FeatureVector{}, &types.SchemaMismatchError{Keys: invalid, Reason: "non-finite readings"}
	}
	if len(unknown) > 0 && !b.opts.Lenient {
		sort.Strings(unknown)
		return types.FeatureVector{}, &types.SchemaMismatchError{Keys: unknown, Reason: "keys not in schema"}
	}

	values := make([]float64, len(b.schema.names))
	var imputed []string
	for i := 0; i < b.schema.metricCount; i++ {
		name := b.schema.names[i]
		val, ok := raw[name]
		if ok && !math.IsNaN(val) {
			values[i] = val
			continue
		}
		values[i] = b.impute(name)
		imputed = append(imputed, name)
	}
	if b.schema.cyclicalTime {
		hs, hc, ds, dc := CyclicalTime(ts)
		off := b.schema.metricCount
		values[off], values[off+1], values[off+2], values[off+3] = hs, hc, ds, dc
	}
	return types.NewFeatureVector(source, ts, b.schema.names, values, imputed)
}

func (b *Builder) impute(name string) float64 {
	if b.baseline == nil {
		return 0
	}
	if mean, ok := b.baseline.Mean(name); ok {
		return mean
	}
	return 0
}

// CyclicalTime encodes the fractional hour of day and the day of week of ts
// (in UTC) as points on the unit circle.
func CyclicalTime(ts time.Time) (hourSin, hourCos, dowSin, dowCos float64) {
	ts = ts.UTC()
	hour := float64(ts.Hour()) + float64(ts.Minute())/60 + float64(ts.Second())/3600
	hAngle := 2 * math.Pi * hour / 24
	dAngle := 2 * math.Pi * float64(ts.Weekday()) / 7
	return math.Sin(hAngle), math.Cos(hAngle), math.Sin(dAngle), math.Cos(dAngle)
}

func isTimeFeature(name string) bool {
	for _, n := range timeFeatures {
		if n == name {
			return true
		}
	}
	return false
}
