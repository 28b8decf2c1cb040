package types

import (
	"fmt"
	"time"
)

// FeatureVector is one fixed-shape time slice for a source. All vectors of a
// deployment share the same ordered name set. The value is immutable: every
// accessor that exposes a slice returns a copy.
type FeatureVector struct {
	source    string
	timestamp time.Time
	names     []string
	values    []float64
	imputed   []string
}

// NewFeatureVector copies values and imputed; names is the schema's ordered
// name slice and is shared, never written.
func NewFeatureVector(source string, ts time.Time, names []string, values []float64, imputed []string) (FeatureVector, error) {
	if len(names) != len(values) {
		return FeatureVector{}, fmt.Errorf("feature vector: %d names but %d values", len(names), len(values))
	}
	v := FeatureVector{
		source:    source,
		timestamp: ts,
		names:     names,
		values:    append([]float64(nil), values...),
	}
	if len(imputed) > 0 {
		v.imputed = append([]string(nil), imputed...)
	}
	return v, nil
}

func (v FeatureVector) Source() string       { return v.source }
func (v FeatureVector) Timestamp() time.Time { return v.timestamp }
func (v FeatureVector) Len() int             { return len(v.values) }
func (v FeatureVector) Name(i int) string    { return v.names[i] }
func (v FeatureVector) At(i int) float64     { return v.values[i] }

// Names returns the ordered feature names.
func (v FeatureVector) Names() []string { return append([]string(nil), v.names...) }

// Values returns the values in schema order.
func (v FeatureVector) Values() []float64 { return append([]float64(nil), v.values...) }

// Imputed lists the features whose value was filled from the baseline.
func (v FeatureVector) Imputed() []string { return append([]string(nil), v.imputed...) }

// Value looks a feature up by name.
func (v FeatureVector) Value(name string) (float64, bool) {
	for i, n := range v.names {
		if n == name {
			return v.values[i], true
		}
	}
	return 0, false
}

// Snapshot returns the vector as a flat name→value map for persistence.
func (v FeatureVector) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(v.values))
	for i, n := range v.names {
		out[n] = v.values[i]
	}
	return out
}

// WithValues derives a vector with the same identity and schema but different
// values. Used for perturbation during attribution.
func (v FeatureVector) WithValues(values []float64) (FeatureVector, error) {
	return NewFeatureVector(v.source, v.timestamp, v.names, values, nil)
}

// BaselineState is a read-only copy of one feature's rolling statistics.
type BaselineState struct {
	Feature  string    `json:"feature"`
	Mean     float64   `json:"mean"`
	Variance float64   `json:"variance"`
	Count    int       `json:"count"`
	Recent   []float64 `json:"recent"`
}
