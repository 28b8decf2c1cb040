package baseline

// Package baseline keeps rolling per-feature statistics for one source.
//
// Every detector reads from the same Store: the statistical scorer takes its
// z-scores from it, the feature builder imputes missing readings with its
// means, and root-cause analysis measures timeline deltas against it.
//
// Only summary statistics and a short ring buffer of raw values are kept.
// Feature vectors must be fed in non-decreasing timestamp order by a single
// writer (the per-source evaluator).

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

const (
	// DefaultRingSize is the number of recent raw values kept per feature.
	DefaultRingSize = 16

	minStdDev    = 1e-6
	relStdDevMin = 0.01
)

// featureStats is a Welford accumulator plus a ring of recent values.
type featureStats struct {
	count int
	mean  float64
	m2    float64
	ring  []float64
	next  int
	full  bool
}

func (s *featureStats) add(v float64) {
	s.count++
	delta := v - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (v - s.mean)

	s.ring[s.next] = v
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
}

func (s *featureStats) variance() float64 {
	if s.count < 2 {
		return 0
	}
	return s.m2 / float64(s.count)
}

// recent returns the ring contents oldest first.
func (s *featureStats) recent() []float64 {
	if !s.full {
		return append([]float64(nil), s.ring[:s.next]...)
	}
	out := make([]float64, 0, len(s.ring))
	out = append(out, s.ring[s.next:]...)
	return append(out, s.ring[:s.next]...)
}

// Store holds the baseline of every feature of one source.
type Store struct {
	mu       sync.RWMutex
	ringSize int
	features map[string]*featureStats
	last     time.Time
}

// NewStore creates an empty baseline. ringSize <= 0 selects DefaultRingSize.
func NewStore(ringSize int) *Store {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Store{
		ringSize: ringSize,
		features: make(map[string]*featureStats),
	}
}

// Update folds one vector into the baseline.
func (s *Store) Update(v types.FeatureVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.last.IsZero() && v.Timestamp().Before(s.last) {
		return fmt.Errorf("%w: %s before %s", types.ErrOutOfOrder,
			v.Timestamp().Format(time.RFC3339Nano), s.last.Format(time.RFC3339Nano))
	}
	for i := 0; i < v.Len(); i++ {
		val := v.At(i)
		if math.IsNaN(val) || math.IsInf(val, 0) {
			continue
		}
		name := v.Name(i)
		st, ok := s.features[name]
		if !ok {
			st = &featureStats{ring: make([]float64, s.ringSize)}
			s.features[name] = st
		}
		st.add(val)
	}
	s.last = v.Timestamp()
	return nil
}

// Mean returns the running mean; ok is false when the feature was never seen.
func (s *Store) Mean(feature string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.features[feature]
	if !ok || st.count == 0 {
		return 0, false
	}
	return st.mean, true
}

// StdDev returns the raw running standard deviation.
func (s *Store) StdDev(feature string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.features[feature]
	if !ok || st.count == 0 {
		return 0, false
	}
	return math.Sqrt(st.variance()), true
}

// ZScore measures value against the feature's baseline. The deviation is
// floored so a flat baseline yields a large but finite score.
func (s *Store) ZScore(feature string, value float64) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.features[feature]
	if !ok || st.count == 0 {
		return 0, false
	}
	return (value - st.mean) / FlooredStdDev(math.Sqrt(st.variance()), st.mean), true
}

// Recent returns the ring buffer for a feature, oldest first.
func (s *Store) Recent(feature string) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.features[feature]
	if !ok {
		return nil
	}
	return st.recent()
}

// Count returns how many observations were folded in for a feature.
func (s *Store) Count(feature string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.features[feature]; ok {
		return st.count
	}
	return 0
}

// State returns a copy of one feature's baseline.
func (s *Store) State(feature string) (types.BaselineState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.features[feature]
	if !ok {
		return types.BaselineState{}, false
	}
	return types.BaselineState{
		Feature:  feature,
		Mean:     st.mean,
		Variance: st.variance(),
		Count:    st.count,
		Recent:   st.recent(),
	}, true
}

// LastUpdate is the timestamp of the newest vector folded in.
func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// FlooredStdDev applies the floor used for all standardisation in the engine.
func FlooredStdDev(std, mean float64) float64 {
	floor := math.Max(minStdDev, relStdDevMin*math.Abs(mean))
	if std < floor {
		return floor
	}
	return std
}
