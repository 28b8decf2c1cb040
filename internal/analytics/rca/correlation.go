package rca

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

type pairKey struct{ a, b string }

func keyOf(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a, b}
}

// CorrelationMatrix is a symmetric lookup of association measures.
type CorrelationMatrix struct {
	features []string
	entries  map[pairKey]types.CorrelationEntry
}

// Get returns the entry for a pair in either order.
func (m *CorrelationMatrix) Get(a, b string) (types.CorrelationEntry, bool) {
	e, ok := m.entries[keyOf(a, b)]
	return e, ok
}

// Features returns the features the matrix was computed over.
func (m *CorrelationMatrix) Features() []string { return append([]string(nil), m.features...) }

// Entries returns every pair in schema order.
func (m *CorrelationMatrix) Entries() []types.CorrelationEntry {
	out := make([]types.CorrelationEntry, 0, len(m.entries))
	for i := 0; i < len(m.features); i++ {
		for j := i + 1; j < len(m.features); j++ {
			if e, ok := m.entries[keyOf(m.features[i], m.features[j])]; ok {
				out = append(out, e)
			}
		}
	}
	return out
}

// Correlate computes Pearson, Spearman and normalized mutual information for
// every feature pair. series[i] is the time series of names[i].
func Correlate(names []string, series [][]float64) *CorrelationMatrix {
	m := &CorrelationMatrix{
		features: append([]string(nil), names...),
		entries:  make(map[pairKey]types.CorrelationEntry),
	}
	ranks := make([][]float64, len(series))
	for i, s := range series {
		ranks[i] = averageRanks(s)
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			m.entries[keyOf(names[i], names[j])] = types.CorrelationEntry{
				FeatureA:          names[i],
				FeatureB:          names[j],
				Pearson:           pearson(series[i], series[j]),
				Spearman:          pearson(ranks[i], ranks[j]),
				MutualInformation: normalizedMI(series[i], series[j]),
			}
		}
	}
	return m
}

// Prune drops pairs whose three measures are all below threshold in absolute
// value and returns the surviving features in schema order along with the
// surviving pairs.
func Prune(m *CorrelationMatrix, threshold float64) ([]string, []types.CorrelationEntry) {
	keep := make(map[string]bool)
	var pairs []types.CorrelationEntry
	for _, e := range m.Entries() {
		if math.Abs(e.Pearson) < threshold &&
			math.Abs(e.Spearman) < threshold &&
			math.Abs(e.MutualInformation) < threshold {
			continue
		}
		pairs = append(pairs, e)
		keep[e.FeatureA] = true
		keep[e.FeatureB] = true
	}
	var surviving []string
	for _, f := range m.features {
		if keep[f] {
			surviving = append(surviving, f)
		}
	}
	return surviving, pairs
}

// pearson is stat.Correlation with undefined results (constant input or
// fewer than two points) mapped to 0.
func pearson(x, y []float64) float64 {
	if len(x) < 2 || len(x) != len(y) {
		return 0
	}
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return math.Max(-1, math.Min(1, r))
}

// averageRanks assigns 1-based ranks, giving tied values their mean rank.
func averageRanks(x []float64) []float64 {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	ranks := make([]float64, len(x))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && x[idx[j+1]] == x[idx[i]] {
			j++
		}
		r := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = r
		}
		i = j + 1
	}
	return ranks
}

// miShuffles is the number of permutations averaged for the chance baseline.
const miShuffles = 8

// normalizedMI estimates mutual information from an equal-width histogram
// with ceil(sqrt(n)) bins per axis, corrected for chance:
//
//	(I(X;Y) - E0) / (min(H(X),H(Y)) - E0)
//
// where E0 is the mean MI of Y against seeded permutations of X. Independent
// series score near 0 and identical binnings score 1. A constant series
// yields 0.
func normalizedMI(x, y []float64) float64 {
	n := len(x)
	if n < 2 || len(y) != n {
		return 0
	}
	bins := int(math.Ceil(math.Sqrt(float64(n))))
	bx, by := binIndex(x, bins), binIndex(y, bins)

	px := make([]float64, bins)
	py := make([]float64, bins)
	for i := 0; i < n; i++ {
		px[bx[i]]++
		py[by[i]]++
	}
	nf := float64(n)
	h := math.Min(entropy(px, nf), entropy(py, nf))
	if h <= 0 {
		return 0
	}
	mi := binnedMI(bx, by, px, py, nf)

	rng := rand.New(rand.NewSource(1))
	shuffled := append([]int(nil), bx...)
	e0 := 0.0
	for s := 0; s < miShuffles; s++ {
		rng.Shuffle(n, func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		e0 += binnedMI(shuffled, by, px, py, nf)
	}
	e0 /= miShuffles

	denom := h - e0
	if denom <= 0 {
		return 0
	}
	return math.Max(0, math.Min(1, (mi-e0)/denom))
}

// binnedMI is the plug-in MI of two bin assignments with marginal counts
// px and py.
func binnedMI(bx, by []int, px, py []float64, n float64) float64 {
	joint := make(map[[2]int]float64)
	for i := range bx {
		joint[[2]int{bx[i], by[i]}]++
	}
	mi := 0.0
	for k, c := range joint {
		pxy := c / n
		mi += pxy * math.Log(pxy/((px[k[0]]/n)*(py[k[1]]/n)))
	}
	return mi
}

func binIndex(x []float64, bins int) []int {
	lo, hi := x[0], x[0]
	for _, v := range x {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := make([]int, len(x))
	width := (hi - lo) / float64(bins)
	if width == 0 {
		return out
	}
	for i, v := range x {
		b := int((v - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		out[i] = b
	}
	return out
}

func entropy(counts []float64, n float64) float64 {
	h := 0.0
	for _, c := range counts {
		if c > 0 {
			p := c / n
			h -= p * math.Log(p)
		}
	}
	return h
}
