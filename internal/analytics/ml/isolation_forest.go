package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ForestConfig parameterises an IsolationForest.
type ForestConfig struct {
	Trees         int
	SubSample     int
	Contamination float64
	Seed          int64
}

// DefaultForestConfig returns 100 trees over subsamples of 64 with a 10%
// contamination prior.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{Trees: 100, SubSample: 64, Contamination: 0.10, Seed: 42}
}

// isolationTree is one node of a random partitioning tree. Every node keeps
// the bounding box of the training points that reached it.
type isolationTree struct {
	splitFeature int
	splitValue   float64
	left         *isolationTree
	right        *isolationTree
	size         int
	isLeaf       bool
	lo, hi       []float64
}

// IsolationForest implements the Isolation Forest algorithm for anomaly detection.
// A fitted forest is read-only and safe for concurrent Score calls.
type IsolationForest struct {
	cfg        ForestConfig
	trees      []*isolationTree
	sampleSize int
	maxDepth   int
	width      int
	threshold  float64
}

// NewIsolationForest creates an unfitted forest.
func NewIsolationForest(cfg ForestConfig) *IsolationForest {
	def := DefaultForestConfig()
	if cfg.Trees <= 0 {
		cfg.Trees = def.Trees
	}
	if cfg.SubSample <= 0 {
		cfg.SubSample = def.SubSample
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 1 {
		cfg.Contamination = def.Contamination
	}
	return &IsolationForest{cfg: cfg}
}

// ErrNotFitted is returned when scoring a model that was never trained.
var ErrNotFitted = errors.New("model not fitted")

// Fit trains the forest and calibrates its threshold as the
// (1 - contamination) quantile of the training scores.
func (f *IsolationForest) Fit(data [][]float64) error {
	if len(data) < 2 {
		return fmt.Errorf("isolation forest: need at least 2 samples, have %d", len(data))
	}
	width, err := checkRectangular(data)
	if err != nil {
		return fmt.Errorf("isolation forest: %w", err)
	}

	rng := rand.New(rand.NewSource(f.cfg.Seed))
	f.width = width
	f.sampleSize = f.cfg.SubSample
	if f.sampleSize > len(data) {
		f.sampleSize = len(data)
	}
	f.maxDepth = int(math.Ceil(math.Log2(float64(f.sampleSize))))
	if f.maxDepth < 1 {
		f.maxDepth = 1
	}

	f.trees = make([]*isolationTree, 0, f.cfg.Trees)
	for i := 0; i < f.cfg.Trees; i++ {
		sample := sampleRows(rng, data, f.sampleSize)
		f.trees = append(f.trees, f.buildTree(rng, sample, 0))
	}

	scores := make([]float64, len(data))
	for i, row := range data {
		scores[i] = f.score(row)
	}
	sort.Float64s(scores)
	f.threshold = stat.Quantile(1-f.cfg.Contamination, stat.Empirical, scores, nil)
	return nil
}

// Score returns 2^(-E[h(x)]/c(n)) in (0, 1]; higher is more anomalous.
func (f *IsolationForest) Score(x []float64) (float64, error) {
	if len(f.trees) == 0 {
		return 0, ErrNotFitted
	}
	if len(x) != f.width {
		return 0, fmt.Errorf("isolation forest: vector width %d, model width %d", len(x), f.width)
	}
	return f.score(x), nil
}

// Threshold is the calibrated vote threshold.
func (f *IsolationForest) Threshold() float64 { return f.threshold }

func (f *IsolationForest) score(x []float64) float64 {
	total := 0.0
	for _, tree := range f.trees {
		total += pathLength(tree, x, 0)
	}
	avg := total / float64(len(f.trees))
	c := averagePathLength(f.sampleSize)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -avg/c)
}

// sampleRows draws n rows without replacement (partial Fisher-Yates).
func sampleRows(rng *rand.Rand, data [][]float64, n int) [][]float64 {
	idx := make([]int, len(data))
	for i := range idx {
		idx[i] = i
	}
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		j := i + rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = data[idx[i]]
	}
	return out
}

// buildTree recursively builds an isolation tree
func (f *IsolationForest) buildTree(rng *rand.Rand, data [][]float64, depth int) *isolationTree {
	lo, hi := bounds(data, f.width)
	node := &isolationTree{size: len(data), lo: lo, hi: hi}

	if len(data) <= 1 || depth >= f.maxDepth {
		node.isLeaf = true
		return node
	}

	// Only features that still vary can split.
	var candidates []int
	for j := 0; j < f.width; j++ {
		if hi[j]-lo[j] > 1e-12 {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		node.isLeaf = true
		return node
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])

	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		node.isLeaf = true
		return node
	}

	node.splitFeature = feature
	node.splitValue = split
	node.left = f.buildTree(rng, left, depth+1)
	node.right = f.buildTree(rng, right, depth+1)
	return node
}

// pathLength walks x down the tree. A point that falls outside a leaf's box
// would be separated by the next split, so it terminates one level below.
func pathLength(node *isolationTree, x []float64, depth int) float64 {
	if node.isLeaf {
		if outside(node, x) {
			return float64(depth + 1)
		}
		return float64(depth) + averagePathLength(node.size)
	}
	if x[node.splitFeature] < node.splitValue {
		return pathLength(node.left, x, depth+1)
	}
	return pathLength(node.right, x, depth+1)
}

func outside(node *isolationTree, x []float64) bool {
	for j, v := range x {
		if v < node.lo[j] || v > node.hi[j] {
			return true
		}
	}
	return false
}

// averagePathLength is c(n), the average path length of an unsuccessful
// search in a binary search tree of n nodes.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	// c(n) = 2H(n-1) - 2(n-1)/n, H(i) ≈ ln(i) + γ
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

func bounds(data [][]float64, width int) (lo, hi []float64) {
	lo = make([]float64, width)
	hi = make([]float64, width)
	copy(lo, data[0])
	copy(hi, data[0])
	for _, row := range data[1:] {
		for j, v := range row {
			if v < lo[j] {
				lo[j] = v
			}
			if v > hi[j] {
				hi[j] = v
			}
		}
	}
	return lo, hi
}
