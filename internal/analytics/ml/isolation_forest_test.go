package ml

import (
	"math"
	"math/rand"
	"testing"
)

func clusteredData(n int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := range data {
		data[i] = []float64{
			40 + rng.NormFloat64()*2,
			200 + rng.NormFloat64()*10,
		}
	}
	return data
}

func TestIsolationForest_Basic(t *testing.T) {
	forest := NewIsolationForest(DefaultForestConfig())
	if err := forest.Fit(clusteredData(200, 1)); err != nil {
		t.Fatalf("Failed to fit model: %v", err)
	}

	normal, err := forest.Score([]float64{40, 200})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	spike, err := forest.Score([]float64{95, 900})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if spike <= normal {
		t.Errorf("Anomaly score (%f) should be higher than normal score (%f)", spike, normal)
	}
	if spike <= forest.Threshold() {
		t.Errorf("Spike score %f not above calibrated threshold %f", spike, forest.Threshold())
	}
	if normal > forest.Threshold() {
		t.Errorf("Centre of the cluster scored %f above threshold %f", normal, forest.Threshold())
	}
}

func TestIsolationForest_Deterministic(t *testing.T) {
	data := clusteredData(120, 7)
	a := NewIsolationForest(DefaultForestConfig())
	b := NewIsolationForest(DefaultForestConfig())
	if err := a.Fit(data); err != nil {
		t.Fatal(err)
	}
	if err := b.Fit(data); err != nil {
		t.Fatal(err)
	}

	for _, p := range [][]float64{{40, 200}, {47, 230}, {95, 900}} {
		sa, _ := a.Score(p)
		sb, _ := b.Score(p)
		if sa != sb {
			t.Errorf("same seed gave different scores for %v: %f vs %f", p, sa, sb)
		}
	}
	if a.Threshold() != b.Threshold() {
		t.Errorf("thresholds differ: %f vs %f", a.Threshold(), b.Threshold())
	}
}

func TestIsolationForest_FlatTrainingSet(t *testing.T) {
	data := make([][]float64, 25)
	for i := range data {
		data[i] = []float64{40, 200}
	}
	forest := NewIsolationForest(DefaultForestConfig())
	if err := forest.Fit(data); err != nil {
		t.Fatalf("Failed to fit model: %v", err)
	}

	same, _ := forest.Score([]float64{40, 200})
	if math.Abs(same-0.5) > 1e-12 {
		t.Errorf("training point should score 0.5, got %.17f", same)
	}
	if math.Abs(forest.Threshold()-0.5) > 1e-12 {
		t.Errorf("threshold should be 0.5, got %.17f", forest.Threshold())
	}
	if same > forest.Threshold() {
		t.Errorf("training point must not clear the threshold: %.17f > %.17f", same, forest.Threshold())
	}

	spike, _ := forest.Score([]float64{95, 900})
	want := math.Pow(2, -1/averagePathLength(25))
	if math.Abs(spike-want) > 1e-12 {
		t.Errorf("spike score = %f, want %f", spike, want)
	}
	if spike <= forest.Threshold() {
		t.Errorf("spike must clear the threshold")
	}
}

func TestIsolationForest_Errors(t *testing.T) {
	forest := NewIsolationForest(ForestConfig{})
	if _, err := forest.Score([]float64{1}); err != ErrNotFitted {
		t.Errorf("expected ErrNotFitted, got %v", err)
	}
	if err := forest.Fit([][]float64{{1}}); err == nil {
		t.Error("expected error for a single sample")
	}
	if err := forest.Fit([][]float64{{1, 2}, {1}}); err == nil {
		t.Error("expected error for ragged samples")
	}
	if err := forest.Fit([][]float64{{1, 2}, {3, 4}, {5, 6}}); err != nil {
		t.Fatal(err)
	}
	if _, err := forest.Score([]float64{1}); err == nil {
		t.Error("expected width mismatch error")
	}
}

func TestAveragePathLength(t *testing.T) {
	tests := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{1, 0},
		{2, 1},
	}
	for _, tt := range tests {
		if got := averagePathLength(tt.n); got != tt.want {
			t.Errorf("c(%d) = %f, want %f", tt.n, got, tt.want)
		}
	}
	if c := averagePathLength(256); c < 9 || c > 11 {
		t.Errorf("c(256) = %f, expected about 10.2", c)
	}
}
