package ensemble

import (
	"context"
	"fmt"

	"github.com/kubilitics/kubilitics-rca/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// Observation is everything a scorer may look at for one evaluation.
type Observation struct {
	Vector types.FeatureVector
	// History holds the vectors preceding Vector for the same source, oldest
	// first. Only the tail is used.
	History [][]float64
	// Baseline is the pre-update rolling baseline of the source.
	Baseline ml.ZScorer
}

// WithValues returns a copy of the observation whose current vector carries
// the given values.
func (o Observation) WithValues(values []float64) (Observation, error) {
	v, err := o.Vector.WithValues(values)
	if err != nil {
		return Observation{}, err
	}
	o.Vector = v
	return o, nil
}

// Scorer is one trained detection model. Implementations must be safe for
// concurrent use and must not mutate shared state.
type Scorer interface {
	Name() string
	Threshold() float64
	Score(ctx context.Context, obs Observation) (float64, error)
}

// Trainer builds a fresh Scorer from history. Training never touches a
// Scorer that is already in use.
type Trainer interface {
	Name() string
	Train(ctx context.Context, history [][]float64) (Scorer, error)
}

// DefaultTrainers returns the three production scorers.
func DefaultTrainers(cfg Config) []Trainer {
	return []Trainer{
		IsolationTrainer{Config: cfg.Forest},
		ReconstructionTrainer{Config: cfg.Reconstruction},
		StatisticalTrainer{Threshold: cfg.ZThreshold},
	}
}

// IsolationTrainer fits an isolation forest.
type IsolationTrainer struct{ Config ml.ForestConfig }

func (IsolationTrainer) Name() string { return types.ScorerIsolation }

func (t IsolationTrainer) Train(_ context.Context, history [][]float64) (Scorer, error) {
	f := ml.NewIsolationForest(t.Config)
	if err := f.Fit(history); err != nil {
		return nil, err
	}
	return isolationScorer{forest: f}, nil
}

type isolationScorer struct{ forest *ml.IsolationForest }

func (isolationScorer) Name() string         { return types.ScorerIsolation }
func (s isolationScorer) Threshold() float64 { return s.forest.Threshold() }

func (s isolationScorer) Score(_ context.Context, obs Observation) (float64, error) {
	return s.forest.Score(obs.Vector.Values())
}

// ReconstructionTrainer fits the windowed PCA encoder/decoder.
type ReconstructionTrainer struct{ Config ml.ReconstructionConfig }

func (ReconstructionTrainer) Name() string { return types.ScorerReconstruction }

func (t ReconstructionTrainer) Train(_ context.Context, history [][]float64) (Scorer, error) {
	r := ml.NewReconstructor(t.Config)
	if err := r.Fit(history); err != nil {
		return nil, err
	}
	return reconstructionScorer{model: r}, nil
}

type reconstructionScorer struct{ model *ml.Reconstructor }

func (reconstructionScorer) Name() string       { return types.ScorerReconstruction }
func (reconstructionScorer) Threshold() float64 { return 1 }

func (s reconstructionScorer) Score(_ context.Context, obs Observation) (float64, error) {
	need := s.model.Window() - 1
	if len(obs.History) < need {
		return 0, fmt.Errorf("sequence reconstruction: %d preceding vectors, need %d", len(obs.History), need)
	}
	window := make([][]float64, 0, need+1)
	window = append(window, obs.History[len(obs.History)-need:]...)
	window = append(window, obs.Vector.Values())
	return s.model.Score(window)
}

// StatisticalTrainer has nothing to fit; it reads the live baseline.
type StatisticalTrainer struct{ Threshold float64 }

func (StatisticalTrainer) Name() string { return types.ScorerStatistical }

func (t StatisticalTrainer) Train(context.Context, [][]float64) (Scorer, error) {
	th := t.Threshold
	if th <= 0 {
		th = ml.DefaultZThreshold
	}
	return statisticalScorer{threshold: th}, nil
}

type statisticalScorer struct{ threshold float64 }

func (statisticalScorer) Name() string         { return types.ScorerStatistical }
func (s statisticalScorer) Threshold() float64 { return s.threshold }

func (s statisticalScorer) Score(_ context.Context, obs Observation) (float64, error) {
	if obs.Baseline == nil {
		return 0, fmt.Errorf("statistical: no baseline")
	}
	z, _, err := ml.MaxAbsZ(obs.Vector.Names(), obs.Vector.Values(), obs.Baseline)
	return z, err
}

// brokenScorer stands in for a scorer whose training failed so detection
// degrades instead of silently dropping it.
type brokenScorer struct {
	name string
	err  error
}

func (b brokenScorer) Name() string     { return b.name }
func (brokenScorer) Threshold() float64 { return 1 }
func (b brokenScorer) Score(context.Context, Observation) (float64, error) {
	return 0, fmt.Errorf("untrained: %w", b.err)
}
