package ensemble

// Package ensemble fuses the isolation, sequence-reconstruction and
// statistical scorers into one weighted-vote decision.
//
// Training and scoring are separate operations. Retrain builds a complete new
// Model from a history copy and publishes it with an atomic pointer swap;
// Detect loads whatever Model is current and never blocks on a retrain.

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/metrics"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// State is the detector lifecycle stage.
type State string

const (
	StateUntrained State = "untrained"
	StateTrained   State = "trained"
	StateScoring   State = "scoring"
)

// Model is an immutable trained snapshot.
type Model struct {
	Version   uint64
	TrainedAt time.Time
	Samples   int
	scorers   []Scorer
}

// Decision is the outcome of one Detect call.
type Decision struct {
	IsAnomaly     bool
	Confidence    float64
	Severity      types.Severity
	WeightedTotal float64
	Votes         []types.DetectorVote
	// Weights are the effective, renormalized weights of the scorers that
	// produced a score.
	Weights      map[string]float64
	Degraded     []string
	ModelVersion uint64
}

// Scores returns the raw score of every scorer that produced one.
func (d Decision) Scores() map[string]float64 {
	out := make(map[string]float64, len(d.Votes))
	for _, v := range d.Votes {
		out[v.Scorer] = v.Score
	}
	return out
}

// Detector is the weighted-vote ensemble for one source.
type Detector struct {
	cfg      Config
	trainers []Trainer
	source   string
	logger   *zap.Logger
	audit    audit.Logger

	// retrainMu orders snapshot publication with Retrain calls.
	retrainMu sync.Mutex
	model     atomic.Pointer[Model]
	version   atomic.Uint64
	inflight  atomic.Int64
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Detector) { d.logger = l } }

// WithAudit sets the audit event sink.
func WithAudit(a audit.Logger) Option { return func(d *Detector) { d.audit = a } }

// WithSource tags log lines and audit events with the monitored source.
func WithSource(source string) Option { return func(d *Detector) { d.source = source } }

// WithTrainer replaces the trainer of the same name.
func WithTrainer(t Trainer) Option {
	return func(d *Detector) {
		for i, existing := range d.trainers {
			if existing.Name() == t.Name() {
				d.trainers[i] = t
				return
			}
		}
		d.trainers = append(d.trainers, t)
	}
}

// New validates cfg and returns an untrained detector. Weight errors are
// returned as *types.InvalidWeightConfigError.
func New(cfg Config, opts ...Option) (*Detector, error) {
	d := &Detector{
		cfg:      cfg,
		trainers: DefaultTrainers(cfg),
		logger:   zap.NewNop(),
		audit:    audit.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	names := make([]string, len(d.trainers))
	for i, t := range d.trainers {
		names[i] = t.Name()
	}
	if err := cfg.validate(names); err != nil {
		return nil, err
	}
	d.logger = d.logger.With(zap.String("source", d.source))
	return d, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config { return d.cfg }

// State reports the lifecycle stage.
func (d *Detector) State() State {
	if d.model.Load() == nil {
		return StateUntrained
	}
	if d.inflight.Load() > 0 {
		return StateScoring
	}
	return StateTrained
}

// Model returns the active snapshot, or nil before the first Retrain.
func (d *Detector) Model() *Model { return d.model.Load() }

// Retrain fits every scorer on history and swaps in the new snapshot. The
// caller must pass a private copy of history. A scorer that fails to train
// is kept as a failing placeholder so detections report it as degraded; if
// all fail the previous snapshot stays active. Concurrent calls are
// serialized, so snapshots are published in call order. Detect never waits
// on a retrain.
func (d *Detector) Retrain(ctx context.Context, history [][]float64) error {
	if len(history) < d.cfg.MinHistory {
		return &types.InsufficientHistoryError{Have: len(history), Need: d.cfg.MinHistory}
	}
	d.retrainMu.Lock()
	defer d.retrainMu.Unlock()
	start := time.Now()

	scorers := make([]Scorer, len(d.trainers))
	errs := make([]error, len(d.trainers))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range d.trainers {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic: %v", r)
				}
			}()
			scorers[i], errs[i] = t.Train(gctx, history)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		name := d.trainers[i].Name()
		scorers[i] = brokenScorer{name: name, err: err}
		d.logger.Warn("scorer training failed", zap.String("scorer", name), zap.Error(err))
	}
	duration := time.Since(start)
	if failed == len(d.trainers) {
		err := fmt.Errorf("retrain: every scorer failed: %w", errors.Join(errs...))
		metrics.RetrainsTotal.WithLabelValues("failure").Inc()
		_ = d.audit.LogRetrained(ctx, d.source, len(history), duration, err)
		return err
	}

	m := &Model{
		Version:   d.version.Add(1),
		TrainedAt: time.Now().UTC(),
		Samples:   len(history),
		scorers:   scorers,
	}
	d.model.Store(m)

	metrics.RetrainsTotal.WithLabelValues("success").Inc()
	metrics.RetrainDuration.Observe(duration.Seconds())
	_ = d.audit.LogRetrained(ctx, d.source, len(history), duration, nil)
	d.logger.Info("model retrained",
		zap.Uint64("version", m.Version),
		zap.Int("samples", m.Samples),
		zap.Int("failed_scorers", failed),
		zap.Duration("duration", duration),
	)
	return nil
}

type scoreResult struct {
	scorer Scorer
	score  float64
	err    error
}

// run evaluates every scorer of m in parallel. Errors, panics and non-finite
// scores are reported per scorer.
func run(ctx context.Context, m *Model, obs Observation) []scoreResult {
	results := make([]scoreResult, len(m.scorers))
	var g errgroup.Group
	for i, s := range m.scorers {
		results[i].scorer = s
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i].err = fmt.Errorf("panic: %v", r)
				}
			}()
			score, err := s.Score(ctx, obs)
			if err == nil && (math.IsNaN(score) || math.IsInf(score, 0)) {
				err = fmt.Errorf("non-finite score %v", score)
			}
			results[i].score, results[i].err = score, err
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// active splits results into survivors and failures and returns the
// renormalized weights of the survivors.
func (d *Detector) active(results []scoreResult) (ok []scoreResult, weights map[string]float64, failures map[string]error) {
	failures = make(map[string]error)
	total := 0.0
	for _, r := range results {
		name := r.scorer.Name()
		if r.err != nil {
			failures[name] = r.err
			continue
		}
		ok = append(ok, r)
		total += d.cfg.Weights[name]
	}
	weights = make(map[string]float64, len(ok))
	for _, r := range ok {
		name := r.scorer.Name()
		if total > 0 {
			weights[name] = d.cfg.Weights[name] / total
		} else {
			weights[name] = 1 / float64(len(ok))
		}
	}
	return ok, weights, failures
}

// Detect scores one observation with the active snapshot.
func (d *Detector) Detect(ctx context.Context, obs Observation) (Decision, error) {
	m := d.model.Load()
	if m == nil {
		return Decision{}, &types.InsufficientHistoryError{Have: 0, Need: d.cfg.MinHistory}
	}
	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	ok, weights, failures := d.active(run(ctx, m, obs))
	if len(ok) == 0 {
		err := &types.EnsembleUnavailableError{Failures: failures}
		metrics.EnsembleUnavailable.Inc()
		d.logger.Error("ensemble unavailable", zap.Error(err))
		_ = d.audit.LogUnavailable(ctx, d.source, err)
		return Decision{}, err
	}

	dec := Decision{ModelVersion: m.Version, Weights: weights}
	if len(failures) > 0 {
		dec.Degraded = sortedKeys(failures)
		errs := make([]error, 0, len(failures))
		for _, name := range dec.Degraded {
			metrics.ScorerFailures.WithLabelValues(name).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", name, failures[name]))
		}
		cause := errors.Join(errs...)
		d.logger.Warn("ensemble degraded",
			zap.Strings("failed_scorers", dec.Degraded),
			zap.Any("weights", weights),
			zap.Error(cause),
		)
		_ = d.audit.LogDegraded(ctx, d.source, dec.Degraded, cause)
	}

	total := 0.0
	for _, r := range ok {
		vote := r.score > r.scorer.Threshold()
		dec.Votes = append(dec.Votes, types.DetectorVote{
			Scorer:    r.scorer.Name(),
			Score:     r.score,
			Threshold: r.scorer.Threshold(),
			Vote:      vote,
		})
		if vote {
			total += weights[r.scorer.Name()]
		}
	}
	total = math.Round(total*1e9) / 1e9

	dec.WeightedTotal = total
	dec.Confidence = clamp01(total)
	dec.IsAnomaly = total > d.cfg.VoteThreshold
	if dec.IsAnomaly {
		dec.Severity = SeverityFor(dec.Confidence, d.cfg.Severity)
	}
	return dec, nil
}

// CompositeScore is a continuous ensemble score, Σ wᵢ·log1p(max(0,sᵢ)/tᵢ),
// over the scorers that succeed. It grows with every scorer's deviation and
// does not saturate the way votes do.
func (d *Detector) CompositeScore(ctx context.Context, obs Observation) (float64, error) {
	m := d.model.Load()
	if m == nil {
		return 0, &types.InsufficientHistoryError{Have: 0, Need: d.cfg.MinHistory}
	}
	ok, weights, failures := d.active(run(ctx, m, obs))
	if len(ok) == 0 {
		return 0, &types.EnsembleUnavailableError{Failures: failures}
	}
	sum := 0.0
	for _, r := range ok {
		th := r.scorer.Threshold()
		if th <= 0 {
			th = 1
		}
		sum += weights[r.scorer.Name()] * math.Log1p(math.Max(0, r.score)/th)
	}
	return sum, nil
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func sortedKeys(m map[string]error) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
