package engine

// Package engine wires feature building, the rolling baseline, the ensemble
// detector and root-cause analysis into one per-source evaluation loop, and
// supervises the evaluators of every source.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-rca/internal/analytics/rca"
	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/baseline"
	"github.com/kubilitics/kubilitics-rca/internal/features"
	"github.com/kubilitics/kubilitics-rca/internal/metrics"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// DefaultLookback is the number of vectors kept per source for training and
// root-cause analysis.
const DefaultLookback = 64

// Settings is the immutable per-evaluator configuration.
type Settings struct {
	Metrics      []string
	CyclicalTime bool
	Lenient      bool
	RingSize     int
	Lookback     int
	// AutoTrain starts a background warm-up Retrain once an untrained
	// evaluator has MinHistory vectors.
	AutoTrain bool
	Ensemble  ensemble.Config
	RCA       rca.Config
}

// DefaultSettings returns defaults for the given metrics.
func DefaultSettings(metricNames ...string) Settings {
	return Settings{
		Metrics:   metricNames,
		RingSize:  baseline.DefaultRingSize,
		Lookback:  DefaultLookback,
		AutoTrain: true,
		Ensemble:  ensemble.DefaultConfig(),
		RCA:       rca.DefaultConfig(),
	}
}

// Result is the outcome of one evaluation.
type Result struct {
	Vector   types.FeatureVector
	Decision ensemble.Decision
	// Record and RootCause are set for anomalies only.
	Record    *types.AnomalyRecord
	RootCause *types.RootCauseResult
}

// Evaluator owns the state of one source. Evaluate calls are serialized;
// Retrain trains outside the lock.
type Evaluator struct {
	mu sync.Mutex
	// retrainMu spans the history copy and the publish of one Retrain.
	retrainMu sync.Mutex
	// warmup is closed when the pending warm-up retrain finishes.
	warmup chan struct{}

	source    string
	settings  Settings
	builder   *features.Builder
	baseline  *baseline.Store
	detector  *ensemble.Detector
	analyzer  *rca.Analyzer
	assembler *Assembler
	history   []types.FeatureVector
	logger    *zap.Logger
	audit     audit.Logger
}

// NewEvaluator builds an evaluator for source.
func NewEvaluator(source string, s Settings, asm *Assembler, logger *zap.Logger, auditLog audit.Logger, opts ...ensemble.Option) (*Evaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if asm == nil {
		asm = NewAssembler(nil, nil, logger, auditLog)
	}
	if s.Lookback <= 0 {
		s.Lookback = DefaultLookback
	}
	if s.Lookback < s.Ensemble.MinHistory {
		return nil, fmt.Errorf("lookback %d is smaller than min history %d", s.Lookback, s.Ensemble.MinHistory)
	}
	schema, err := features.NewSchema(s.Metrics, s.CyclicalTime)
	if err != nil {
		return nil, err
	}
	store := baseline.NewStore(s.RingSize)

	logger = logger.With(zap.String("source", source))
	opts = append([]ensemble.Option{
		ensemble.WithLogger(logger),
		ensemble.WithAudit(auditLog),
		ensemble.WithSource(source),
	}, opts...)
	det, err := ensemble.New(s.Ensemble, opts...)
	if err != nil {
		return nil, err
	}

	return &Evaluator{
		source:    source,
		settings:  s,
		builder:   features.NewBuilder(schema, store, features.Options{Lenient: s.Lenient}),
		baseline:  store,
		detector:  det,
		analyzer:  rca.NewAnalyzer(s.RCA, logger),
		assembler: asm,
		logger:    logger,
		audit:     auditLog,
	}, nil
}

// Source returns the monitored source.
func (e *Evaluator) Source() string { return e.source }

// Detector exposes the ensemble for state inspection.
func (e *Evaluator) Detector() *ensemble.Detector { return e.detector }

// HistoryLen returns the number of vectors in the lookback window.
func (e *Evaluator) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history)
}

// Evaluate builds a feature vector from raw readings, scores it against the
// pre-update baseline, explains it when anomalous and finally folds it into
// the baseline and lookback window.
func (e *Evaluator) Evaluate(ctx context.Context, ts time.Time, raw features.Readings) (Result, error) {
	start := time.Now()
	defer func() { metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	vec, err := e.builder.Build(e.source, ts, raw)
	if err != nil {
		metrics.EvaluationsTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	if n := len(e.history); n > 0 && ts.Before(e.history[n-1].Timestamp()) {
		metrics.EvaluationsTotal.WithLabelValues("rejected").Inc()
		return Result{}, fmt.Errorf("%w: %s", types.ErrOutOfOrder, e.source)
	}

	if e.settings.AutoTrain && e.warmup == nil && e.detector.Model() == nil && len(e.history) >= e.settings.Ensemble.MinHistory {
		e.startWarmupLocked(ctx)
	}

	res := Result{Vector: vec}
	obs := ensemble.Observation{Vector: vec, History: e.rowsLocked(), Baseline: e.baseline}
	dec, err := e.detector.Detect(ctx, obs)
	if err != nil {
		var insufficient *types.InsufficientHistoryError
		if errors.As(err, &insufficient) {
			metrics.EvaluationsTotal.WithLabelValues("insufficient_history").Inc()
			insufficient.Have = len(e.history)
		} else {
			metrics.EvaluationsTotal.WithLabelValues("unavailable").Inc()
		}
		e.commitLocked(vec)
		return res, err
	}
	res.Decision = dec

	if dec.IsAnomaly {
		id := uuid.NewString()
		lookback := append(append([]types.FeatureVector(nil), e.history...), vec)
		rc, err := e.analyzer.Analyze(ctx, rca.Input{
			AnomalyID:   id,
			Observation: obs,
			Lookback:    lookback,
			Means:       e.baseline,
			Scorer:      e.detector,
		})
		if err != nil {
			e.logger.Error("root cause analysis failed", zap.String("anomaly_id", id), zap.Error(err))
			rc = types.RootCauseResult{AnomalyID: id, AnalyzedAt: time.Now().UTC(), LowCausalConfidence: true}
		}
		rec := e.assembler.Assemble(ctx, id, vec, dec, rc)
		res.Record, res.RootCause = &rec, &rc

		metrics.EvaluationsTotal.WithLabelValues("anomaly").Inc()
		metrics.AnomaliesTotal.WithLabelValues(string(dec.Severity)).Inc()
		_ = e.audit.LogAnomaly(ctx, e.source, id, string(dec.Severity), dec.Confidence)
		e.logger.Info("anomaly detected",
			zap.String("anomaly_id", id),
			zap.String("severity", string(dec.Severity)),
			zap.Float64("confidence", dec.Confidence),
			zap.String("primary_cause", rc.PrimaryCause.Feature),
		)
	} else {
		metrics.EvaluationsTotal.WithLabelValues("normal").Inc()
	}

	e.commitLocked(vec)
	return res, nil
}

// Retrain refits the detector on a copy of the lookback window. Evaluations
// continue against the previous snapshot while training runs.
func (e *Evaluator) Retrain(ctx context.Context) error {
	e.retrainMu.Lock()
	defer e.retrainMu.Unlock()
	e.mu.Lock()
	rows := e.rowsLocked()
	e.mu.Unlock()
	return e.detector.Retrain(ctx, rows)
}

// startWarmupLocked trains the first model in the background. Evaluations
// keep reporting insufficient history until it is published. A failed
// warm-up is retried by the next evaluation.
func (e *Evaluator) startWarmupLocked(ctx context.Context) {
	done := make(chan struct{})
	e.warmup = done
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		if err := e.Retrain(ctx); err != nil {
			e.logger.Warn("warm-up training failed", zap.Error(err))
			e.mu.Lock()
			e.warmup = nil
			e.mu.Unlock()
		}
	}()
}

// WaitWarmup blocks until a started warm-up retrain has finished. It returns
// immediately when none was started.
func (e *Evaluator) WaitWarmup(ctx context.Context) error {
	e.mu.Lock()
	done := e.warmup
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commitLocked folds vec into the baseline and lookback window.
func (e *Evaluator) commitLocked(vec types.FeatureVector) {
	if err := e.baseline.Update(vec); err != nil {
		e.logger.Warn("baseline update rejected", zap.Error(err))
		return
	}
	e.history = append(e.history, vec)
	if over := len(e.history) - e.settings.Lookback; over > 0 {
		e.history = append([]types.FeatureVector(nil), e.history[over:]...)
	}
}

// rowsLocked copies the lookback window as plain rows, oldest first.
func (e *Evaluator) rowsLocked() [][]float64 {
	rows := make([][]float64, len(e.history))
	for i, v := range e.history {
		rows[i] = v.Values()
	}
	return rows
}
