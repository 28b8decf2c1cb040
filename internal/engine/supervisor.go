package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-rca/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/features"
	"github.com/kubilitics/kubilitics-rca/internal/metrics"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// maxRecentAnomalies bounds the in-memory anomaly cache.
const maxRecentAnomalies = 1000

// SupervisorConfig tunes the supervisor.
type SupervisorConfig struct {
	Settings Settings
	// RetrainInterval is the period of the background retrain loop; zero
	// disables it.
	RetrainInterval time.Duration
	// RetrainParallelism bounds concurrent retrains; <= 0 means one.
	RetrainParallelism int
}

// Supervisor owns one evaluator per source. Evaluations of different sources
// run in parallel; evaluations of one source are serialized by its evaluator.
type Supervisor struct {
	mu         sync.RWMutex
	cfg        SupervisorConfig
	evaluators map[string]*Evaluator
	assembler  *Assembler
	logger     *zap.Logger
	audit      audit.Logger
	detOpts    []ensemble.Option

	recentMu        sync.RWMutex
	recentAnomalies []types.AnomalyRecord

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewSupervisor creates a supervisor. Detector options are applied to every
// evaluator it creates.
func NewSupervisor(cfg SupervisorConfig, asm *Assembler, logger *zap.Logger, auditLog audit.Logger, opts ...ensemble.Option) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if asm == nil {
		asm = NewAssembler(nil, nil, logger, auditLog)
	}
	if cfg.RetrainParallelism <= 0 {
		cfg.RetrainParallelism = 1
	}
	return &Supervisor{
		cfg:             cfg,
		evaluators:      make(map[string]*Evaluator),
		assembler:       asm,
		logger:          logger,
		audit:           auditLog,
		detOpts:         opts,
		recentAnomalies: make([]types.AnomalyRecord, 0, maxRecentAnomalies),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Evaluator returns the evaluator of source, creating it on first use.
func (s *Supervisor) Evaluator(source string) (*Evaluator, error) {
	s.mu.RLock()
	ev, ok := s.evaluators[source]
	s.mu.RUnlock()
	if ok {
		return ev, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.evaluators[source]; ok {
		return ev, nil
	}
	ev, err := NewEvaluator(source, s.cfg.Settings, s.assembler, s.logger, s.audit, s.detOpts...)
	if err != nil {
		return nil, err
	}
	s.evaluators[source] = ev
	metrics.ActiveSources.Set(float64(len(s.evaluators)))
	return ev, nil
}

// Sources lists known sources in lexical order.
func (s *Supervisor) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.evaluators))
	for k := range s.evaluators {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Submit evaluates one set of readings for source.
func (s *Supervisor) Submit(ctx context.Context, source string, ts time.Time, raw features.Readings) (Result, error) {
	ev, err := s.Evaluator(source)
	if err != nil {
		return Result{}, err
	}
	res, err := ev.Evaluate(ctx, ts, raw)
	if err == nil && res.Record != nil {
		s.recordAnomaly(*res.Record)
	}
	return res, err
}

// WaitWarmup blocks until the warm-up retrain of source, if any, has
// finished. Unknown sources return immediately.
func (s *Supervisor) WaitWarmup(ctx context.Context, source string) error {
	s.mu.RLock()
	ev, ok := s.evaluators[source]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return ev.WaitWarmup(ctx)
}

// RetrainAll retrains every evaluator with bounded parallelism. Sources with
// too little history are skipped; other failures are joined.
func (s *Supervisor) RetrainAll(ctx context.Context) error {
	s.mu.RLock()
	evs := make([]*Evaluator, 0, len(s.evaluators))
	for _, ev := range s.evaluators {
		evs = append(evs, ev)
	}
	s.mu.RUnlock()

	errs := make([]error, len(evs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RetrainParallelism)
	for i, ev := range evs {
		g.Go(func() error {
			err := ev.Retrain(gctx)
			if errors.Is(err, types.ErrInsufficientHistory) {
				return nil
			}
			if err != nil {
				s.logger.Warn("retrain failed", zap.String("source", ev.Source()), zap.Error(err))
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Start begins the background retrain loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		if s.cfg.RetrainInterval <= 0 {
			close(s.doneCh)
			return
		}
		go func() {
			defer close(s.doneCh)
			ticker := time.NewTicker(s.cfg.RetrainInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					_ = s.RetrainAll(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Stop halts the retrain loop and waits for it to exit. Start must have
// been called.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// RecentAnomalies returns the cached anomalies, newest last, optionally
// filtered by source.
func (s *Supervisor) RecentAnomalies(source string) []types.AnomalyRecord {
	s.recentMu.RLock()
	defer s.recentMu.RUnlock()
	out := make([]types.AnomalyRecord, 0, len(s.recentAnomalies))
	for _, a := range s.recentAnomalies {
		if source == "" || a.Source == source {
			out = append(out, a)
		}
	}
	return out
}

func (s *Supervisor) recordAnomaly(rec types.AnomalyRecord) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	if len(s.recentAnomalies) >= maxRecentAnomalies {
		s.recentAnomalies = append(s.recentAnomalies[:0], s.recentAnomalies[1:]...)
	}
	s.recentAnomalies = append(s.recentAnomalies, rec)
}
