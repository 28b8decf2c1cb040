package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/db"
	"github.com/kubilitics/kubilitics-rca/internal/metrics"
	"github.com/kubilitics/kubilitics-rca/internal/narrative"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// Assembler merges a decision, its root-cause result and an optional
// narrative into the records handed to the sink.
type Assembler struct {
	narrator narrative.Narrator
	sink     db.Sink
	logger   *zap.Logger
	audit    audit.Logger
}

// NewAssembler creates an assembler. Nil collaborators are replaced with
// no-op implementations.
func NewAssembler(narrator narrative.Narrator, sink db.Sink, logger *zap.Logger, auditLog audit.Logger) *Assembler {
	if narrator == nil {
		narrator = narrative.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	return &Assembler{narrator: narrator, sink: sink, logger: logger, audit: auditLog}
}

// Assemble builds the anomaly record for id, attaches a narrative when one
// can be produced and persists both records. Narrative and sink failures are
// logged and counted; they never change the decision.
func (a *Assembler) Assemble(ctx context.Context, id string, vec types.FeatureVector, dec ensemble.Decision, rc types.RootCauseResult) types.AnomalyRecord {
	rec := types.AnomalyRecord{
		ID:              id,
		DetectedAt:      vec.Timestamp(),
		Source:          vec.Source(),
		IsAnomaly:       dec.IsAnomaly,
		Confidence:      dec.Confidence,
		Severity:        dec.Severity,
		WeightedVote:    dec.WeightedTotal,
		Scores:          dec.Scores(),
		DegradedScorers: append([]string(nil), dec.Degraded...),
		FeatureSnapshot: vec.Snapshot(),
	}
	rc.AnomalyID = id

	text, err := a.narrator.Explain(ctx, narrative.NewPayload(rec, rc))
	if err != nil {
		if !errors.Is(err, narrative.ErrExplanationUnavailable) {
			err = errors.Join(narrative.ErrExplanationUnavailable, err)
		}
		_ = a.audit.LogNarrativeUnavailable(ctx, rec.Source, id, err)
		a.logger.Debug("narrative skipped", zap.String("anomaly_id", id), zap.Error(err))
	} else {
		rec.Narrative = text
	}

	if a.sink != nil {
		if err := a.sink.SaveEvaluation(ctx, rec, &rc); err != nil {
			metrics.SinkWritesTotal.WithLabelValues("failure").Inc()
			a.logger.Error("failed to persist evaluation",
				zap.String("anomaly_id", id),
				zap.String("source", rec.Source),
				zap.Error(err),
			)
		} else {
			metrics.SinkWritesTotal.WithLabelValues("success").Inc()
		}
	}
	return rec
}
