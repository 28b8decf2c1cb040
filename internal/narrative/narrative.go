package narrative

// Package narrative turns an assembled root-cause result into prose through
// an external language model. The engine treats the narrative as optional:
// any failure surfaces as ErrExplanationUnavailable and leaves the decision
// untouched.

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// PayloadVersion identifies the schema of Payload.
const PayloadVersion = "rca.narrative/v1"

// ErrExplanationUnavailable is returned when no narrative could be produced.
var ErrExplanationUnavailable = types.ErrExplanationUnavailable

// Payload is everything a narrator may see about one anomaly.
type Payload struct {
	Version             string                     `json:"version"`
	AnomalyID           string                     `json:"anomaly_id"`
	Source              string                     `json:"source"`
	DetectedAt          time.Time                  `json:"detected_at"`
	Severity            types.Severity             `json:"severity"`
	Confidence          float64                    `json:"confidence"`
	PrimaryCause        types.PrimaryCause         `json:"primary_cause"`
	ContributingFactors []types.ContributingFactor `json:"contributing_factors"`
	Timeline            []types.TimelineEntry      `json:"timeline"`
	LowCausalConfidence bool                       `json:"low_causal_confidence"`
}

// NewPayload builds the narrator payload from an anomaly and its explanation.
func NewPayload(rec types.AnomalyRecord, rc types.RootCauseResult) Payload {
	return Payload{
		Version:             PayloadVersion,
		AnomalyID:           rec.ID,
		Source:              rec.Source,
		DetectedAt:          rec.DetectedAt,
		Severity:            rec.Severity,
		Confidence:          rec.Confidence,
		PrimaryCause:        rc.PrimaryCause,
		ContributingFactors: rc.ContributingFactors,
		Timeline:            rc.Timeline,
		LowCausalConfidence: rc.LowCausalConfidence,
	}
}

// Narrator produces a human-readable explanation of a payload.
type Narrator interface {
	Explain(ctx context.Context, p Payload) (string, error)
}

// Noop never explains anything. It is used when no provider is configured.
type Noop struct{}

// Explain always returns ErrExplanationUnavailable.
func (Noop) Explain(context.Context, Payload) (string, error) {
	return "", ErrExplanationUnavailable
}
