package types

// Package types defines the records this engine hands to its persistence and
// narrative collaborators. Every type here is flat and JSON-compatible: floats,
// strings, timestamps and arrays of objects. No model state crosses this
// boundary.

import "time"

// Severity is the discrete tier derived from ensemble confidence.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Scorer identifiers.
const (
	ScorerIsolation      = "isolation"
	ScorerReconstruction = "sequence_reconstruction"
	ScorerStatistical    = "statistical"
)

// DetectorVote is one scorer's output for a single evaluation.
type DetectorVote struct {
	Scorer    string  `json:"scorer"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Vote      bool    `json:"vote"`
}

// AnomalyRecord is the assembled detection result for one evaluation that
// crossed the decision threshold.
type AnomalyRecord struct {
	ID              string             `json:"id"`
	DetectedAt      time.Time          `json:"detected_at"`
	Source          string             `json:"source"`
	IsAnomaly       bool               `json:"is_anomaly"`
	Confidence      float64            `json:"confidence"`
	Severity        Severity           `json:"severity,omitempty"`
	WeightedVote    float64            `json:"weighted_vote"`
	Scores          map[string]float64 `json:"scores"`
	DegradedScorers []string           `json:"degraded_scorers,omitempty"`
	FeatureSnapshot map[string]float64 `json:"feature_snapshot"`
	Narrative       string             `json:"narrative,omitempty"`
}

// PrimaryCause is the single feature judged most likely to explain an anomaly.
type PrimaryCause struct {
	Feature    string  `json:"feature"`
	Confidence float64 `json:"confidence"`
}

// ContributingFactor is a feature with its share of the anomaly score.
type ContributingFactor struct {
	Feature           string  `json:"feature"`
	AttributionWeight float64 `json:"attribution_weight"`
}

// TimelineEntry is one observation of a causal feature in the lookback window.
type TimelineEntry struct {
	Timestamp         time.Time `json:"timestamp"`
	Feature           string    `json:"feature"`
	Value             float64   `json:"value"`
	DeltaFromBaseline float64   `json:"delta_from_baseline"`
}

// CausalDirection qualifies a precedence test outcome.
type CausalDirection string

const (
	DirectionUnidirectional CausalDirection = "unidirectional"
	DirectionAmbiguous      CausalDirection = "ambiguous"
)

// CausalEdge says the past of Cause helps predict Effect at the given lag.
type CausalEdge struct {
	Cause      string          `json:"cause"`
	Effect     string          `json:"effect"`
	Lag        int             `json:"lag"`
	PValue     float64         `json:"p_value"`
	FStatistic float64         `json:"f_statistic"`
	Direction  CausalDirection `json:"direction"`
}

// CorrelationEntry holds the three association measures for one feature pair.
type CorrelationEntry struct {
	FeatureA          string  `json:"feature_a"`
	FeatureB          string  `json:"feature_b"`
	Pearson           float64 `json:"pearson"`
	Spearman          float64 `json:"spearman"`
	MutualInformation float64 `json:"mutual_information"`
}

// RootCauseResult explains one anomaly. AnomalyID is a back-reference only.
type RootCauseResult struct {
	AnomalyID           string               `json:"anomaly_id"`
	PrimaryCause        PrimaryCause         `json:"primary_cause"`
	ContributingFactors []ContributingFactor `json:"contributing_factors"`
	Timeline            []TimelineEntry      `json:"timeline"`
	CausalRanking       []CausalEdge         `json:"causal_ranking"`
	AmbiguousEdges      []CausalEdge         `json:"ambiguous_edges,omitempty"`
	SurvivingFeatures   []string             `json:"surviving_features"`
	LowCausalConfidence bool                 `json:"low_causal_confidence"`
	AnalyzedAt          time.Time            `json:"analyzed_at"`
}
