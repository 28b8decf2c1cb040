package db

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("db: not found")

// Sink receives assembled evaluations. The engine depends on this narrow
// interface only.
type Sink interface {
	// SaveEvaluation stores an anomaly record and, when present, its
	// root-cause result in one transaction.
	SaveEvaluation(ctx context.Context, rec types.AnomalyRecord, rc *types.RootCauseResult) error
}

// Store is the persistence layer for anomaly history.
type Store interface {
	Sink

	// QueryAnomalies lists anomaly records, newest first.
	QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]types.AnomalyRecord, error)

	// GetAnomaly returns one record by id.
	GetAnomaly(ctx context.Context, id string) (*types.AnomalyRecord, error)

	// GetRootCause returns the root-cause result attached to an anomaly.
	GetRootCause(ctx context.Context, anomalyID string) (*types.RootCauseResult, error)

	// AnomalySummary counts anomalies per severity within [from, to]. Zero
	// bounds are open.
	AnomalySummary(ctx context.Context, from, to time.Time) (map[types.Severity]int, error)

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// AnomalyQuery filters anomaly queries. Empty fields do not filter.
type AnomalyQuery struct {
	Source   string
	Severity types.Severity
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
