package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/engine"
	"github.com/kubilitics/kubilitics-rca/internal/features"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// ReplayLine is one JSON line of a replay file.
type ReplayLine struct {
	Source    string             `json:"source"`
	Timestamp time.Time          `json:"timestamp"`
	Readings  map[string]float64 `json:"readings"`
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Lines     int
	Evaluated int
	Anomalies int
	Warmup    int
	Rejected  int
	// Unavailable counts readings no scorer could score.
	Unavailable int
}

const maxReplayLine = 1 << 20

// Replay submits every line of r to sup in order. Readings rejected by the
// engine are counted and skipped; malformed JSON stops the replay.
func Replay(ctx context.Context, sup *engine.Supervisor, r io.Reader, logger *zap.Logger) (ReplayStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var stats ReplayStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		stats.Lines++

		var line ReplayLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return stats, fmt.Errorf("line %d: %w", stats.Lines, err)
		}
		if line.Source == "" {
			return stats, fmt.Errorf("line %d: source is required", stats.Lines)
		}

		res, err := sup.Submit(ctx, line.Source, line.Timestamp, features.Readings(line.Readings))
		switch {
		case err == nil:
			stats.Evaluated++
			if res.Record != nil {
				stats.Anomalies++
			}
		case errors.Is(err, types.ErrInsufficientHistory):
			stats.Warmup++
			// keep offline runs deterministic: later lines see the warm model
			if err := sup.WaitWarmup(ctx, line.Source); err != nil {
				return stats, err
			}
		case errors.Is(err, types.ErrSchemaMismatch), errors.Is(err, types.ErrOutOfOrder):
			stats.Rejected++
			logger.Warn("replay line rejected", zap.Int("line", stats.Lines), zap.Error(err))
		case errors.Is(err, types.ErrEnsembleUnavailable):
			stats.Unavailable++
		default:
			return stats, fmt.Errorf("line %d: %w", stats.Lines, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}
