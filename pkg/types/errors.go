package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors. The typed errors below unwrap to these so callers can use
// either errors.Is or errors.As.
var (
	ErrSchemaMismatch      = errors.New("schema mismatch")
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrInvalidWeightConfig = errors.New("invalid ensemble weight config")
	ErrEnsembleUnavailable = errors.New("ensemble unavailable")
	ErrOutOfOrder          = errors.New("feature vector out of timestamp order")

	ErrExplanationUnavailable = errors.New("explanation unavailable")
)

// SchemaMismatchError reports raw readings that do not fit the feature schema.
// The input is rejected, never guessed at.
type SchemaMismatchError struct {
	Keys   []string
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch: %s: [%s]", e.Reason, strings.Join(e.Keys, ", "))
}

func (e *SchemaMismatchError) Unwrap() error { return ErrSchemaMismatch }

// InsufficientHistoryError means the window is not yet evaluable. It must
// never be read as "normal".
type InsufficientHistoryError struct {
	Have int
	Need int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history: have %d feature vectors, need %d", e.Have, e.Need)
}

func (e *InsufficientHistoryError) Unwrap() error { return ErrInsufficientHistory }

// InvalidWeightConfigError is raised when ensemble weights do not sum to 1.
type InvalidWeightConfigError struct {
	Weights map[string]float64
	Sum     float64
	Reason  string
}

func (e *InvalidWeightConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid ensemble weights: %s", e.Reason)
	}
	return fmt.Sprintf("invalid ensemble weights: sum is %.6f, must be 1.0", e.Sum)
}

func (e *InvalidWeightConfigError) Unwrap() error { return ErrInvalidWeightConfig }

// EnsembleUnavailableError is returned when every scorer failed. The window
// is unevaluated and the caller should alert.
type EnsembleUnavailableError struct {
	Failures map[string]error
}

func (e *EnsembleUnavailableError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return "ensemble unavailable: all scorers failed (" + strings.Join(parts, "; ") + ")"
}

func (e *EnsembleUnavailableError) Unwrap() error { return ErrEnsembleUnavailable }
