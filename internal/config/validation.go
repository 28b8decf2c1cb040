package config

import (
	"fmt"
	"strings"

	"github.com/kubilitics/kubilitics-rca/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-rca/pkg/types"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns every problem found.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level", "invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "json" && f != "console" {
		add("logging.format", "invalid format '%s', must be json or console", c.Logging.Format)
	}

	if c.Database.Enabled && c.Database.SQLitePath == "" {
		add("database.sqlite_path", "sqlite_path is required when the database is enabled")
	}

	if len(c.Features.Metrics) == 0 {
		add("features.metrics", "at least one metric is required")
	}
	seen := make(map[string]bool, len(c.Features.Metrics))
	for _, name := range c.Features.Metrics {
		if name == "" {
			add("features.metrics", "metric names cannot be empty")
			continue
		}
		if seen[name] {
			add("features.metrics", "duplicate metric '%s'", name)
		}
		seen[name] = true
	}

	if c.Baseline.RingSize < 1 {
		add("baseline.ring_size", "ring_size must be at least 1, got %d", c.Baseline.RingSize)
	}

	scorers := []string{types.ScorerIsolation, types.ScorerReconstruction, types.ScorerStatistical}
	if err := ensemble.ValidateWeights(c.Ensemble.Weights, scorers); err != nil {
		add("ensemble.weights", "%v", err)
	}
	if c.Ensemble.VoteThreshold < 0 || c.Ensemble.VoteThreshold > 1 {
		add("ensemble.vote_threshold", "vote_threshold must be within [0,1], got %g", c.Ensemble.VoteThreshold)
	}
	if !(c.Ensemble.SeverityCritical >= c.Ensemble.SeverityHigh && c.Ensemble.SeverityHigh >= c.Ensemble.SeverityMedium) {
		add("ensemble.severity", "cutoffs must satisfy critical >= high >= medium")
	}
	if c.Ensemble.MinHistory < 2 {
		add("ensemble.min_history", "min_history must be at least 2, got %d", c.Ensemble.MinHistory)
	}
	if c.Ensemble.Lookback < c.Ensemble.MinHistory {
		add("ensemble.lookback", "lookback %d is smaller than min_history %d", c.Ensemble.Lookback, c.Ensemble.MinHistory)
	}
	if c.Ensemble.Trees < 1 {
		add("ensemble.trees", "trees must be at least 1, got %d", c.Ensemble.Trees)
	}
	if c.Ensemble.SubSample < 2 {
		add("ensemble.subsample", "subsample must be at least 2, got %d", c.Ensemble.SubSample)
	}
	if c.Ensemble.Contamination <= 0 || c.Ensemble.Contamination >= 0.5 {
		add("ensemble.contamination", "contamination must be within (0,0.5), got %g", c.Ensemble.Contamination)
	}
	if c.Ensemble.Window < 1 {
		add("ensemble.window", "window must be at least 1, got %d", c.Ensemble.Window)
	}
	if c.Ensemble.VarianceRetained <= 0 || c.Ensemble.VarianceRetained > 1 {
		add("ensemble.variance_retained", "variance_retained must be within (0,1], got %g", c.Ensemble.VarianceRetained)
	}
	if c.Ensemble.ZThreshold <= 0 {
		add("ensemble.z_threshold", "z_threshold must be positive, got %g", c.Ensemble.ZThreshold)
	}

	if c.RCA.MaxLag < 1 {
		add("rca.max_lag", "max_lag must be at least 1, got %d", c.RCA.MaxLag)
	}
	if c.RCA.Significance <= 0 || c.RCA.Significance >= 1 {
		add("rca.significance", "significance must be within (0,1), got %g", c.RCA.Significance)
	}
	if c.RCA.PruneThreshold < 0 || c.RCA.PruneThreshold >= 1 {
		add("rca.prune_threshold", "prune_threshold must be within [0,1), got %g", c.RCA.PruneThreshold)
	}
	if c.RCA.TopAttribution < 1 {
		add("rca.top_attribution", "top_attribution must be at least 1, got %d", c.RCA.TopAttribution)
	}

	switch c.Narrative.Provider {
	case "", "none", "ollama":
	case "anthropic":
		if c.Narrative.APIKey == "" {
			add("narrative.api_key", "api_key or ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	default:
		add("narrative.provider", "invalid provider '%s', must be one of: anthropic, ollama, none", c.Narrative.Provider)
	}
	if c.Narrative.TimeoutSeconds < 1 {
		add("narrative.timeout_seconds", "timeout_seconds must be at least 1, got %d", c.Narrative.TimeoutSeconds)
	}
	if c.Narrative.MaxTokens < 1 {
		add("narrative.max_tokens", "max_tokens must be at least 1, got %d", c.Narrative.MaxTokens)
	}

	if c.Retrain.IntervalSeconds < 0 {
		add("retrain.interval_seconds", "interval_seconds cannot be negative, got %d", c.Retrain.IntervalSeconds)
	}
	if c.Retrain.Parallelism < 1 {
		add("retrain.parallelism", "parallelism must be at least 1, got %d", c.Retrain.Parallelism)
	}

	return errs
}
