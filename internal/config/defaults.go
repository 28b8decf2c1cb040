package config

import (
	"time"

	"github.com/kubilitics/kubilitics-rca/internal/analytics/ensemble"
	"github.com/kubilitics/kubilitics-rca/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-rca/internal/analytics/rca"
	"github.com/kubilitics/kubilitics-rca/internal/audit"
	"github.com/kubilitics/kubilitics-rca/internal/baseline"
	"github.com/kubilitics/kubilitics-rca/internal/engine"
	"github.com/kubilitics/kubilitics-rca/internal/narrative"
)

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	ens := ensemble.DefaultConfig()
	rc := rca.DefaultConfig()

	cfg.Server.Port = 9090

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AuditLogPath = "logs/audit.log"

	cfg.Database.Enabled = true
	cfg.Database.SQLitePath = "data/rca.db"

	cfg.Features.Metrics = []string{}

	cfg.Baseline.RingSize = baseline.DefaultRingSize

	cfg.Ensemble.Weights = make(map[string]float64, len(ens.Weights))
	for k, v := range ens.Weights {
		cfg.Ensemble.Weights[k] = v
	}
	cfg.Ensemble.VoteThreshold = ens.VoteThreshold
	cfg.Ensemble.SeverityCritical = ens.Severity.Critical
	cfg.Ensemble.SeverityHigh = ens.Severity.High
	cfg.Ensemble.SeverityMedium = ens.Severity.Medium
	cfg.Ensemble.MinHistory = ens.MinHistory
	cfg.Ensemble.Lookback = engine.DefaultLookback
	cfg.Ensemble.AutoTrain = true
	cfg.Ensemble.Trees = ens.Forest.Trees
	cfg.Ensemble.SubSample = ens.Forest.SubSample
	cfg.Ensemble.Contamination = ens.Forest.Contamination
	cfg.Ensemble.Seed = ens.Forest.Seed
	cfg.Ensemble.Window = ens.Reconstruction.Window
	cfg.Ensemble.VarianceRetained = ens.Reconstruction.VarianceRetained
	cfg.Ensemble.ZThreshold = ens.ZThreshold

	cfg.RCA.MaxLag = rc.MaxLag
	cfg.RCA.Significance = rc.Significance
	cfg.RCA.PruneThreshold = rc.PruneThreshold
	cfg.RCA.TopAttribution = rc.TopAttribution

	cfg.Narrative.Provider = "none"
	cfg.Narrative.TimeoutSeconds = int(narrative.DefaultTimeout / time.Second)
	cfg.Narrative.MaxTokens = narrative.DefaultMaxTokens

	cfg.Retrain.IntervalSeconds = 3600
	cfg.Retrain.Parallelism = 4

	return cfg
}

// EnsembleConfig converts the ensemble section.
func (c *Config) EnsembleConfig() ensemble.Config {
	weights := make(map[string]float64, len(c.Ensemble.Weights))
	for k, v := range c.Ensemble.Weights {
		weights[k] = v
	}
	recon := ml.DefaultReconstructionConfig()
	recon.Window = c.Ensemble.Window
	recon.VarianceRetained = c.Ensemble.VarianceRetained
	return ensemble.Config{
		Weights:       weights,
		VoteThreshold: c.Ensemble.VoteThreshold,
		Severity: ensemble.SeverityCutoffs{
			Critical: c.Ensemble.SeverityCritical,
			High:     c.Ensemble.SeverityHigh,
			Medium:   c.Ensemble.SeverityMedium,
		},
		MinHistory: c.Ensemble.MinHistory,
		ZThreshold: c.Ensemble.ZThreshold,
		Forest: ml.ForestConfig{
			Trees:         c.Ensemble.Trees,
			SubSample:     c.Ensemble.SubSample,
			Contamination: c.Ensemble.Contamination,
			Seed:          c.Ensemble.Seed,
		},
		Reconstruction: recon,
	}
}

// RCAConfig converts the rca section.
func (c *Config) RCAConfig() rca.Config {
	rc := rca.DefaultConfig()
	rc.MaxLag = c.RCA.MaxLag
	rc.Significance = c.RCA.Significance
	rc.PruneThreshold = c.RCA.PruneThreshold
	rc.TopAttribution = c.RCA.TopAttribution
	return rc
}

// NarrativeConfig converts the narrative section.
func (c *Config) NarrativeConfig() narrative.Config {
	return narrative.Config{
		Provider:  c.Narrative.Provider,
		Model:     c.Narrative.Model,
		BaseURL:   c.Narrative.BaseURL,
		APIKey:    c.Narrative.APIKey,
		Timeout:   time.Duration(c.Narrative.TimeoutSeconds) * time.Second,
		MaxTokens: c.Narrative.MaxTokens,
	}
}

// SupervisorConfig converts the engine-facing sections.
func (c *Config) SupervisorConfig() engine.SupervisorConfig {
	return engine.SupervisorConfig{
		Settings: engine.Settings{
			Metrics:      append([]string(nil), c.Features.Metrics...),
			CyclicalTime: c.Features.CyclicalTime,
			Lenient:      c.Features.Lenient,
			RingSize:     c.Baseline.RingSize,
			Lookback:     c.Ensemble.Lookback,
			AutoTrain:    c.Ensemble.AutoTrain,
			Ensemble:     c.EnsembleConfig(),
			RCA:          c.RCAConfig(),
		},
		RetrainInterval:    time.Duration(c.Retrain.IntervalSeconds) * time.Second,
		RetrainParallelism: c.Retrain.Parallelism,
	}
}

// AuditConfig converts the logging section.
func (c *Config) AuditConfig() *audit.Config {
	ac := audit.DefaultConfig()
	ac.LogLevel = c.Logging.Level
	ac.Format = c.Logging.Format
	ac.AppLogPath = c.Logging.AppLogPath
	ac.AuditLogPath = c.Logging.AuditLogPath
	return ac
}
