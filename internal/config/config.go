package config

import "context"

// Package config provides configuration management for kubilitics-rca.
//
// Responsibilities:
//   - Load configuration from a YAML file, environment variables and defaults
//   - Validate configuration on startup and report every problem at once
//   - Translate configuration into the settings of the detection engine
//   - Watch the file and report changes (a restart applies them)
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (KUBILITICS_RCA_* prefix, "." replaced by "_")
//   2. YAML config file (default: /etc/kubilitics/rca.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - port: health and metrics listen port (default 9090)
//
//   2. Logging
//      - level, format, app_log_path, audit_log_path
//
//   3. Database
//      - enabled, sqlite_path
//
//   4. Features
//      - metrics: ordered metric names forming the schema
//      - lenient: drop unknown readings instead of rejecting them
//      - cyclical_time: append hour/day-of-week encodings
//
//   5. Baseline
//      - ring_size: recent raw values kept per feature
//
//   6. Ensemble
//      - weights: per-scorer weights, must sum to 1
//      - vote_threshold, severity cutoffs, min_history, lookback, auto_train
//      - isolation forest: trees, subsample, contamination, seed
//      - reconstruction: window, variance_retained
//      - z_threshold
//
//   7. RCA
//      - max_lag, significance, prune_threshold, top_attribution
//
//   8. Narrative
//      - provider: "anthropic" | "ollama" | "none"
//      - model, base_url, api_key, timeout_seconds, max_tokens
//
//   9. Retrain
//      - interval_seconds (0 disables), parallelism
//
// Configuration is immutable while the engine runs; Watch only reports.

// Config is the complete engine configuration.
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Logging struct {
		Level        string `yaml:"level"`
		Format       string `yaml:"format"`
		AppLogPath   string `yaml:"app_log_path"`
		AuditLogPath string `yaml:"audit_log_path"`
	} `yaml:"logging"`

	Database struct {
		Enabled    bool   `yaml:"enabled"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`

	Features struct {
		Metrics      []string `yaml:"metrics"`
		Lenient      bool     `yaml:"lenient"`
		CyclicalTime bool     `yaml:"cyclical_time"`
	} `yaml:"features"`

	Baseline struct {
		RingSize int `yaml:"ring_size"`
	} `yaml:"baseline"`

	Ensemble struct {
		Weights          map[string]float64 `yaml:"weights"`
		VoteThreshold    float64            `yaml:"vote_threshold"`
		SeverityCritical float64            `yaml:"severity_critical"`
		SeverityHigh     float64            `yaml:"severity_high"`
		SeverityMedium   float64            `yaml:"severity_medium"`
		MinHistory       int                `yaml:"min_history"`
		Lookback         int                `yaml:"lookback"`
		AutoTrain        bool               `yaml:"auto_train"`
		Trees            int                `yaml:"trees"`
		SubSample        int                `yaml:"subsample"`
		Contamination    float64            `yaml:"contamination"`
		Seed             int64              `yaml:"seed"`
		Window           int                `yaml:"window"`
		VarianceRetained float64            `yaml:"variance_retained"`
		ZThreshold       float64            `yaml:"z_threshold"`
	} `yaml:"ensemble"`

	RCA struct {
		MaxLag         int     `yaml:"max_lag"`
		Significance   float64 `yaml:"significance"`
		PruneThreshold float64 `yaml:"prune_threshold"`
		TopAttribution int     `yaml:"top_attribution"`
	} `yaml:"rca"`

	Narrative struct {
		Provider       string `yaml:"provider"`
		Model          string `yaml:"model"`
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxTokens      int    `yaml:"max_tokens"`
	} `yaml:"narrative"`

	Retrain struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		Parallelism     int `yaml:"parallelism"`
	} `yaml:"retrain"`
}

// ConfigManager is the interface for configuration management.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch reports configuration file changes. Changes are never applied
	// to a running engine.
	Watch(ctx context.Context) <-chan Config
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/rca.yaml", nil)
}
