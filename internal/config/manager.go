package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KUBILITICS_RCA"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	fileLoaded bool
	watchChan  chan Config
	logger     *zap.Logger
}

// NewConfigManager creates a manager for the file at configPath. A missing
// file is not an error; defaults and environment apply.
func NewConfigManager(configPath string, logger *zap.Logger) (ConfigManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
		logger:     logger,
	}, nil
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	m.fileLoaded = false
	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		m.logger.Info("config file not found, using defaults", zap.String("path", m.configPath))
	} else {
		m.fileLoaded = true
	}

	cfg, err := m.decode()
	if err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	applyEnvOverrides(cfg)
	m.config = cfg
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch publishes the on-disk configuration each time the file changes.
// The running configuration is left untouched; a restart applies changes.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil || !m.fileLoaded {
		return m.watchChan
	}
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := m.decode()
		if err != nil {
			m.logger.Warn("changed config could not be decoded", zap.String("file", e.Name), zap.Error(err))
			return
		}
		applyEnvOverrides(cfg)
		m.logger.Warn("config file changed, restart required to apply", zap.String("file", e.Name))
		select {
		case m.watchChan <- *cfg:
		default:
		}
	})
	m.viper.WatchConfig()
	return m.watchChan
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("server.port", d.Server.Port)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.format", d.Logging.Format)
	m.viper.SetDefault("logging.app_log_path", d.Logging.AppLogPath)
	m.viper.SetDefault("logging.audit_log_path", d.Logging.AuditLogPath)

	m.viper.SetDefault("database.enabled", d.Database.Enabled)
	m.viper.SetDefault("database.sqlite_path", d.Database.SQLitePath)

	m.viper.SetDefault("features.metrics", d.Features.Metrics)
	m.viper.SetDefault("features.lenient", d.Features.Lenient)
	m.viper.SetDefault("features.cyclical_time", d.Features.CyclicalTime)

	m.viper.SetDefault("baseline.ring_size", d.Baseline.RingSize)

	m.viper.SetDefault("ensemble.weights", d.Ensemble.Weights)
	m.viper.SetDefault("ensemble.vote_threshold", d.Ensemble.VoteThreshold)
	m.viper.SetDefault("ensemble.severity_critical", d.Ensemble.SeverityCritical)
	m.viper.SetDefault("ensemble.severity_high", d.Ensemble.SeverityHigh)
	m.viper.SetDefault("ensemble.severity_medium", d.Ensemble.SeverityMedium)
	m.viper.SetDefault("ensemble.min_history", d.Ensemble.MinHistory)
	m.viper.SetDefault("ensemble.lookback", d.Ensemble.Lookback)
	m.viper.SetDefault("ensemble.auto_train", d.Ensemble.AutoTrain)
	m.viper.SetDefault("ensemble.trees", d.Ensemble.Trees)
	m.viper.SetDefault("ensemble.subsample", d.Ensemble.SubSample)
	m.viper.SetDefault("ensemble.contamination", d.Ensemble.Contamination)
	m.viper.SetDefault("ensemble.seed", d.Ensemble.Seed)
	m.viper.SetDefault("ensemble.window", d.Ensemble.Window)
	m.viper.SetDefault("ensemble.variance_retained", d.Ensemble.VarianceRetained)
	m.viper.SetDefault("ensemble.z_threshold", d.Ensemble.ZThreshold)

	m.viper.SetDefault("rca.max_lag", d.RCA.MaxLag)
	m.viper.SetDefault("rca.significance", d.RCA.Significance)
	m.viper.SetDefault("rca.prune_threshold", d.RCA.PruneThreshold)
	m.viper.SetDefault("rca.top_attribution", d.RCA.TopAttribution)

	m.viper.SetDefault("narrative.provider", d.Narrative.Provider)
	m.viper.SetDefault("narrative.model", d.Narrative.Model)
	m.viper.SetDefault("narrative.base_url", d.Narrative.BaseURL)
	m.viper.SetDefault("narrative.api_key", d.Narrative.APIKey)
	m.viper.SetDefault("narrative.timeout_seconds", d.Narrative.TimeoutSeconds)
	m.viper.SetDefault("narrative.max_tokens", d.Narrative.MaxTokens)

	m.viper.SetDefault("retrain.interval_seconds", d.Retrain.IntervalSeconds)
	m.viper.SetDefault("retrain.parallelism", d.Retrain.Parallelism)
}

// decode reads the merged viper state into a fresh Config.
func (m *viperConfigManager) decode() (*Config, error) {
	cfg := &Config{}

	cfg.Server.Port = m.viper.GetInt("server.port")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")

	cfg.Database.Enabled = m.viper.GetBool("database.enabled")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	cfg.Features.Metrics = m.viper.GetStringSlice("features.metrics")
	cfg.Features.Lenient = m.viper.GetBool("features.lenient")
	cfg.Features.CyclicalTime = m.viper.GetBool("features.cyclical_time")

	cfg.Baseline.RingSize = m.viper.GetInt("baseline.ring_size")

	if err := m.viper.UnmarshalKey("ensemble.weights", &cfg.Ensemble.Weights); err != nil {
		return nil, fmt.Errorf("ensemble.weights: %w", err)
	}
	cfg.Ensemble.VoteThreshold = m.viper.GetFloat64("ensemble.vote_threshold")
	cfg.Ensemble.SeverityCritical = m.viper.GetFloat64("ensemble.severity_critical")
	cfg.Ensemble.SeverityHigh = m.viper.GetFloat64("ensemble.severity_high")
	cfg.Ensemble.SeverityMedium = m.viper.GetFloat64("ensemble.severity_medium")
	cfg.Ensemble.MinHistory = m.viper.GetInt("ensemble.min_history")
	cfg.Ensemble.Lookback = m.viper.GetInt("ensemble.lookback")
	cfg.Ensemble.AutoTrain = m.viper.GetBool("ensemble.auto_train")
	cfg.Ensemble.Trees = m.viper.GetInt("ensemble.trees")
	cfg.Ensemble.SubSample = m.viper.GetInt("ensemble.subsample")
	cfg.Ensemble.Contamination = m.viper.GetFloat64("ensemble.contamination")
	cfg.Ensemble.Seed = m.viper.GetInt64("ensemble.seed")
	cfg.Ensemble.Window = m.viper.GetInt("ensemble.window")
	cfg.Ensemble.VarianceRetained = m.viper.GetFloat64("ensemble.variance_retained")
	cfg.Ensemble.ZThreshold = m.viper.GetFloat64("ensemble.z_threshold")

	cfg.RCA.MaxLag = m.viper.GetInt("rca.max_lag")
	cfg.RCA.Significance = m.viper.GetFloat64("rca.significance")
	cfg.RCA.PruneThreshold = m.viper.GetFloat64("rca.prune_threshold")
	cfg.RCA.TopAttribution = m.viper.GetInt("rca.top_attribution")

	cfg.Narrative.Provider = m.viper.GetString("narrative.provider")
	cfg.Narrative.Model = m.viper.GetString("narrative.model")
	cfg.Narrative.BaseURL = m.viper.GetString("narrative.base_url")
	cfg.Narrative.APIKey = m.viper.GetString("narrative.api_key")
	cfg.Narrative.TimeoutSeconds = m.viper.GetInt("narrative.timeout_seconds")
	cfg.Narrative.MaxTokens = m.viper.GetInt("narrative.max_tokens")

	cfg.Retrain.IntervalSeconds = m.viper.GetInt("retrain.interval_seconds")
	cfg.Retrain.Parallelism = m.viper.GetInt("retrain.parallelism")

	return cfg, nil
}

// applyEnvOverrides fills provider credentials from their conventional
// environment variables when the config leaves them empty.
func applyEnvOverrides(cfg *Config) {
	if cfg.Narrative.APIKey == "" && cfg.Narrative.Provider == "anthropic" {
		if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
			cfg.Narrative.APIKey = apiKey
		}
	}
	if cfg.Narrative.BaseURL == "" && cfg.Narrative.Provider == "ollama" {
		if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
			cfg.Narrative.BaseURL = baseURL
		}
	}
}
