package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for detection audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	LogAnomaly(ctx context.Context, source, anomalyID, severity string, confidence float64) error
	LogDegraded(ctx context.Context, source string, scorers []string, cause error) error
	LogUnavailable(ctx context.Context, source string, cause error) error
	LogRetrained(ctx context.Context, source string, samples int, duration time.Duration, cause error) error
	LogNarrativeUnavailable(ctx context.Context, source, anomalyID string, cause error) error
	LogConfigChanged(ctx context.Context, file string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents logging configuration
type Config struct {
	// AuditLogPath is the path to the audit log file. Empty disables it.
	AuditLogPath string

	// AppLogPath is an optional file the application log is mirrored to
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string

	// Format is "json" or "console"
	Format string
}

// DefaultConfig returns default logging configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
		Format:       "json",
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func (c *Config) rotator(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
	}
}

// NewAppLogger builds the application logger: stderr plus, when AppLogPath
// is set, a rotated file.
func NewAppLogger(config *Config) (*zap.Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	var enc zapcore.Encoder
	switch strings.ToLower(config.Format) {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encoderConfig())
	case "console":
		enc = zapcore.NewConsoleEncoder(encoderConfig())
	default:
		return nil, fmt.Errorf("invalid log format %s", config.Format)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)}
	if config.AppLogPath != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig()),
			zapcore.AddSync(config.rotator(config.AppLogPath)),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. Events are buffered and flushed to
// the rotated audit file every second or every 100 events.
func NewLogger(config *Config, app *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if app == nil {
		app = zap.NewNop()
	}

	sink := zap.NewNop()
	if config.AuditLogPath != "" {
		// Audit logs are always INFO level
		sink = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig()),
			zapcore.AddSync(config.rotator(config.AuditLogPath)),
			zapcore.InfoLevel,
		))
	}

	logger := &auditLogger{
		appLogger:   app,
		auditLogger: sink,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	// Start auto-flush goroutine
	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("source", event.Source),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogAnomaly records a positive detection
func (l *auditLogger) LogAnomaly(ctx context.Context, source, anomalyID, severity string, confidence float64) error {
	event := NewEvent(EventAnomalyDetected).
		WithSource(source).
		WithAnomalyID(anomalyID).
		WithMetadata("severity", severity).
		WithMetadata("confidence", confidence).
		WithDescription(fmt.Sprintf("%s anomaly on %s", severity, source))

	return l.Log(ctx, event)
}

// LogDegraded records scorers dropped from an evaluation
func (l *auditLogger) LogDegraded(ctx context.Context, source string, scorers []string, cause error) error {
	event := NewEvent(EventEnsembleDegraded).
		WithSource(source).
		WithResult(ResultDegraded).
		WithMetadata("failed_scorers", scorers).
		WithDescription(fmt.Sprintf("ensemble degraded on %s: %s failed", source, strings.Join(scorers, ",")))
	if cause != nil {
		event.Error = cause.Error()
	}

	return l.Log(ctx, event)
}

// LogUnavailable records an evaluation where every scorer failed
func (l *auditLogger) LogUnavailable(ctx context.Context, source string, cause error) error {
	event := NewEvent(EventEnsembleUnavailable).
		WithSource(source).
		WithError(cause).
		WithDescription(fmt.Sprintf("no scorer produced a score for %s", source))

	return l.Log(ctx, event)
}

// LogRetrained records a model retrain attempt
func (l *auditLogger) LogRetrained(ctx context.Context, source string, samples int, duration time.Duration, cause error) error {
	eventType := EventModelRetrained
	if cause != nil {
		eventType = EventRetrainFailed
	}
	event := NewEvent(eventType).
		WithSource(source).
		WithDuration(duration).
		WithMetadata("samples", samples).
		WithError(cause)

	return l.Log(ctx, event)
}

// LogNarrativeUnavailable records a narrative that could not be produced
func (l *auditLogger) LogNarrativeUnavailable(ctx context.Context, source, anomalyID string, cause error) error {
	event := NewEvent(EventNarrativeUnavailable).
		WithSource(source).
		WithAnomalyID(anomalyID).
		WithError(cause)

	return l.Log(ctx, event)
}

// LogConfigChanged records an on-disk configuration change
func (l *auditLogger) LogConfigChanged(ctx context.Context, file string) error {
	event := NewEvent(EventConfigChanged).
		WithMetadata("file", file).
		WithDescription("configuration file changed; restart required to apply")

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.auditLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

// nopLogger discards every event
type nopLogger struct{}

// NewNopLogger returns a Logger that drops everything. Used in tests and when
// auditing is disabled.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Log(context.Context, *Event) error { return nil }
func (nopLogger) LogAnomaly(context.Context, string, string, string, float64) error {
	return nil
}
func (nopLogger) LogDegraded(context.Context, string, []string, error) error { return nil }
func (nopLogger) LogUnavailable(context.Context, string, error) error        { return nil }
func (nopLogger) LogRetrained(context.Context, string, int, time.Duration, error) error {
	return nil
}
func (nopLogger) LogNarrativeUnavailable(context.Context, string, string, error) error {
	return nil
}
func (nopLogger) LogConfigChanged(context.Context, string) error { return nil }
func (nopLogger) Sync() error                                    { return nil }
func (nopLogger) Close() error                                   { return nil }
