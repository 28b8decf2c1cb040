package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/metrics"
)

// DefaultTimeout bounds a single Explain call.
const DefaultTimeout = 20 * time.Second

// Config selects and tunes the narrative provider.
type Config struct {
	// Provider is "anthropic", "ollama" or "none".
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	MaxTokens int
}

// New builds the configured narrator wrapped in a Client. Provider "none" or
// empty yields Noop.
func New(cfg Config, logger *zap.Logger) (Narrator, error) {
	var inner Narrator
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return Noop{}, nil
	case "anthropic":
		n, err := NewAnthropicNarrator(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		inner = n
	case "ollama":
		inner = NewOllamaNarrator(cfg.BaseURL, cfg.Model, cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown narrative provider: %s", cfg.Provider)
	}
	return NewClient(strings.ToLower(cfg.Provider), inner, cfg.Timeout, logger), nil
}

// Client bounds a narrator with a timeout and a circuit breaker, records
// metrics and maps every failure to ErrExplanationUnavailable.
type Client struct {
	provider string
	inner    Narrator
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewClient wraps inner. A non-positive timeout means DefaultTimeout.
func NewClient(provider string, inner Narrator, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{provider: provider, inner: inner, timeout: timeout, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "narrative-" + provider,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("narrative circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Explain implements Narrator.
func (c *Client) Explain(ctx context.Context, p Payload) (string, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		text, err := c.call(ctx, p)
		if err == nil && text == "" {
			err = errors.New("empty narrative")
		}
		return text, err
	})
	metrics.NarrativeDuration.WithLabelValues(c.provider).Observe(time.Since(start).Seconds())

	if err != nil {
		status := "error"
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			status = "circuit_open"
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			status = "timeout"
		}
		metrics.NarrativeRequestsTotal.WithLabelValues(c.provider, status).Inc()
		c.logger.Warn("narrative unavailable",
			zap.String("provider", c.provider),
			zap.String("anomaly_id", p.AnomalyID),
			zap.String("status", status),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %v", ErrExplanationUnavailable, err)
	}
	metrics.NarrativeRequestsTotal.WithLabelValues(c.provider, "success").Inc()
	return out.(string), nil
}

type reply struct {
	text string
	err  error
}

// call runs the inner narrator and gives up when ctx ends, whether or not
// the narrator observes ctx. A late reply is discarded.
func (c *Client) call(ctx context.Context, p Payload) (string, error) {
	ch := make(chan reply, 1)
	go func() {
		text, err := c.inner.Explain(ctx, p)
		ch <- reply{text: text, err: err}
	}()
	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
