// Package ai wraps the summary model providers behind one text-in /
// text-out client with retry, backoff and circuit breaking.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/breaker"
	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/metrics"
)

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Provider is a pluggable completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, Usage, error)
}

// ProviderError carries the transport status for retry classification.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// terminal reports whether the error must not be retried.
func terminal(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == 401 || pe.StatusCode == 403
	}
	return false
}

// throttled reports whether the provider asked us to back off harder.
func throttled(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == 429
	}
	return false
}

// Client executes completions under the circuit breaker with exponential
// backoff. The breaker is owned here; workers consult it only through
// Available and the admin surface.
type Client struct {
	provider   Provider
	breaker    *breaker.Breaker
	logger     *slog.Logger
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
	configured bool
}

// New builds a Client for the configured provider. A missing API key
// yields a client that reports unavailable instead of an error, so the
// rest of the system boots without AI.
func New(cfg config.AIConfig, brk *breaker.Breaker, maxRetries int, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}

	client := &Client{
		breaker:    brk,
		logger:     logger,
		maxRetries: maxRetries,
		retryBase:  time.Second,
		retryMax:   30 * time.Second,
		configured: cfg.APIKey != "",
	}

	if !client.configured {
		logger.Warn("AI API key not set, summaries will use fallbacks",
			slog.String("provider", cfg.Provider))
		return client, nil
	}

	switch cfg.Provider {
	case "openai":
		client.provider = newOpenAIProvider(cfg)
	case "claude":
		client.provider = newAnthropicProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}

	logger.Info("AI client initialised",
		slog.String("provider", client.provider.Name()))
	return client, nil
}

// Available reports whether a call would be attempted right now.
func (c *Client) Available() bool {
	return c.configured && c.breaker.CanExecute()
}

// Breaker exposes the breaker for the admin endpoints.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// ErrUnavailable is returned when the client is unconfigured or the
// breaker refuses the call.
var ErrUnavailable = errors.New("ai client unavailable")

// Complete runs one completion with retries. Every attempt is gated and
// recorded on the breaker; 401/403 abort immediately, 429 backs off one
// doubling harder.
func (c *Client) Complete(ctx context.Context, system, user string) (string, Usage, error) {
	if !c.configured {
		return "", Usage{}, ErrUnavailable
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if !c.breaker.CanExecute() {
			if lastErr != nil {
				return "", Usage{}, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
			}
			return "", Usage{}, ErrUnavailable
		}

		start := time.Now()
		text, usage, err := c.provider.Complete(ctx, system, user)
		elapsed := time.Since(start)
		if err == nil {
			c.breaker.RecordSuccess()
			metrics.ObserveAICall(elapsed, metrics.OutcomeSuccess, usage.InputTokens, usage.OutputTokens)
			c.logger.Debug("AI completion succeeded",
				slog.Duration("latency", elapsed),
				slog.Int("input_tokens", usage.InputTokens),
				slog.Int("output_tokens", usage.OutputTokens))
			return text, usage, nil
		}

		c.breaker.RecordFailure(err)
		metrics.ObserveAICall(elapsed, metrics.OutcomeError, 0, 0)
		lastErr = err

		if terminal(err) {
			c.logger.Error("AI completion rejected, not retrying", slog.Any("error", err))
			return "", Usage{}, err
		}
		if ctx.Err() != nil {
			return "", Usage{}, ctx.Err()
		}
		if attempt == c.maxRetries {
			break
		}

		delay := c.backoff(attempt, throttled(err))
		c.logger.Warn("AI completion failed, backing off",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return "", Usage{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return "", Usage{}, fmt.Errorf("ai completion failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// backoff computes min(base * 2^attempt, max) plus up to 10% jitter.
// Throttled responses escalate one doubling early.
func (c *Client) backoff(attempt int, throttled bool) time.Duration {
	if throttled {
		attempt++
	}
	delay := c.retryBase << uint(attempt)
	if delay > c.retryMax || delay <= 0 {
		delay = c.retryMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}
