package pipewise

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryOption configures the WithRetry decorator.
type RetryOption func(*retryClient)

// WithRetryAttempts sets the total number of attempts (first call included).
func WithRetryAttempts(n int) RetryOption {
	return func(c *retryClient) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithRetryBaseDelay sets the delay before the first retry. Subsequent
// delays grow by a factor of 4.
func WithRetryBaseDelay(d time.Duration) RetryOption {
	return func(c *retryClient) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithRetryLogger sets the logger for retry warnings.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(c *retryClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetryRecorder sets the telemetry recorder for retry events.
func WithRetryRecorder(r Recorder) RetryOption {
	return func(c *retryClient) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithRetry wraps an LLM client with classified retry. Transient errors
// retry on an exponential schedule; rate-limited errors wait at least the
// server's retry-after hint; permanent errors fail immediately. The default
// schedule is 3 attempts with delays of 500ms and 2s.
func WithRetry(inner LLMClient, opts ...RetryOption) LLMClient {
	c := &retryClient{
		inner:     inner,
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
		logger:    nopLogger,
		recorder:  NopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type retryClient struct {
	inner     LLMClient
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger
	recorder  Recorder
}

func (c *retryClient) Name() string { return c.inner.Name() }

func (c *retryClient) Generate(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var lastErr error
	delay := c.baseDelay
	for attempt := 1; attempt <= c.attempts; attempt++ {
		resp, err := c.inner.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var le *ErrLLM
		if !errors.As(err, &le) || !le.Retryable() || attempt == c.attempts {
			return ChatResponse{}, err
		}

		wait := delay
		if le.Class == RateLimited && le.RetryAfter > wait {
			wait = le.RetryAfter
		}
		c.logger.WarnContext(ctx, "llm call failed, retrying",
			"provider", c.inner.Name(),
			"class", le.Class.String(),
			"attempt", attempt,
			"wait", wait)
		c.recorder.Record(ctx, EventLLMRetry,
			StringAttr("provider", c.inner.Name()),
			StringAttr("class", le.Class.String()),
			IntAttr("attempt", attempt))

		select {
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		case <-time.After(wait):
		}
		delay *= 4
	}
	return ChatResponse{}, lastErr
}
