package pipewise

import (
	"context"
	"errors"
	"testing"
	"time"
)

func transientErr() error {
	return &ErrLLM{Provider: "mock", Class: Transient, Status: 503, Message: "upstream"}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	inner := &mockLLM{script: []mockTurn{
		{err: transientErr()},
		finalTurn("ok"),
	}}
	rec := &captureRecorder{}
	client := WithRetry(inner,
		WithRetryBaseDelay(time.Millisecond),
		WithRetryRecorder(rec))

	resp, err := client.Generate(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if inner.calls != 2 {
		t.Errorf("calls = %d, want 2", inner.calls)
	}
	if n := rec.count(EventLLMRetry); n != 1 {
		t.Errorf("retry events = %d, want 1", n)
	}
}

func TestRetryPermanentFailsFast(t *testing.T) {
	inner := &mockLLM{script: []mockTurn{
		{err: &ErrLLM{Provider: "mock", Class: Permanent, Status: 401, Message: "bad key"}},
		finalTurn("never reached"),
	}}
	client := WithRetry(inner, WithRetryBaseDelay(time.Millisecond))

	_, err := client.Generate(context.Background(), ChatRequest{})
	var le *ErrLLM
	if !errors.As(err, &le) || le.Class != Permanent {
		t.Fatalf("want permanent ErrLLM, got %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	inner := &mockLLM{script: []mockTurn{
		{err: transientErr()},
		{err: transientErr()},
		{err: transientErr()},
	}}
	client := WithRetry(inner,
		WithRetryAttempts(3),
		WithRetryBaseDelay(time.Millisecond))

	_, err := client.Generate(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("want error after exhausting attempts")
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryRateLimitedHonorsHint(t *testing.T) {
	hint := 30 * time.Millisecond
	inner := &mockLLM{script: []mockTurn{
		{err: &ErrLLM{Provider: "mock", Class: RateLimited, Status: 429, RetryAfter: hint}},
		finalTurn("ok"),
	}}
	client := WithRetry(inner, WithRetryBaseDelay(time.Millisecond))

	start := time.Now()
	_, err := client.Generate(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if elapsed := time.Since(start); elapsed < hint {
		t.Errorf("retried after %v, want at least %v", elapsed, hint)
	}
}

func TestRetryPlainErrorNotRetried(t *testing.T) {
	inner := &mockLLM{script: []mockTurn{
		{err: errors.New("not a classified error")},
		finalTurn("never reached"),
	}}
	client := WithRetry(inner, WithRetryBaseDelay(time.Millisecond))

	if _, err := client.Generate(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("want error")
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	inner := &mockLLM{script: []mockTurn{
		{err: transientErr()},
		finalTurn("never reached"),
	}}
	client := WithRetry(inner, WithRetryBaseDelay(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.Generate(ctx, ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}
