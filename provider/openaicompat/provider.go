package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pipewise/pipewise"
)

// defaultTimeout bounds one chat completion round trip.
const defaultTimeout = 60 * time.Second

// Provider implements pipewise.LLMClient over any OpenAI-compatible chat
// completions endpoint. Wrap it with pipewise.WithRetry at bootstrap; the
// provider itself classifies failures but never retries.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name used in errors and logs.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client, e.g. to change the timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// New creates a provider. baseURL is the API base, e.g.
// "https://api.openai.com/v1"; the /chat/completions path is appended.
// model is the default when a request names none.
func New(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Generate sends one chat completion request and returns the complete
// assistant message, tool calls included.
func (p *Provider) Generate(ctx context.Context, req pipewise.ChatRequest) (pipewise.ChatResponse, error) {
	body := buildBody(req, p.model)
	payload, err := json.Marshal(body)
	if err != nil {
		return pipewise.ChatResponse{}, p.permanent(0, fmt.Sprintf("marshal request: %v", err))
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return pipewise.ChatResponse{}, p.permanent(0, fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return pipewise.ChatResponse{}, ctx.Err()
		}
		return pipewise.ChatResponse{}, &pipewise.ErrLLM{
			Provider: p.name,
			Class:    pipewise.Transient,
			Message:  err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pipewise.ChatResponse{}, p.httpErr(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return pipewise.ChatResponse{}, &pipewise.ErrLLM{
			Provider: p.name,
			Class:    pipewise.Transient,
			Message:  fmt.Sprintf("decode response: %v", err),
		}
	}
	return parseResponse(parsed), nil
}

// httpErr classifies a non-200 response: 429 is rate-limited with the
// Retry-After hint, 5xx is transient, everything else is permanent.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	e := &pipewise.ErrLLM{
		Provider: p.name,
		Status:   resp.StatusCode,
		Message:  string(body),
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Class = pipewise.RateLimited
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		e.Class = pipewise.Transient
	default:
		e.Class = pipewise.Permanent
	}
	return e
}

func (p *Provider) permanent(status int, msg string) error {
	return &pipewise.ErrLLM{Provider: p.name, Class: pipewise.Permanent, Status: status, Message: msg}
}

// parseRetryAfter handles both forms of the header: delta-seconds and an
// HTTP date. Returns 0 when absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

var _ pipewise.LLMClient = (*Provider)(nil)
