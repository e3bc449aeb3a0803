package pipewise

import (
	"errors"
	"fmt"
	"time"
)

// Configuration and protocol violations. These are terminal for the
// workflow and reported verbatim.
var (
	ErrDuplicateTool  = errors.New("duplicate tool")
	ErrInvalidSchema  = errors.New("invalid schema")
	ErrUnknownTool    = errors.New("unknown tool")
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrIllegalHandoff = errors.New("illegal handoff")
	ErrNoSuchServer   = errors.New("no such mcp server")
)

// LLMErrorClass classifies LLM client failures for retry handling.
type LLMErrorClass int

const (
	// Transient covers network failures and 5xx responses. Retried.
	Transient LLMErrorClass = iota
	// Permanent covers auth and invalid-request failures. Never retried.
	Permanent
	// RateLimited carries a retry-after hint. Retried after the hint.
	RateLimited
)

// String returns the class name for logs.
func (c LLMErrorClass) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case RateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// ErrLLM is a classified failure from an LLM client adapter.
type ErrLLM struct {
	Provider   string
	Class      LLMErrorClass
	Status     int // HTTP status when applicable, 0 otherwise
	Message    string
	RetryAfter time.Duration // only meaningful for RateLimited
}

func (e *ErrLLM) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (http %d): %s", e.Provider, e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Class, e.Message)
}

// Retryable reports whether the runner should retry this failure.
func (e *ErrLLM) Retryable() bool {
	return e.Class == Transient || e.Class == RateLimited
}

// DecodeError reports a structured-output validation failure. Path is the
// JSON instance location of the first violation ("/" for the root).
type DecodeError struct {
	Path    string
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("output does not match schema at %s: %s", e.Path, e.Message)
}

// FailReason is the machine-readable reason on a non-completed workflow.
type FailReason string

const (
	ReasonIterationLimit FailReason = "iteration_limit"
	ReasonHandoffLimit   FailReason = "handoff_limit"
	ReasonIllegalHandoff FailReason = "illegal_handoff"
	ReasonUpstreamError  FailReason = "upstream_error"
	ReasonDecodeError    FailReason = "decode_error"
	ReasonDeadline       FailReason = "deadline"
	ReasonCancelled      FailReason = "cancelled"
)
