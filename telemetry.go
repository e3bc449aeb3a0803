package pipewise

import (
	"context"
	"log/slog"
)

// Tracer creates spans for tracing workflow, agent-loop, handoff, and memory
// operations. The observer package provides an OTEL-backed implementation.
// When no Tracer is configured, span creation is skipped (nil check).
type Tracer interface {
	// Start creates a new span with the given name and optional attributes.
	// Returns a child context carrying the span and the span itself.
	// Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span represents a traced operation. Callers must call End() exactly once.
type Span interface {
	// SetAttr adds attributes to the span after creation.
	SetAttr(attrs ...SpanAttr)
	// Error records an error on the span and marks it as failed.
	Error(err error)
	// End completes the span.
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr creates a string-typed attribute.
func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

// IntAttr creates an int-typed attribute.
func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

// BoolAttr creates a bool-typed attribute.
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }

// Float64Attr creates a float64-typed attribute.
func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }

// Event names emitted through the Recorder. The runtime emits; nothing in
// this module ingests.
const (
	EventWorkflowStarted   = "workflow-started"
	EventWorkflowCompleted = "workflow-completed"
	EventHandoffPerformed  = "handoff-performed"
	EventToolInvoked       = "tool-invoked"
	EventMCPDisconnected   = "mcp-disconnected"
	EventMCPReconnected    = "mcp-reconnected"
	EventMemoryRecordSaved = "memory-record-saved"
	EventLLMRetry          = "llm-retry"
)

// Recorder receives telemetry events from the runtime. The observer package
// maps events to OTEL counters and histograms; NopRecorder discards them.
type Recorder interface {
	Record(ctx context.Context, event string, attrs ...SpanAttr)
}

// NopRecorder discards all events. Used when no telemetry is configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, string, ...SpanAttr) {}

// nopLogger is the fallback when no slog.Logger is injected.
var nopLogger = slog.New(slog.DiscardHandler)
