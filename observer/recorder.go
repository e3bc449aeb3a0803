package observer

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/pipewise/pipewise"
)

// Recorder implements pipewise.Recorder by mapping runtime events onto
// OTEL counters and histograms.
type Recorder struct {
	inst *Instruments
}

// NewRecorder builds a recorder over initialized instruments.
func NewRecorder(inst *Instruments) *Recorder {
	return &Recorder{inst: inst}
}

var _ pipewise.Recorder = (*Recorder)(nil)

// Record maps one event to its instrument. Unknown events are dropped;
// the event set is closed and versioned with the runtime.
func (r *Recorder) Record(ctx context.Context, event string, attrs ...pipewise.SpanAttr) {
	opt := metric.WithAttributes(toOTELAttrs(filtered(attrs))...)
	switch event {
	case pipewise.EventWorkflowStarted:
		r.inst.WorkflowsStarted.Add(ctx, 1, opt)
	case pipewise.EventWorkflowCompleted:
		r.inst.WorkflowsCompleted.Add(ctx, 1, opt)
		if d, ok := floatAttr(attrs, "duration_ms"); ok {
			r.inst.WorkflowDuration.Record(ctx, d, opt)
		}
	case pipewise.EventHandoffPerformed:
		r.inst.Handoffs.Add(ctx, 1, opt)
	case pipewise.EventToolInvoked:
		r.inst.ToolInvocations.Add(ctx, 1, opt)
		if d, ok := floatAttr(attrs, "duration_ms"); ok {
			r.inst.ToolDuration.Record(ctx, d, opt)
		}
	case pipewise.EventMCPDisconnected:
		r.inst.MCPDisconnects.Add(ctx, 1, opt)
	case pipewise.EventMCPReconnected:
		r.inst.MCPReconnects.Add(ctx, 1, opt)
	case pipewise.EventMemoryRecordSaved:
		r.inst.MemoryWrites.Add(ctx, 1, opt)
	case pipewise.EventLLMRetry:
		r.inst.LLMRetries.Add(ctx, 1, opt)
	}
}

// filtered drops high-cardinality attributes (ids, durations) from the
// metric dimensions.
func filtered(attrs []pipewise.SpanAttr) []pipewise.SpanAttr {
	out := make([]pipewise.SpanAttr, 0, len(attrs))
	for _, a := range attrs {
		if a.Key == "workflow" || a.Key == "duration_ms" {
			continue
		}
		out = append(out, a)
	}
	return out
}

func floatAttr(attrs []pipewise.SpanAttr, key string) (float64, bool) {
	for _, a := range attrs {
		if a.Key == key {
			if v, ok := a.Value.(float64); ok {
				return v, true
			}
		}
	}
	return 0, false
}
