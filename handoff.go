package pipewise

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// HandoffCallback observes a transfer between two specific agents.
// Callbacks are instrumentation; a callback error is logged, never fatal,
// and never blocks the transfer.
type HandoffCallback func(ctx context.Context, req HandoffRequest) error

// HandoffCompletedCallback observes the end of a transfer, after the target
// agent finished its contribution. elapsed measures from the transfer to
// that point.
type HandoffCompletedCallback func(ctx context.Context, req HandoffRequest, elapsed time.Duration) error

type callbackKey struct{ from, to string }

// HandoffOutcome is what the orchestrator needs to resume on the target
// agent: the agent id and the memory carried across the boundary.
type HandoffOutcome struct {
	NextAgent string
	// Carried holds the source agent's recent records for the workflow,
	// oldest first, so the target can be briefed.
	Carried []*MemoryRecord
	Entry   HandoffEntry
}

// HandoffEngine validates and executes transfers between agents.
type HandoffEngine struct {
	agents   *AgentSet
	memory   *MemoryManager
	clock    Clock
	logger   *slog.Logger
	recorder Recorder

	pre  map[callbackKey][]HandoffCallback
	post map[callbackKey][]HandoffCompletedCallback
}

// HandoffOption configures a HandoffEngine.
type HandoffOption func(*HandoffEngine)

// WithHandoffClock injects a clock for tests.
func WithHandoffClock(c Clock) HandoffOption {
	return func(e *HandoffEngine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithHandoffLogger sets the logger.
func WithHandoffLogger(l *slog.Logger) HandoffOption {
	return func(e *HandoffEngine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithHandoffRecorder sets the telemetry recorder.
func WithHandoffRecorder(r Recorder) HandoffOption {
	return func(e *HandoffEngine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// NewHandoffEngine builds an engine over a validated agent set.
func NewHandoffEngine(agents *AgentSet, memory *MemoryManager, opts ...HandoffOption) *HandoffEngine {
	e := &HandoffEngine{
		agents:   agents,
		memory:   memory,
		clock:    SystemClock,
		logger:   nopLogger,
		recorder: NopRecorder{},
		pre:      make(map[callbackKey][]HandoffCallback),
		post:     make(map[callbackKey][]HandoffCompletedCallback),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnBefore registers a callback that fires before a (from, to) transfer.
func (e *HandoffEngine) OnBefore(from, to string, cb HandoffCallback) {
	k := callbackKey{from, to}
	e.pre[k] = append(e.pre[k], cb)
}

// OnAfter registers a callback that fires once the target agent of a
// (from, to) transfer has completed its contribution, success or failure.
func (e *HandoffEngine) OnAfter(from, to string, cb HandoffCompletedCallback) {
	k := callbackKey{from, to}
	e.post[k] = append(e.post[k], cb)
}

// CanHandoff reports whether from's descriptor declares to as a target.
func (e *HandoffEngine) CanHandoff(from, to string) bool {
	d, err := e.agents.Get(from)
	if err != nil {
		return false
	}
	for _, target := range d.Handoffs {
		if target == to {
			return true
		}
	}
	return false
}

// Perform executes one transfer: legality check, pre-callbacks, a memory
// record in both stores. The returned outcome carries the source agent's
// workflow memory for the target's briefing. The caller reports the target
// agent finishing via Complete, which fires the post-callbacks.
func (e *HandoffEngine) Perform(ctx context.Context, tenant TenantContext, workflowID string, req HandoffRequest) (HandoffOutcome, error) {
	if !e.agents.Has(req.ToAgent) {
		return HandoffOutcome{}, fmt.Errorf("handoff %s -> %s: %w", req.FromAgent, req.ToAgent, ErrUnknownAgent)
	}
	if !e.CanHandoff(req.FromAgent, req.ToAgent) {
		return HandoffOutcome{}, fmt.Errorf("handoff %s -> %s: %w", req.FromAgent, req.ToAgent, ErrIllegalHandoff)
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}

	k := callbackKey{req.FromAgent, req.ToAgent}
	e.runCallbacks(ctx, "before", e.pre[k], req)

	now := e.clock.Now().Unix()
	rec := &MemoryRecord{
		AgentID:    req.FromAgent,
		WorkflowID: workflowID,
		Content: map[string]any{
			"to":       req.ToAgent,
			"reason":   req.Reason,
			"priority": string(req.Priority),
		},
		Tags: []string{"handoff"},
	}
	if len(req.Context) > 0 {
		rec.Content["context"] = string(req.Context)
	}
	e.memory.SaveBoth(ctx, tenant, rec)

	carried := e.memory.QueryVolatile(Filter{
		AgentID:    req.FromAgent,
		WorkflowID: workflowID,
		TenantID:   tenant.TenantID,
	})
	// newest-first from the store; the target reads a briefing oldest-first
	for i, j := 0, len(carried)-1; i < j; i, j = i+1, j-1 {
		carried[i], carried[j] = carried[j], carried[i]
	}

	e.recorder.Record(ctx, EventHandoffPerformed,
		StringAttr("from", req.FromAgent),
		StringAttr("to", req.ToAgent),
		StringAttr("priority", string(req.Priority)))
	e.logger.InfoContext(ctx, "handoff performed",
		"workflow", workflowID,
		"from", req.FromAgent,
		"to", req.ToAgent,
		"reason", req.Reason)

	return HandoffOutcome{
		NextAgent: req.ToAgent,
		Carried:   carried,
		Entry: HandoffEntry{
			From:   req.FromAgent,
			To:     req.ToAgent,
			Reason: req.Reason,
			At:     now,
		},
	}, nil
}

// Complete reports that the target agent of an earlier transfer finished,
// firing the post-callbacks with how long the contribution took. Like the
// pre-callbacks, failures are logged, never fatal.
func (e *HandoffEngine) Complete(ctx context.Context, req HandoffRequest, elapsed time.Duration) {
	k := callbackKey{req.FromAgent, req.ToAgent}
	for _, cb := range e.post[k] {
		if err := cb(ctx, req, elapsed); err != nil {
			e.logger.WarnContext(ctx, "handoff callback failed",
				"phase", "after",
				"from", req.FromAgent,
				"to", req.ToAgent,
				"elapsed", elapsed,
				"err", err)
		}
	}
}

func (e *HandoffEngine) runCallbacks(ctx context.Context, phase string, cbs []HandoffCallback, req HandoffRequest) {
	for _, cb := range cbs {
		start := e.clock.Now()
		if err := cb(ctx, req); err != nil {
			e.logger.WarnContext(ctx, "handoff callback failed",
				"phase", phase,
				"from", req.FromAgent,
				"to", req.ToAgent,
				"elapsed", e.clock.Now().Sub(start),
				"err", err)
		}
	}
}
