package pipewise

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultMaxHandoffs caps the handoff chain length per workflow.
const defaultMaxHandoffs = 8

// defaultWorkflowTimeout bounds one workflow end to end.
const defaultWorkflowTimeout = 10 * time.Minute

// Agent ids of the shipped agent set. Descriptors live in internal/agents;
// the routing table here only needs the ids.
const (
	AgentCoordinator      = "coordinator"
	AgentLeadQualifier    = "lead_qualifier"
	AgentMeetingScheduler = "meeting_scheduler"
	AgentOutboundContact  = "outbound_contact"
)

// Orchestrator is the top-level entry point. It mints workflow ids, routes
// events to an initial agent, runs agent loops, follows handoffs, and
// archives memory on every terminal path.
type Orchestrator struct {
	agents  *AgentSet
	runner  *Runner
	handoff *HandoffEngine
	memory  *MemoryManager

	maxHandoffs     int
	workflowTimeout time.Duration
	clock           Clock
	tracer          Tracer
	logger          *slog.Logger
	recorder        Recorder

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxHandoffs caps the handoff chain length.
func WithMaxHandoffs(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxHandoffs = n
		}
	}
}

// WithWorkflowTimeout bounds one workflow end to end.
func WithWorkflowTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.workflowTimeout = d
		}
	}
}

// WithOrchestratorClock injects a clock for tests.
func WithOrchestratorClock(c Clock) OrchestratorOption {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithOrchestratorTracer enables span creation.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithOrchestratorRecorder sets the telemetry recorder.
func WithOrchestratorRecorder(r Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// NewOrchestrator wires the collaborators. All are constructor-injected so
// workflows are testable without process-wide state.
func NewOrchestrator(agents *AgentSet, runner *Runner, handoff *HandoffEngine, memory *MemoryManager, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		agents:          agents,
		runner:          runner,
		handoff:         handoff,
		memory:          memory,
		maxHandoffs:     defaultMaxHandoffs,
		workflowTimeout: defaultWorkflowTimeout,
		clock:           SystemClock,
		logger:          nopLogger,
		recorder:        NopRecorder{},
		active:          make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives one workflow from an incoming event to a terminal status.
// The result always carries the workflow id and status; Reason is set
// when the status is not completed.
func (o *Orchestrator) Run(ctx context.Context, event IncomingEvent, tenant TenantContext) WorkflowResult {
	workflowID := NewID()
	startedAt := o.clock.Now()

	ctx, cancel := context.WithTimeout(ctx, o.workflowTimeout)
	o.mu.Lock()
	o.active[workflowID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.active, workflowID)
		o.mu.Unlock()
	}()

	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "workflow.run",
			StringAttr("workflow", workflowID),
			StringAttr("channel", string(event.Channel)),
			StringAttr("tenant", tenant.TenantID))
		defer span.End()
	}

	currentAgent := o.routeEvent(event)
	o.recorder.Record(ctx, EventWorkflowStarted,
		StringAttr("workflow", workflowID),
		StringAttr("channel", string(event.Channel)),
		StringAttr("agent", currentAgent))
	o.logger.InfoContext(ctx, "workflow started",
		"workflow", workflowID,
		"channel", event.Channel,
		"agent", currentAgent,
		"tenant", tenant.TenantID)

	o.memory.SaveBoth(ctx, tenant, &MemoryRecord{
		AgentID:    currentAgent,
		WorkflowID: workflowID,
		Content: map[string]any{
			"channel": string(event.Channel),
			"sender":  event.Sender,
			"text":    event.Text,
		},
		Tags: []string{"workflow-start"},
	})

	result := WorkflowResult{
		WorkflowID: workflowID,
		StartedAt:  startedAt.Unix(),
	}
	conversation := []ChatMessage{UserMessage(renderEvent(event))}
	var usage Usage
	var steps []StepTrace
	var chain []HandoffEntry

	// the last transfer, completed once its target agent finishes a run
	var pendingHandoff *HandoffRequest
	var handoffStart time.Time

	for {
		if !o.agents.Has(currentAgent) {
			return o.finish(ctx, tenant, result, StatusFailed, ReasonUpstreamError, nil, chain, usage, steps)
		}
		desc, _ := o.agents.Get(currentAgent)
		outcome := o.runner.Run(ctx, desc, conversation, tenant, workflowID)
		usage.Add(outcome.Usage)
		steps = append(steps, outcome.Steps...)

		if pendingHandoff != nil {
			o.handoff.Complete(ctx, *pendingHandoff, o.clock.Now().Sub(handoffStart))
			pendingHandoff = nil
		}

		switch outcome.Kind {
		case OutcomeFinal:
			o.memory.SaveBoth(ctx, tenant, &MemoryRecord{
				AgentID:    currentAgent,
				WorkflowID: workflowID,
				Content:    map[string]any{"output": string(outcome.Output)},
				Tags:       []string{"workflow-end"},
			})
			return o.finish(ctx, tenant, result, StatusCompleted, "", outcome.Output, chain, usage, steps)

		case OutcomeHandoff:
			if len(chain) >= o.maxHandoffs {
				o.logger.WarnContext(ctx, "handoff cap reached",
					"workflow", workflowID, "cap", o.maxHandoffs)
				return o.finish(ctx, tenant, result, StatusFailed, ReasonHandoffLimit, nil, chain, usage, steps)
			}
			done, err := o.handoff.Perform(ctx, tenant, workflowID, *outcome.Handoff)
			if err != nil {
				o.logger.ErrorContext(ctx, "handoff rejected",
					"workflow", workflowID,
					"from", outcome.Handoff.FromAgent,
					"to", outcome.Handoff.ToAgent,
					"err", err)
				return o.finish(ctx, tenant, result, StatusFailed, ReasonIllegalHandoff, nil, chain, usage, steps)
			}
			chain = append(chain, done.Entry)
			currentAgent = done.NextAgent
			conversation = carriedConversation(outcome.Conversation, *outcome.Handoff, done.Carried)
			pendingHandoff = outcome.Handoff
			handoffStart = o.clock.Now()

		case OutcomeFailed:
			status := StatusFailed
			reason := outcome.Reason
			// the runner reports any dead context as cancelled; the
			// workflow deadline is distinguished here
			if ctx.Err() == context.DeadlineExceeded {
				reason = ReasonDeadline
			} else if reason == ReasonCancelled {
				status = StatusCancelled
			}
			return o.finish(ctx, tenant, result, status, reason, nil, chain, usage, steps)
		}
	}
}

// Cancel requests cancellation of a running workflow. Unknown or already
// finished ids are a no-op, so cancellation is idempotent.
func (o *Orchestrator) Cancel(workflowID string) {
	o.mu.Lock()
	cancel, ok := o.active[workflowID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// routeEvent picks the initial agent. Explicit intent wins over channel.
func (o *Orchestrator) routeEvent(event IncomingEvent) string {
	switch event.Intent {
	case IntentSchedule:
		return AgentMeetingScheduler
	case IntentQualify:
		return AgentLeadQualifier
	}
	// every inbound channel starts at the coordinator
	return AgentCoordinator
}

// finish archives the workflow's volatile memory and seals the result.
// Archival runs on every terminal path, cancellation included, so it uses
// a fresh context when the workflow's own is dead.
func (o *Orchestrator) finish(ctx context.Context, tenant TenantContext, result WorkflowResult, status WorkflowStatus, reason FailReason, output json.RawMessage, chain []HandoffEntry, usage Usage, steps []StepTrace) WorkflowResult {
	archiveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		archiveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	if err := o.memory.Archive(archiveCtx, tenant, result.WorkflowID); err != nil {
		o.logger.ErrorContext(archiveCtx, "archive failed", "workflow", result.WorkflowID, "err", err)
	}

	result.Status = status
	result.Reason = reason
	result.Output = output
	result.HandoffChain = chain
	result.Usage = usage
	result.Steps = steps
	result.FinishedAt = o.clock.Now().Unix()

	o.recorder.Record(archiveCtx, EventWorkflowCompleted,
		StringAttr("workflow", result.WorkflowID),
		StringAttr("status", string(status)),
		Float64Attr("duration_ms", float64(result.FinishedAt-result.StartedAt)*1000))
	o.logger.InfoContext(archiveCtx, "workflow finished",
		"workflow", result.WorkflowID,
		"status", status,
		"reason", reason,
		"handoffs", len(chain))
	return result
}

// renderEvent turns the incoming event into the first user message. The
// lead payload, when present, rides along as JSON.
func renderEvent(event IncomingEvent) string {
	text := fmt.Sprintf("[%s] from %s: %s", event.Channel, event.Sender, event.Text)
	if event.Lead != nil {
		if payload, err := json.Marshal(event.Lead); err == nil {
			text += "\n\nLead payload:\n" + string(payload)
		}
	}
	if event.ConversationID != "" {
		text += "\n\nPrior conversation: " + event.ConversationID
	}
	return text
}

// carriedConversation builds the next agent's conversation prefix from the
// finished one: the full message history, a transfer note, and a briefing
// from the source agent's memory.
func carriedConversation(history []ChatMessage, req HandoffRequest, carried []*MemoryRecord) []ChatMessage {
	out := make([]ChatMessage, len(history), len(history)+2)
	copy(out, history)

	note := fmt.Sprintf("Conversation transferred from %s. Reason: %s.", req.FromAgent, req.Reason)
	if len(req.Context) > 0 {
		note += "\nContext: " + string(req.Context)
	}
	if len(carried) > 0 {
		briefing, err := json.Marshal(recordContents(carried))
		if err == nil {
			note += "\nNotes from the previous agent:\n" + string(briefing)
		}
	}
	out = append(out, SystemMessage(note))
	return out
}

func recordContents(records []*MemoryRecord) []map[string]any {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Content)
	}
	return out
}
