package pipewise

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// handoffToolPrefix names the synthetic tools the runner exposes for each
// allowed handoff target, e.g. "handoff_to_meeting_scheduler".
const handoffToolPrefix = "handoff_to_"

// handoffToolParams is the argument schema every synthetic handoff tool
// carries.
var handoffToolParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"reason":   {"type": "string", "description": "Why the transfer is needed"},
		"priority": {"type": "string", "enum": ["low", "normal", "high"]},
		"context":  {"type": "object", "description": "Structured context for the receiving agent"}
	},
	"required": ["reason"]
}`)

// defaultMaxToolResultBytes caps a tool result's text before it enters the
// conversation. Step traces keep the full content.
const defaultMaxToolResultBytes = 16384

// defaultMaxIterations bounds the tool-calling loop when the descriptor
// does not set its own cap.
const defaultMaxIterations = 16

// maxParallelDispatch caps concurrent tool-call goroutines so a single
// assistant turn cannot overwhelm remote services.
const maxParallelDispatch = 10

// OutcomeKind classifies how a single agent run ended.
type OutcomeKind int

const (
	// OutcomeFinal means the agent produced a typed final answer.
	OutcomeFinal OutcomeKind = iota
	// OutcomeHandoff means the agent requested a transfer; the
	// orchestrator decides whether it is legal.
	OutcomeHandoff
	// OutcomeFailed means the run hit a terminal error.
	OutcomeFailed
)

// Outcome is the result of one agent's loop. Conversation carries the full
// message history so the orchestrator can resume the next agent on it.
type Outcome struct {
	Kind         OutcomeKind
	Output       json.RawMessage
	Handoff      *HandoffRequest
	Reason       FailReason
	Err          error
	Conversation []ChatMessage
	Usage        Usage
	Steps        []StepTrace
}

// Runner executes one agent's tool-calling loop. It is stateless across
// runs; many workflows share one Runner.
type Runner struct {
	registry *Registry
	llm      LLMClient
	memory   *MemoryManager

	tracer             Tracer
	logger             *slog.Logger
	recorder           Recorder
	maxToolResultBytes int
	defaultModel       string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerTracer enables span creation. Nil leaves tracing off.
func WithRunnerTracer(t Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRunnerRecorder sets the telemetry recorder.
func WithRunnerRecorder(rec Recorder) RunnerOption {
	return func(r *Runner) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithMaxToolResultBytes sets the truncation threshold for tool results
// entering the conversation.
func WithMaxToolResultBytes(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxToolResultBytes = n
		}
	}
}

// WithDefaultModel sets the model used when a descriptor names none.
func WithDefaultModel(model string) RunnerOption {
	return func(r *Runner) { r.defaultModel = model }
}

// NewRunner builds a runner over the registry and LLM client. Wrap the
// client with WithRetry before passing it in; the runner itself does not
// retry.
func NewRunner(registry *Registry, llm LLMClient, memory *MemoryManager, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:           registry,
		llm:                llm,
		memory:             memory,
		logger:             nopLogger,
		recorder:           NopRecorder{},
		maxToolResultBytes: defaultMaxToolResultBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the loop for one agent until it produces a final answer, a
// handoff request, or a terminal failure. The conversation prefix is not
// mutated; the outcome carries the extended copy.
func (r *Runner) Run(ctx context.Context, desc *AgentDescriptor, prefix []ChatMessage, tenant TenantContext, workflowID string) Outcome {
	var usage Usage
	var steps []StepTrace

	tools, err := r.buildCatalog(desc)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Reason: ReasonUpstreamError, Err: err, Usage: usage}
	}
	allowed := make(map[string]bool, len(desc.Tools))
	for _, name := range desc.Tools {
		allowed[name] = true
	}

	messages := make([]ChatMessage, len(prefix), len(prefix)+8)
	copy(messages, prefix)

	maxIter := desc.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	model := desc.Model
	if model == "" {
		model = r.defaultModel
	}

	decodeRetried := false
	for i := 0; i < maxIter; i++ {
		iterCtx := ctx
		var iterSpan Span
		if r.tracer != nil {
			iterCtx, iterSpan = r.tracer.Start(ctx, "agent.loop.iteration",
				StringAttr("agent", desc.ID),
				IntAttr("iteration", i))
		}
		endIter := func() {
			if iterSpan != nil {
				iterSpan.End()
			}
		}

		resp, err := r.llm.Generate(iterCtx, ChatRequest{
			System:      desc.Instructions,
			Messages:    messages,
			Tools:       tools,
			Model:       model,
			Temperature: desc.Temperature,
			MaxTokens:   desc.MaxTokens,
		})
		if err != nil {
			if iterSpan != nil {
				iterSpan.Error(err)
			}
			endIter()
			reason := ReasonUpstreamError
			if ctx.Err() != nil {
				reason = ReasonCancelled
			}
			return Outcome{Kind: OutcomeFailed, Reason: reason, Err: err, Conversation: messages, Usage: usage, Steps: steps}
		}
		usage.Add(resp.Usage)

		// No tool calls: this is the final answer.
		if len(resp.ToolCalls) == 0 {
			messages = append(messages, AssistantMessage(resp.Content))
			output, derr := DecodeOutput(resp.Content, desc.OutputSchema())
			if derr == nil {
				endIter()
				return Outcome{Kind: OutcomeFinal, Output: output, Conversation: messages, Usage: usage, Steps: steps}
			}
			if !decodeRetried {
				// one corrective round-trip, then the failure is terminal
				decodeRetried = true
				de, _ := derr.(*DecodeError)
				path := "/"
				if de != nil {
					path = de.Path
				}
				r.logger.WarnContext(iterCtx, "output failed schema, asking for a correction",
					"agent", desc.ID, "path", path)
				messages = append(messages, UserMessage(fmt.Sprintf(
					"Your last response did not match the required schema at %s; please re-emit valid JSON.", path)))
				endIter()
				continue
			}
			endIter()
			return Outcome{Kind: OutcomeFailed, Reason: ReasonDecodeError, Err: derr, Conversation: messages, Usage: usage, Steps: steps}
		}

		if iterSpan != nil {
			iterSpan.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}
		// A handoff call ends the turn. Calls emitted before it still
		// execute; calls after it are dropped from the turn entirely so
		// every surviving call gets exactly one result.
		kept := resp.ToolCalls
		execCalls := resp.ToolCalls
		var handoff *HandoffRequest
		var handoffCall ToolCall
		for j, tc := range resp.ToolCalls {
			if target, ok := strings.CutPrefix(tc.Name, handoffToolPrefix); ok {
				handoff = parseHandoffArgs(desc.ID, target, tc.Args)
				handoffCall = tc
				kept = resp.ToolCalls[:j+1]
				execCalls = resp.ToolCalls[:j]
				break
			}
		}
		messages = append(messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: kept,
		})

		results := r.dispatchParallel(iterCtx, execCalls, desc, allowed, tenant, workflowID)
		for j, tc := range execCalls {
			res := results[j]
			r.recorder.Record(iterCtx, EventToolInvoked,
				StringAttr("tool", tc.Name),
				StringAttr("agent", desc.ID),
				BoolAttr("success", !res.result.Failed()),
				Float64Attr("duration_ms", float64(res.duration)/float64(time.Millisecond)))
			steps = append(steps, StepTrace{
				Agent:    desc.ID,
				Tool:     tc.Name,
				Input:    truncateRunes(string(tc.Args), 200),
				Output:   truncateRunes(res.result.Text(), 500),
				Duration: res.duration,
				Failed:   res.result.Failed(),
			})
			text := res.result.Text()
			if len(text) > r.maxToolResultBytes {
				text = truncateBytes(text, r.maxToolResultBytes) + "\n[output truncated]"
			}
			messages = append(messages, ToolResultMessage(tc.ID, text))
		}
		endIter()

		if handoff != nil {
			messages = append(messages, ToolResultMessage(handoffCall.ID,
				"transferring to "+handoff.ToAgent))
			return Outcome{Kind: OutcomeHandoff, Handoff: handoff, Conversation: messages, Usage: usage, Steps: steps}
		}
	}

	r.logger.WarnContext(ctx, "iteration limit reached", "agent", desc.ID, "limit", maxIter)
	return Outcome{
		Kind:         OutcomeFailed,
		Reason:       ReasonIterationLimit,
		Err:          fmt.Errorf("agent %q: iteration limit %d reached", desc.ID, maxIter),
		Conversation: messages,
		Usage:        usage,
		Steps:        steps,
	}
}

// buildCatalog assembles the tool definitions the model sees: the agent's
// registry tools in alphabetical order, then one synthetic handoff tool per
// allowed target.
func (r *Runner) buildCatalog(desc *AgentDescriptor) ([]ToolDefinition, error) {
	defs, err := r.registry.SchemasFor(desc.Tools)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", desc.ID, err)
	}
	for _, target := range desc.Handoffs {
		defs = append(defs, ToolDefinition{
			Name:        handoffToolPrefix + target,
			Description: "Transfer this conversation to the " + target + " agent.",
			Parameters:  handoffToolParams,
		})
	}
	return defs, nil
}

func parseHandoffArgs(from, target string, args json.RawMessage) *HandoffRequest {
	var parsed struct {
		Reason   string          `json:"reason"`
		Priority string          `json:"priority"`
		Context  json.RawMessage `json:"context"`
	}
	// malformed args still produce a request; the engine validates the
	// target and defaults take over
	_ = json.Unmarshal(args, &parsed)
	priority := HandoffPriority(parsed.Priority)
	if priority == "" {
		priority = PriorityNormal
	}
	return &HandoffRequest{
		FromAgent: from,
		ToAgent:   target,
		Reason:    parsed.Reason,
		Priority:  priority,
		Context:   parsed.Context,
	}
}

// --- parallel tool dispatch ---

type timedResult struct {
	result   ToolResult
	duration time.Duration
}

type indexedResult struct {
	idx int
	res timedResult
}

func (r *Runner) invokeOne(ctx context.Context, tc ToolCall, desc *AgentDescriptor, allowed map[string]bool, tenant TenantContext, workflowID string) (tr ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			tr = ToolError(ToolErrExecution, fmt.Sprintf("tool %q panic: %v", tc.Name, p))
		}
	}()
	if !allowed[tc.Name] {
		return ToolError(ToolErrInvalidArgs, "tool not available to this agent: "+tc.Name)
	}
	call := CallContext{
		Tenant:     tenant,
		Memory:     r.memory,
		WorkflowID: workflowID,
		AgentID:    desc.ID,
	}
	return r.registry.Invoke(ctx, call, tc.Name, tc.Args)
}

// dispatchParallel runs the calls concurrently on a bounded worker pool and
// returns results in emission order. Single calls run inline. Cancellation
// stops new calls from starting; calls already in flight are awaited so
// local tools finish cleanly, while remote ones fail fast on the dead
// context inside their own invokers.
func (r *Runner) dispatchParallel(ctx context.Context, calls []ToolCall, desc *AgentDescriptor, allowed map[string]bool, tenant TenantContext, workflowID string) []timedResult {
	if len(calls) == 0 {
		return nil
	}
	if len(calls) == 1 {
		start := time.Now()
		res := r.invokeOne(ctx, calls[0], desc, allowed, tenant, workflowID)
		return []timedResult{{result: res, duration: time.Since(start)}}
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	resultCh := make(chan indexedResult, len(calls))
	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, timedResult{result: ToolError(ToolErrTimeout, ctx.Err().Error())}}
					continue
				}
				start := time.Now()
				res := r.invokeOne(ctx, w.tc, desc, allowed, tenant, workflowID)
				resultCh <- indexedResult{w.idx, timedResult{result: res, duration: time.Since(start)}}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]timedResult, len(calls))
	seen := make([]bool, len(calls))
	for ir := range resultCh {
		results[ir.idx] = ir.res
		seen[ir.idx] = true
	}
	for i := range results {
		if !seen[i] {
			results[i] = timedResult{result: ToolError(ToolErrExecution, "result not received")}
		}
	}
	return results
}

// truncateRunes truncates a string to n runes.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// truncateBytes truncates a string to at most n bytes on a rune boundary.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
