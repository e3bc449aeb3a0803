package pipewise

import (
	"encoding/json"
	"time"
)

// --- Inbound domain types ---

// Channel identifies where an incoming event originated.
type Channel string

const (
	ChannelEmail       Channel = "email"
	ChannelTwitterDM   Channel = "dm-twitter"
	ChannelInstagramDM Channel = "dm-instagram"
	ChannelWebForm     Channel = "web-form"
	ChannelChat        Channel = "chat"
)

// Intent is an explicit routing hint supplied by the caller.
// Empty means "route by channel".
type Intent string

const (
	IntentNone     Intent = ""
	IntentSchedule Intent = "schedule"
	IntentQualify  Intent = "qualify"
)

// TenantContext carries the calling tenant's identity and entitlements.
// The caller creates it; it travels read-only through the whole workflow.
type TenantContext struct {
	TenantID string          `json:"tenant_id"`
	UserID   string          `json:"user_id"`
	Premium  bool            `json:"premium"`
	Features map[string]bool `json:"features,omitempty"`
	Quotas   map[string]int  `json:"quotas,omitempty"`
}

// HasFeature reports whether the tenant has the given feature tag enabled.
func (t TenantContext) HasFeature(tag string) bool {
	return t.Features[tag]
}

// Lead is the structured lead payload optionally attached to an event.
type Lead struct {
	ID      string `json:"id"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Company string `json:"company,omitempty"`
}

// IncomingEvent is one inbound message or command. It lives for exactly
// one workflow.
type IncomingEvent struct {
	Channel        Channel `json:"channel"`
	Sender         string  `json:"sender"`
	Text           string  `json:"text"`
	Lead           *Lead   `json:"lead,omitempty"`
	ConversationID string  `json:"conversation_id,omitempty"`
	Intent         Intent  `json:"intent,omitempty"`
}

// --- LLM protocol types ---

// ChatMessage is a single message in a conversation.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolErrKind classifies a failed tool invocation.
type ToolErrKind string

const (
	ToolErrNone        ToolErrKind = ""
	ToolErrInvalidArgs ToolErrKind = "invalid_args"
	ToolErrExecution   ToolErrKind = "execution"
	ToolErrRemote      ToolErrKind = "remote"
	ToolErrTimeout     ToolErrKind = "timeout"
	ToolErrUnavailable ToolErrKind = "unavailable"
)

// ToolResult is the outcome of a single tool invocation.
// Exactly one of Value or (ErrKind, Message) is meaningful.
type ToolResult struct {
	Value   json.RawMessage `json:"value,omitempty"`
	ErrKind ToolErrKind     `json:"error_kind,omitempty"`
	Message string          `json:"error,omitempty"`
}

// Failed reports whether the invocation produced an error.
func (r ToolResult) Failed() bool { return r.ErrKind != ToolErrNone }

// Text renders the result as the string that enters the conversation.
func (r ToolResult) Text() string {
	if r.Failed() {
		return "error(" + string(r.ErrKind) + "): " + r.Message
	}
	return string(r.Value)
}

// ToolOK wraps a successful value as a ToolResult.
func ToolOK(v json.RawMessage) ToolResult { return ToolResult{Value: v} }

// ToolError builds a failed ToolResult.
func ToolError(kind ToolErrKind, msg string) ToolResult {
	return ToolResult{ErrKind: kind, Message: msg}
}

// ChatRequest is what the runtime sends to the LLM client adapter.
type ChatRequest struct {
	System      string           `json:"system,omitempty"`
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Model       string           `json:"model"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

// ChatResponse is one complete assistant message, tool calls included.
// Streaming adapters buffer until the full message is assembled.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage tracks token consumption across LLM calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ToolDefinition is the schema the model sees for one callable tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Handoff types ---

// HandoffPriority orders handoffs for downstream consumers.
type HandoffPriority string

const (
	PriorityLow    HandoffPriority = "low"
	PriorityNormal HandoffPriority = "normal"
	PriorityHigh   HandoffPriority = "high"
)

// HandoffRequest is emitted by the runner when the model calls a
// handoff tool, and consumed by the handoff engine.
type HandoffRequest struct {
	FromAgent string          `json:"from_agent"`
	ToAgent   string          `json:"to_agent"`
	Reason    string          `json:"reason"`
	Priority  HandoffPriority `json:"priority"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// HandoffEntry is one completed transfer in a workflow's chain.
type HandoffEntry struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
	At     int64  `json:"at"`
}

// --- Workflow types ---

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusCancelled WorkflowStatus = "cancelled"
)

// WorkflowResult is what Orchestrator.Run returns. Status is always set;
// Reason is set when Status != completed.
type WorkflowResult struct {
	WorkflowID   string          `json:"workflow_id"`
	Status       WorkflowStatus  `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	Reason       FailReason      `json:"reason,omitempty"`
	HandoffChain []HandoffEntry  `json:"handoff_chain,omitempty"`
	Usage        Usage           `json:"usage"`
	Steps        []StepTrace     `json:"steps,omitempty"`
	StartedAt    int64           `json:"started_at"`
	FinishedAt   int64           `json:"finished_at"`
}

// StepTrace records the execution of a single tool call during a run.
type StepTrace struct {
	Agent    string        `json:"agent"`
	Tool     string        `json:"tool"`
	Input    string        `json:"input"`  // truncated to 200 runes
	Output   string        `json:"output"` // truncated to 500 runes
	Duration time.Duration `json:"duration"`
	Failed   bool          `json:"failed,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
