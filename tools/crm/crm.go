// Package crm provides the built-in local tools for lead management:
// lookup, qualification updates, and meeting scheduling. Lead state lives
// in the memory manager; scheduling goes through the calendly MCP server
// when it is up and falls back to a static booking link when it is not.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pipewise/pipewise"
)

// EventTypes are the meeting types a scheduler may book.
var EventTypes = []string{
	"Sales Call",
	"Demo",
	"Executive Consultation",
	"Discovery Call",
	"Technical Demo",
}

// Remote invokes a tool on a remote MCP server. Satisfied by *mcp.Pool;
// nil means no remote scheduling backend is configured.
type Remote interface {
	Invoke(ctx context.Context, server, tool string, args json.RawMessage) pipewise.ToolResult
	Degraded(server string) bool
}

// Tools bundles the CRM tool implementations and their dependencies.
type Tools struct {
	remote Remote
	// calendlyServer names the MCP server used for real bookings.
	calendlyServer string
	// fallbackURL is handed out when the scheduling backend is down.
	fallbackURL string
	logger      *slog.Logger
}

// Option configures the CRM tools.
type Option func(*Tools)

// WithRemote wires the MCP pool used for calendly bookings.
func WithRemote(r Remote, server string) Option {
	return func(t *Tools) {
		t.remote = r
		t.calendlyServer = server
	}
}

// WithFallbackURL sets the booking link used when calendly is down.
func WithFallbackURL(url string) Option {
	return func(t *Tools) {
		if url != "" {
			t.fallbackURL = url
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tools) {
		if l != nil {
			t.logger = l
		}
	}
}

// New builds the tool bundle. Call Register to add the tools to a registry.
func New(opts ...Option) *Tools {
	t := &Tools{
		calendlyServer: "calendly",
		fallbackURL:    "https://calendly.com/pipewise/intro-call",
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register adds the three CRM tools to the registry.
func (t *Tools) Register(registry *pipewise.Registry) error {
	specs := []pipewise.ToolSpec{
		{
			Name:        "get_lead_by_id",
			Description: "Look up a lead's stored profile and qualification state by lead id.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"lead_id": {"type": "string", "description": "The lead id, e.g. L-001"}
				},
				"required": ["lead_id"]
			}`),
			Invoke: t.getLeadByID,
		},
		{
			Name:        "update_lead_qualification",
			Description: "Record whether a lead is qualified, with a short reason.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"lead_id":   {"type": "string"},
					"qualified": {"type": "boolean"},
					"reason":    {"type": "string"}
				},
				"required": ["lead_id", "qualified", "reason"]
			}`),
			Invoke: t.updateLeadQualification,
		},
		{
			Name:        "schedule_meeting_for_lead",
			Description: "Book a meeting for a qualified lead and return the booking URL.",
			Parameters: json.RawMessage(fmt.Sprintf(`{
				"type": "object",
				"properties": {
					"lead_id":    {"type": "string"},
					"event_type": {"type": "string", "enum": %s},
					"notes":      {"type": "string"}
				},
				"required": ["lead_id", "event_type"]
			}`, mustJSON(EventTypes))),
			Invoke: t.scheduleMeetingForLead,
		},
	}
	for _, spec := range specs {
		if err := registry.Register(spec); err != nil {
			return fmt.Errorf("crm: %w", err)
		}
	}
	return nil
}

// Names returns the registered tool names, for agent descriptors.
func (t *Tools) Names() []string {
	return []string{"get_lead_by_id", "update_lead_qualification", "schedule_meeting_for_lead"}
}

func (t *Tools) getLeadByID(ctx context.Context, call pipewise.CallContext, args json.RawMessage) pipewise.ToolResult {
	var params struct {
		LeadID string `json:"lead_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return pipewise.ToolError(pipewise.ToolErrInvalidArgs, err.Error())
	}

	records, err := call.Memory.QueryPersistent(ctx, call.Tenant, pipewise.Filter{
		Metadata: map[string]any{"lead_id": params.LeadID},
		Limit:    20,
	})
	if err != nil {
		return pipewise.ToolError(pipewise.ToolErrExecution, "lead lookup failed: "+err.Error())
	}
	// volatile state from the current workflow overrides the archive
	records = append(call.Memory.QueryVolatile(pipewise.Filter{
		WorkflowID: call.WorkflowID,
		Metadata:   map[string]any{"lead_id": params.LeadID},
	}), records...)

	if len(records) == 0 {
		raw, _ := json.Marshal(map[string]any{
			"lead_id": params.LeadID,
			"found":   false,
		})
		return pipewise.ToolOK(raw)
	}

	profile := map[string]any{
		"lead_id": params.LeadID,
		"found":   true,
	}
	// records arrive newest first; first value per key wins
	for _, rec := range records {
		for k, v := range rec.Content {
			if _, ok := profile[k]; !ok {
				profile[k] = v
			}
		}
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return pipewise.ToolError(pipewise.ToolErrExecution, err.Error())
	}
	return pipewise.ToolOK(raw)
}

func (t *Tools) updateLeadQualification(ctx context.Context, call pipewise.CallContext, args json.RawMessage) pipewise.ToolResult {
	var params struct {
		LeadID    string `json:"lead_id"`
		Qualified bool   `json:"qualified"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return pipewise.ToolError(pipewise.ToolErrInvalidArgs, err.Error())
	}

	call.Memory.SaveBoth(ctx, call.Tenant, &pipewise.MemoryRecord{
		AgentID:    call.AgentID,
		WorkflowID: call.WorkflowID,
		Content: map[string]any{
			"lead_id":   params.LeadID,
			"qualified": params.Qualified,
			"reason":    params.Reason,
		},
		Tags:     []string{"qualification"},
		Metadata: map[string]any{"lead_id": params.LeadID},
	})

	raw, _ := json.Marshal(map[string]any{
		"lead_id":   params.LeadID,
		"qualified": params.Qualified,
		"recorded":  true,
	})
	return pipewise.ToolOK(raw)
}

func (t *Tools) scheduleMeetingForLead(ctx context.Context, call pipewise.CallContext, args json.RawMessage) pipewise.ToolResult {
	var params struct {
		LeadID    string `json:"lead_id"`
		EventType string `json:"event_type"`
		Notes     string `json:"notes"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return pipewise.ToolError(pipewise.ToolErrInvalidArgs, err.Error())
	}

	meetingURL, fallback := t.bookMeeting(ctx, params.LeadID, params.EventType)

	call.Memory.SaveVolatile(ctx, call.Tenant, &pipewise.MemoryRecord{
		AgentID:    call.AgentID,
		WorkflowID: call.WorkflowID,
		Content: map[string]any{
			"lead_id":     params.LeadID,
			"event_type":  params.EventType,
			"meeting_url": meetingURL,
			"fallback":    fallback,
		},
		Tags:     []string{"meeting_scheduled"},
		Metadata: map[string]any{"lead_id": params.LeadID},
	})

	raw, _ := json.Marshal(map[string]any{
		"lead_id":     params.LeadID,
		"event_type":  params.EventType,
		"meeting_url": meetingURL,
		"fallback":    fallback,
	})
	return pipewise.ToolOK(raw)
}

// bookMeeting tries the calendly MCP server and falls back to the static
// booking link when the server is down or the call fails.
func (t *Tools) bookMeeting(ctx context.Context, leadID, eventType string) (url string, fallback bool) {
	if t.remote == nil || t.remote.Degraded(t.calendlyServer) {
		return t.fallbackURL, true
	}

	args, _ := json.Marshal(map[string]string{
		"lead_id":    leadID,
		"event_type": eventType,
	})
	res := t.remote.Invoke(ctx, t.calendlyServer, "create_booking", args)
	if res.Failed() {
		t.logger.WarnContext(ctx, "calendly booking failed, using fallback link",
			"lead", leadID, "err", res.Message)
		return t.fallbackURL, true
	}

	var booking struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(res.Value, &booking); err == nil && booking.URL != "" {
		return booking.URL, false
	}
	return t.fallbackURL, true
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}
