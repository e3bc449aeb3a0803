package crm

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/pipewise/pipewise"
)

// memBackend is a minimal in-memory pipewise.MemoryBackend.
type memBackend struct {
	mu      sync.Mutex
	records map[string]*pipewise.MemoryRecord
}

func newMemBackend() *memBackend {
	return &memBackend{records: make(map[string]*pipewise.MemoryRecord)}
}

func (b *memBackend) Save(_ context.Context, rec *pipewise.MemoryRecord) error {
	b.mu.Lock()
	dup := *rec
	b.records[rec.ID] = &dup
	b.mu.Unlock()
	return nil
}

func (b *memBackend) Get(_ context.Context, id string) (*pipewise.MemoryRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records[id], nil
}

func (b *memBackend) Query(_ context.Context, f pipewise.Filter) ([]*pipewise.MemoryRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*pipewise.MemoryRecord
	for _, rec := range b.records {
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (b *memBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	delete(b.records, id)
	b.mu.Unlock()
	return nil
}

func (b *memBackend) CleanupExpired(context.Context, int64) (int, error) { return 0, nil }

// scriptedRemote fakes the MCP pool for booking calls.
type scriptedRemote struct {
	degraded bool
	result   pipewise.ToolResult
	calls    int
	lastTool string
}

func (r *scriptedRemote) Invoke(_ context.Context, _, tool string, _ json.RawMessage) pipewise.ToolResult {
	r.calls++
	r.lastTool = tool
	return r.result
}

func (r *scriptedRemote) Degraded(string) bool { return r.degraded }

var tenant = pipewise.TenantContext{TenantID: "t-1", UserID: "u-1"}

func newFixture(t *testing.T, opts ...Option) (*pipewise.Registry, pipewise.CallContext) {
	t.Helper()
	reg := pipewise.NewRegistry()
	if err := New(opts...).Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	memory := pipewise.NewMemoryManager(pipewise.NewVolatileStore(), newMemBackend())
	cc := pipewise.CallContext{
		Tenant:     tenant,
		Memory:     memory,
		WorkflowID: "w1",
		AgentID:    "lead_qualifier",
	}
	return reg, cc
}

func TestRegisterAndNames(t *testing.T) {
	reg, _ := newFixture(t)
	want := []string{"get_lead_by_id", "schedule_meeting_for_lead", "update_lead_qualification"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names = %v, want %v", got, want)
		}
	}
	if n := len(New().Names()); n != 3 {
		t.Errorf("Names() = %d entries", n)
	}
}

func TestGetLeadNotFound(t *testing.T) {
	reg, cc := newFixture(t)
	res := reg.Invoke(context.Background(), cc, "get_lead_by_id",
		json.RawMessage(`{"lead_id":"L-404"}`))
	if res.Failed() {
		t.Fatalf("invoke failed: %s", res.Text())
	}
	var out struct {
		Found  bool   `json:"found"`
		LeadID string `json:"lead_id"`
	}
	if err := json.Unmarshal(res.Value, &out); err != nil || out.Found || out.LeadID != "L-404" {
		t.Errorf("value = %s", res.Value)
	}
}

func TestQualifyThenLookup(t *testing.T) {
	reg, cc := newFixture(t)
	ctx := context.Background()

	res := reg.Invoke(ctx, cc, "update_lead_qualification",
		json.RawMessage(`{"lead_id":"L-1","qualified":true,"reason":"40-person sales team"}`))
	if res.Failed() {
		t.Fatalf("update failed: %s", res.Text())
	}

	res = reg.Invoke(ctx, cc, "get_lead_by_id", json.RawMessage(`{"lead_id":"L-1"}`))
	if res.Failed() {
		t.Fatalf("lookup failed: %s", res.Text())
	}
	var out struct {
		Found     bool   `json:"found"`
		Qualified bool   `json:"qualified"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(res.Value, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Found || !out.Qualified || out.Reason != "40-person sales team" {
		t.Errorf("profile = %s", res.Value)
	}
}

func TestGetLeadMissingArgs(t *testing.T) {
	reg, cc := newFixture(t)
	res := reg.Invoke(context.Background(), cc, "get_lead_by_id", json.RawMessage(`{}`))
	if res.ErrKind != pipewise.ToolErrInvalidArgs {
		t.Errorf("kind = %q, want invalid_args", res.ErrKind)
	}
}

func TestScheduleMeetingViaRemote(t *testing.T) {
	remote := &scriptedRemote{
		result: pipewise.ToolOK(json.RawMessage(`{"url":"https://calendly.com/b/42"}`)),
	}
	reg, cc := newFixture(t, WithRemote(remote, "calendly"))

	res := reg.Invoke(context.Background(), cc, "schedule_meeting_for_lead",
		json.RawMessage(`{"lead_id":"L-1","event_type":"Demo"}`))
	if res.Failed() {
		t.Fatalf("schedule failed: %s", res.Text())
	}
	var out struct {
		MeetingURL string `json:"meeting_url"`
		Fallback   bool   `json:"fallback"`
		EventType  string `json:"event_type"`
	}
	if err := json.Unmarshal(res.Value, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Fallback || out.MeetingURL != "https://calendly.com/b/42" || out.EventType != "Demo" {
		t.Errorf("booking = %s", res.Value)
	}
	if remote.calls != 1 || remote.lastTool != "create_booking" {
		t.Errorf("remote calls = %d, tool = %q", remote.calls, remote.lastTool)
	}

	// the booking landed in session memory
	got := cc.Memory.QueryVolatile(pipewise.Filter{
		WorkflowID: "w1", Tags: []string{"meeting_scheduled"},
	})
	if len(got) != 1 {
		t.Errorf("meeting records = %d, want 1", len(got))
	}
}

func TestScheduleMeetingFallbacks(t *testing.T) {
	cases := []struct {
		name string
		opts []Option
	}{
		{name: "no remote configured"},
		{
			name: "remote degraded",
			opts: []Option{WithRemote(&scriptedRemote{degraded: true}, "calendly")},
		},
		{
			name: "remote call fails",
			opts: []Option{WithRemote(&scriptedRemote{
				result: pipewise.ToolError(pipewise.ToolErrRemote, "boom"),
			}, "calendly")},
		},
		{
			name: "remote returns no url",
			opts: []Option{WithRemote(&scriptedRemote{
				result: pipewise.ToolOK(json.RawMessage(`{"status":"pending"}`)),
			}, "calendly")},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			opts := append([]Option{WithFallbackURL("https://example.com/book")}, c.opts...)
			reg, cc := newFixture(t, opts...)

			res := reg.Invoke(context.Background(), cc, "schedule_meeting_for_lead",
				json.RawMessage(`{"lead_id":"L-1","event_type":"Discovery Call"}`))
			if res.Failed() {
				t.Fatalf("schedule failed: %s", res.Text())
			}
			var out struct {
				MeetingURL string `json:"meeting_url"`
				Fallback   bool   `json:"fallback"`
			}
			if err := json.Unmarshal(res.Value, &out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !out.Fallback || out.MeetingURL != "https://example.com/book" {
				t.Errorf("booking = %s", res.Value)
			}
		})
	}
}

func TestScheduleMeetingRejectsUnknownEventType(t *testing.T) {
	reg, cc := newFixture(t)
	res := reg.Invoke(context.Background(), cc, "schedule_meeting_for_lead",
		json.RawMessage(`{"lead_id":"L-1","event_type":"Coffee Chat"}`))
	if res.ErrKind != pipewise.ToolErrInvalidArgs {
		t.Fatalf("kind = %q, want invalid_args", res.ErrKind)
	}
	if !strings.Contains(res.Message, "event_type") {
		t.Errorf("message = %q", res.Message)
	}
}
