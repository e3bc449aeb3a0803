package pipewise

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// mockLLM replays a scripted sequence of responses. A script entry may
// carry an error instead of a response.
type mockLLM struct {
	mu        sync.Mutex
	script    []mockTurn
	calls     int
	requests  []ChatRequest
	lastTools []ToolDefinition
}

type mockTurn struct {
	resp ChatResponse
	err  error
}

func (m *mockLLM) Name() string { return "mock" }

func (m *mockLLM) Generate(_ context.Context, req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	m.lastTools = req.Tools
	if m.calls >= len(m.script) {
		return ChatResponse{}, fmt.Errorf("mock: script exhausted at call %d", m.calls)
	}
	turn := m.script[m.calls]
	m.calls++
	return turn.resp, turn.err
}

func finalTurn(content string) mockTurn {
	return mockTurn{resp: ChatResponse{Content: content}}
}

func toolTurn(calls ...ToolCall) mockTurn {
	return mockTurn{resp: ChatResponse{ToolCalls: calls}}
}

func call(id, name, args string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

// fakeBackend is an in-memory MemoryBackend with failure injection.
type fakeBackend struct {
	mu      sync.Mutex
	records map[string]*MemoryRecord
	// failSaves makes the next N Save calls fail.
	failSaves int
	saveCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string]*MemoryRecord)}
}

func (b *fakeBackend) Save(_ context.Context, rec *MemoryRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveCalls++
	if b.failSaves > 0 {
		b.failSaves--
		return fmt.Errorf("fake backend: save failed")
	}
	b.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (b *fakeBackend) Get(_ context.Context, id string) (*MemoryRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (b *fakeBackend) Query(_ context.Context, f Filter) ([]*MemoryRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*MemoryRecord
	for _, rec := range b.records {
		if f.Matches(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (b *fakeBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	delete(b.records, id)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) CleanupExpired(_ context.Context, now int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, rec := range b.records {
		if rec.ExpiresAt != 0 && rec.ExpiresAt <= now {
			delete(b.records, id)
			removed++
		}
	}
	return removed, nil
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// captureRecorder collects emitted events. onEvent, when set, fires
// synchronously for each event.
type captureRecorder struct {
	mu      sync.Mutex
	events  []capturedEvent
	onEvent func(capturedEvent)
}

type capturedEvent struct {
	name  string
	attrs map[string]any
}

func (r *captureRecorder) Record(_ context.Context, event string, attrs ...SpanAttr) {
	m := make(map[string]any, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	e := capturedEvent{name: event, attrs: m}
	r.mu.Lock()
	r.events = append(r.events, e)
	cb := r.onEvent
	r.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

func (r *captureRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.name == event {
			n++
		}
	}
	return n
}

// --- shared test fixtures ---

var testTenant = TenantContext{TenantID: "t-1", UserID: "u-1"}

// echoSpec returns a tool that echoes its args back as the result.
func echoSpec(name string) ToolSpec {
	return ToolSpec{
		Name:        name,
		Description: "echo",
		Parameters:  json.RawMessage(`{"type":"object"}`),
		Invoke: func(_ context.Context, _ CallContext, args json.RawMessage) ToolResult {
			return ToolOK(args)
		},
	}
}

// newTestRegistry builds a registry with the given echo tools.
func newTestRegistry(t interface{ Fatalf(string, ...any) }, names ...string) *Registry {
	reg := NewRegistry()
	for _, name := range names {
		if err := reg.Register(echoSpec(name)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return reg
}

// newTestManager builds a memory manager over a fresh volatile store and
// the given backend, using the given clock.
func newTestManager(clock Clock, backend MemoryBackend) *MemoryManager {
	volatile := NewVolatileStore(WithVolatileClock(clock))
	return NewMemoryManager(volatile, backend, WithManagerClock(clock))
}

// testAgentSet builds the agent set used by runner and orchestrator
// tests: a coordinator, a qualifier with a typed output, and a terminal
// scheduler.
func testAgentSet(t interface{ Fatalf(string, ...any) }, reg *Registry, workerOutput json.RawMessage) *AgentSet {
	set, err := NewAgentSet(reg,
		&AgentDescriptor{
			ID:           AgentCoordinator,
			Name:         "Coordinator",
			Instructions: "route the conversation",
			Tools:        reg.Names(),
			Handoffs:     []string{AgentLeadQualifier, AgentMeetingScheduler},
		},
		&AgentDescriptor{
			ID:           AgentLeadQualifier,
			Name:         "Lead Qualifier",
			Instructions: "qualify the lead",
			Tools:        reg.Names(),
			Handoffs:     []string{AgentMeetingScheduler},
			Output:       workerOutput,
		},
		&AgentDescriptor{
			ID:           AgentMeetingScheduler,
			Name:         "Meeting Scheduler",
			Instructions: "book the meeting",
			Tools:        reg.Names(),
		},
	)
	if err != nil {
		t.Fatalf("agent set: %v", err)
	}
	return set
}

var qualifierOutputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"qualified": {"type": "boolean"},
		"reason":    {"type": "string", "minLength": 1}
	},
	"required": ["qualified", "reason"]
}`)
