package pipewise

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestHandoffEngine(t *testing.T, clock Clock, rec Recorder) (*HandoffEngine, *MemoryManager) {
	t.Helper()
	reg := newTestRegistry(t, "get_lead_by_id")
	set := testAgentSet(t, reg, qualifierOutputSchema)
	m := newTestManager(clock, newFakeBackend())
	opts := []HandoffOption{WithHandoffClock(clock)}
	if rec != nil {
		opts = append(opts, WithHandoffRecorder(rec))
	}
	return NewHandoffEngine(set, m, opts...), m
}

func TestHandoffUnknownTarget(t *testing.T) {
	e, _ := newTestHandoffEngine(t, newFakeClock(), nil)
	_, err := e.Perform(context.Background(), testTenant, "w1", HandoffRequest{
		FromAgent: AgentCoordinator,
		ToAgent:   "nonexistent",
	})
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("want ErrUnknownAgent, got %v", err)
	}
}

func TestHandoffIllegalEdge(t *testing.T) {
	e, _ := newTestHandoffEngine(t, newFakeClock(), nil)
	// the scheduler is terminal; it may not hand off anywhere
	_, err := e.Perform(context.Background(), testTenant, "w1", HandoffRequest{
		FromAgent: AgentMeetingScheduler,
		ToAgent:   AgentLeadQualifier,
	})
	if !errors.Is(err, ErrIllegalHandoff) {
		t.Fatalf("want ErrIllegalHandoff, got %v", err)
	}
}

func TestHandoffCanHandoff(t *testing.T) {
	e, _ := newTestHandoffEngine(t, newFakeClock(), nil)
	if !e.CanHandoff(AgentCoordinator, AgentLeadQualifier) {
		t.Error("declared edge rejected")
	}
	if e.CanHandoff(AgentMeetingScheduler, AgentCoordinator) {
		t.Error("undeclared edge accepted")
	}
	if e.CanHandoff("ghost", AgentCoordinator) {
		t.Error("unknown source accepted")
	}
}

func TestHandoffPerform(t *testing.T) {
	clock := newFakeClock()
	rec := &captureRecorder{}
	e, m := newTestHandoffEngine(t, clock, rec)

	ctx := context.Background()
	// the source agent accumulated some working memory first
	m.SaveVolatile(ctx, testTenant, &MemoryRecord{
		AgentID: AgentCoordinator, WorkflowID: "w1",
		Content: map[string]any{"note": "first"},
	})
	clock.Advance(time.Second)
	m.SaveVolatile(ctx, testTenant, &MemoryRecord{
		AgentID: AgentCoordinator, WorkflowID: "w1",
		Content: map[string]any{"note": "second"},
	})
	clock.Advance(time.Second)

	out, err := e.Perform(ctx, testTenant, "w1", HandoffRequest{
		FromAgent: AgentCoordinator,
		ToAgent:   AgentLeadQualifier,
		Reason:    "buying signals",
		Context:   json.RawMessage(`{"company":"Acme"}`),
	})
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	if out.NextAgent != AgentLeadQualifier {
		t.Errorf("next agent = %q", out.NextAgent)
	}
	if out.Entry.From != AgentCoordinator || out.Entry.To != AgentLeadQualifier {
		t.Errorf("entry = %+v", out.Entry)
	}
	if out.Entry.At != clock.Now().Unix() {
		t.Errorf("entry timestamp = %d, want %d", out.Entry.At, clock.Now().Unix())
	}

	// carried memory is oldest-first and includes the handoff record itself
	if len(out.Carried) != 3 {
		t.Fatalf("carried %d records, want 3", len(out.Carried))
	}
	if out.Carried[0].Content["note"] != "first" {
		t.Errorf("carried[0] = %v, want the oldest note", out.Carried[0].Content)
	}
	last := out.Carried[len(out.Carried)-1]
	if !last.HasTag("handoff") {
		t.Errorf("newest carried record is not the handoff record: %v", last)
	}
	if last.Content["to"] != AgentLeadQualifier || last.Content["context"] != `{"company":"Acme"}` {
		t.Errorf("handoff record content = %v", last.Content)
	}

	if n := rec.count(EventHandoffPerformed); n != 1 {
		t.Errorf("handoff events = %d, want 1", n)
	}
}

func TestHandoffCarryTenantScoped(t *testing.T) {
	e, m := newTestHandoffEngine(t, newFakeClock(), nil)

	ctx := context.Background()
	other := TenantContext{TenantID: "t-other"}
	m.SaveVolatile(ctx, other, &MemoryRecord{
		AgentID: AgentCoordinator, WorkflowID: "w1",
		Content: map[string]any{"secret": "theirs"},
	})

	out, err := e.Perform(ctx, testTenant, "w1", HandoffRequest{
		FromAgent: AgentCoordinator,
		ToAgent:   AgentLeadQualifier,
		Reason:    "r",
	})
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	// only the transfer's own record is carried, never another tenant's
	if len(out.Carried) != 1 || !out.Carried[0].HasTag("handoff") {
		t.Fatalf("carried = %d records, want just the handoff record", len(out.Carried))
	}
}

func TestHandoffDefaultPriority(t *testing.T) {
	e, m := newTestHandoffEngine(t, newFakeClock(), nil)
	_, err := e.Perform(context.Background(), testTenant, "w1", HandoffRequest{
		FromAgent: AgentCoordinator,
		ToAgent:   AgentLeadQualifier,
		Reason:    "r",
	})
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	recs := m.QueryVolatile(Filter{WorkflowID: "w1", Tags: []string{"handoff"}})
	if len(recs) != 1 {
		t.Fatalf("handoff records = %d, want 1", len(recs))
	}
	if recs[0].Content["priority"] != string(PriorityNormal) {
		t.Errorf("priority = %v, want normal", recs[0].Content["priority"])
	}
}

func TestHandoffCallbacks(t *testing.T) {
	e, _ := newTestHandoffEngine(t, newFakeClock(), nil)

	var order []string
	e.OnBefore(AgentCoordinator, AgentLeadQualifier, func(context.Context, HandoffRequest) error {
		order = append(order, "before")
		return nil
	})
	e.OnBefore(AgentCoordinator, AgentLeadQualifier, func(context.Context, HandoffRequest) error {
		// a failing callback must not block the transfer
		order = append(order, "before-fail")
		return fmt.Errorf("observer down")
	})
	var gotElapsed time.Duration
	e.OnAfter(AgentCoordinator, AgentLeadQualifier, func(_ context.Context, _ HandoffRequest, elapsed time.Duration) error {
		order = append(order, "after")
		gotElapsed = elapsed
		return nil
	})
	// callbacks for a different edge must not fire
	e.OnBefore(AgentCoordinator, AgentMeetingScheduler, func(context.Context, HandoffRequest) error {
		order = append(order, "wrong-edge")
		return nil
	})
	e.OnAfter(AgentCoordinator, AgentMeetingScheduler, func(context.Context, HandoffRequest, time.Duration) error {
		order = append(order, "wrong-edge-after")
		return nil
	})

	req := HandoffRequest{
		FromAgent: AgentCoordinator,
		ToAgent:   AgentLeadQualifier,
		Reason:    "r",
	}
	_, err := e.Perform(context.Background(), testTenant, "w1", req)
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	// the transfer itself only fires the pre-callbacks
	want := []string{"before", "before-fail"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("callback order after Perform = %v, want %v", order, want)
	}

	// the post-callbacks fire once the target agent finished, with timing
	e.Complete(context.Background(), req, 5*time.Second)
	want = []string{"before", "before-fail", "after"}
	if len(order) != len(want) {
		t.Fatalf("callback order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("callback order = %v, want %v", order, want)
		}
	}
	if gotElapsed != 5*time.Second {
		t.Errorf("elapsed = %v, want 5s", gotElapsed)
	}
}

func TestHandoffCompleteSwallowsCallbackError(t *testing.T) {
	e, _ := newTestHandoffEngine(t, newFakeClock(), nil)
	fired := 0
	e.OnAfter(AgentCoordinator, AgentLeadQualifier, func(context.Context, HandoffRequest, time.Duration) error {
		fired++
		return fmt.Errorf("observer down")
	})
	e.Complete(context.Background(), HandoffRequest{
		FromAgent: AgentCoordinator,
		ToAgent:   AgentLeadQualifier,
	}, time.Second)
	if fired != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
}
