package pipewise

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAgentSetValid(t *testing.T) {
	reg := newTestRegistry(t, "get_lead_by_id")
	set := testAgentSet(t, reg, qualifierOutputSchema)

	if !set.Has(AgentCoordinator) || !set.Has(AgentLeadQualifier) {
		t.Error("declared agents missing")
	}
	if len(set.IDs()) != 3 {
		t.Errorf("IDs = %v", set.IDs())
	}
	desc, err := set.Get(AgentLeadQualifier)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if desc.OutputSchema() == nil {
		t.Error("output schema not compiled")
	}
	free, _ := set.Get(AgentCoordinator)
	if free.OutputSchema() != nil {
		t.Error("free-text agent grew an output schema")
	}
}

func TestAgentSetDuplicateID(t *testing.T) {
	reg := newTestRegistry(t, "get_lead_by_id")
	_, err := NewAgentSet(reg,
		&AgentDescriptor{ID: "a", Name: "A", Instructions: "x"},
		&AgentDescriptor{ID: "a", Name: "A again", Instructions: "y"},
	)
	if err == nil {
		t.Fatal("want error for duplicate id")
	}
}

func TestAgentSetEmptyID(t *testing.T) {
	reg := newTestRegistry(t, "get_lead_by_id")
	_, err := NewAgentSet(reg, &AgentDescriptor{Name: "Anon", Instructions: "x"})
	if err == nil {
		t.Fatal("want error for empty id")
	}
}

func TestAgentSetUnknownTool(t *testing.T) {
	reg := newTestRegistry(t, "get_lead_by_id")
	_, err := NewAgentSet(reg, &AgentDescriptor{
		ID: "a", Name: "A", Instructions: "x", Tools: []string{"missing_tool"},
	})
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("want ErrUnknownTool, got %v", err)
	}
}

func TestAgentSetSelfHandoff(t *testing.T) {
	reg := newTestRegistry(t, "get_lead_by_id")
	_, err := NewAgentSet(reg, &AgentDescriptor{
		ID: "a", Name: "A", Instructions: "x", Handoffs: []string{"a"},
	})
	if err == nil {
		t.Fatal("want error for self handoff")
	}
}

func TestAgentSetUnknownHandoffTarget(t *testing.T) {
	reg := newTestRegistry(t, "get_lead_by_id")
	_, err := NewAgentSet(reg, &AgentDescriptor{
		ID: "a", Name: "A", Instructions: "x", Handoffs: []string{"ghost"},
	})
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("want ErrUnknownAgent, got %v", err)
	}
}

func TestAgentSetBadOutputSchema(t *testing.T) {
	reg := newTestRegistry(t, "get_lead_by_id")
	_, err := NewAgentSet(reg, &AgentDescriptor{
		ID: "a", Name: "A", Instructions: "x",
		Output: json.RawMessage(`{"type": 42}`),
	})
	if !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("want ErrInvalidSchema, got %v", err)
	}
}

func TestAgentSetUnknownAgent(t *testing.T) {
	reg := newTestRegistry(t, "get_lead_by_id")
	set := testAgentSet(t, reg, nil)
	if _, err := set.Get("ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("want ErrUnknownAgent, got %v", err)
	}
}
