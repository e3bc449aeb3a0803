package pipewise

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// AgentDescriptor is the static definition of one agent: its prompt, the
// tools it may call, the agents it may hand off to, and the shape of its
// final answer.
type AgentDescriptor struct {
	// ID is the stable identifier used in handoff targets and memory
	// records, e.g. "lead_qualifier".
	ID string
	// Name is the human-readable display name.
	Name string
	// Instructions is the system prompt.
	Instructions string
	// Tools lists registry tool names this agent may call.
	Tools []string
	// Handoffs lists agent IDs this agent may hand off to. Empty means
	// the agent is terminal.
	Handoffs []string
	// Output, when set, is the JSON Schema the agent's final answer must
	// satisfy. When nil the final answer is free text.
	Output json.RawMessage
	// Model overrides the default model for this agent. Empty uses the
	// orchestrator default.
	Model       string
	Temperature float64
	MaxTokens   int
	// MaxIterations caps the tool-calling loop. Zero uses the
	// orchestrator default.
	MaxIterations int

	compiledOutput *jsonschema.Schema
}

// OutputSchema returns the compiled final-answer schema, or nil when the
// agent produces free text. Valid only after AgentSet.Validate.
func (d *AgentDescriptor) OutputSchema() *jsonschema.Schema {
	return d.compiledOutput
}

// AgentSet is the validated collection of agents a workflow can route
// between. Built once at bootstrap.
type AgentSet struct {
	agents map[string]*AgentDescriptor
}

// NewAgentSet validates the descriptors against each other and against the
// tool registry, compiles output schemas, and returns the set. Duplicate
// IDs, unknown tool names, unknown handoff targets, and uncompilable output
// schemas all fail construction.
func NewAgentSet(registry *Registry, descriptors ...*AgentDescriptor) (*AgentSet, error) {
	set := &AgentSet{agents: make(map[string]*AgentDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("agent set: descriptor with empty id")
		}
		if _, ok := set.agents[d.ID]; ok {
			return nil, fmt.Errorf("agent set: duplicate agent id %q", d.ID)
		}
		set.agents[d.ID] = d
	}
	for _, d := range set.agents {
		for _, tool := range d.Tools {
			if _, err := registry.Resolve(tool); err != nil {
				return nil, fmt.Errorf("agent %q: tool %q: %w", d.ID, tool, ErrUnknownTool)
			}
		}
		for _, target := range d.Handoffs {
			if target == d.ID {
				return nil, fmt.Errorf("agent %q: handoff to self", d.ID)
			}
			if _, ok := set.agents[target]; !ok {
				return nil, fmt.Errorf("agent %q: handoff target %q: %w", d.ID, target, ErrUnknownAgent)
			}
		}
		if len(d.Output) > 0 {
			compiled, err := jsonschema.CompileString(d.ID+".output.json", string(d.Output))
			if err != nil {
				return nil, fmt.Errorf("agent %q: output schema: %w: %v", d.ID, ErrInvalidSchema, err)
			}
			d.compiledOutput = compiled
		}
	}
	return set, nil
}

// Get returns the descriptor for an agent id.
func (s *AgentSet) Get(id string) (*AgentDescriptor, error) {
	d, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", id, ErrUnknownAgent)
	}
	return d, nil
}

// Has reports whether an agent id exists in the set.
func (s *AgentSet) Has(id string) bool {
	_, ok := s.agents[id]
	return ok
}

// IDs returns all agent ids in the set, unordered.
func (s *AgentSet) IDs() []string {
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	return ids
}
