package pipewise

import "context"

// MemoryRecord is one remembered fact or artifact. The same shape serves
// the volatile store and the persistent backends; only lifecycle differs.
type MemoryRecord struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	WorkflowID string         `json:"workflow_id"`
	Content    map[string]any `json:"content"`
	Tags       []string       `json:"tags,omitempty"`
	// Metadata carries scoping fields. "tenant_id" is mandatory on
	// persistent records; "archived_at" marks archived volatile state.
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
	// ExpiresAt is a unix timestamp; zero means no expiry. Only the
	// volatile store enforces it.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Tenant returns the record's tenant id, or "" when unscoped.
func (r *MemoryRecord) Tenant() string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata["tenant_id"].(string)
	return s
}

// HasTag reports whether the record carries the given tag.
func (r *MemoryRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Filter selects memory records. Zero-valued fields do not constrain.
// All set fields must match (conjunction).
type Filter struct {
	AgentID    string
	WorkflowID string
	// Tags must all be present on a matching record.
	Tags []string
	// ContentKeys must all exist as keys in the record's content.
	ContentKeys []string
	// Metadata entries must all match exactly.
	Metadata      map[string]any
	CreatedAfter  int64
	CreatedBefore int64
	// TenantID matches records whose metadata tenant_id equals it.
	TenantID string
	// Limit caps the result count; zero means no cap.
	Limit int
}

// Matches applies the filter to a single record. Used by the volatile
// store; SQL backends translate the filter instead.
func (f Filter) Matches(r *MemoryRecord) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.WorkflowID != "" && r.WorkflowID != f.WorkflowID {
		return false
	}
	if f.TenantID != "" && r.Tenant() != f.TenantID {
		return false
	}
	for _, tag := range f.Tags {
		if !r.HasTag(tag) {
			return false
		}
	}
	for _, key := range f.ContentKeys {
		if _, ok := r.Content[key]; !ok {
			return false
		}
	}
	for k, want := range f.Metadata {
		if r.Metadata == nil {
			return false
		}
		if got, ok := r.Metadata[k]; !ok || got != want {
			return false
		}
	}
	if f.CreatedAfter != 0 && r.CreatedAt < f.CreatedAfter {
		return false
	}
	if f.CreatedBefore != 0 && r.CreatedAt > f.CreatedBefore {
		return false
	}
	return true
}

// MemoryBackend is the storage interface for persistent memory. Save is an
// upsert keyed by record id. See store/postgres and store/sqlite for the
// shipped implementations.
type MemoryBackend interface {
	Save(ctx context.Context, rec *MemoryRecord) error
	Get(ctx context.Context, id string) (*MemoryRecord, error)
	// Query returns records matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]*MemoryRecord, error)
	Delete(ctx context.Context, id string) error
	// CleanupExpired removes records whose expires_at has passed.
	// Returns the number removed.
	CleanupExpired(ctx context.Context, now int64) (int, error)
}
