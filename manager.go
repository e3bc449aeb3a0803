package pipewise

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryManager coordinates the volatile store and the persistent backend
// behind one surface. Every persistent write is stamped with the calling
// tenant's id; every persistent read is filtered by it.
type MemoryManager struct {
	volatile *VolatileStore
	backend  MemoryBackend
	clock    Clock
	logger   *slog.Logger
	recorder Recorder

	// archived tracks workflows already flushed so Archive is idempotent
	// within a process even when records were swept in between.
	archivedMu sync.Mutex
	archived   map[string]bool
}

// ManagerOption configures a MemoryManager.
type ManagerOption func(*MemoryManager)

// WithManagerClock injects a clock for tests.
func WithManagerClock(c Clock) ManagerOption {
	return func(m *MemoryManager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *MemoryManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithManagerRecorder sets the telemetry recorder.
func WithManagerRecorder(r Recorder) ManagerOption {
	return func(m *MemoryManager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// NewMemoryManager builds a manager over the given stores. backend may be
// nil, in which case persistent operations fail with a clear error and
// SaveBoth degrades to volatile-only.
func NewMemoryManager(volatile *VolatileStore, backend MemoryBackend, opts ...ManagerOption) *MemoryManager {
	m := &MemoryManager{
		volatile: volatile,
		backend:  backend,
		clock:    SystemClock,
		logger:   nopLogger,
		recorder: NopRecorder{},
		archived: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SaveVolatile stores a record in session memory only. A generated id is
// assigned when the record has none.
func (m *MemoryManager) SaveVolatile(ctx context.Context, tenant TenantContext, rec *MemoryRecord) string {
	m.prepare(tenant, rec)
	m.volatile.Save(rec)
	m.recorder.Record(ctx, EventMemoryRecordSaved,
		StringAttr("store", "volatile"),
		StringAttr("agent", rec.AgentID))
	return rec.ID
}

// SavePersistent stores a record durably. The record is stamped with the
// tenant id; the write is retried once on failure.
func (m *MemoryManager) SavePersistent(ctx context.Context, tenant TenantContext, rec *MemoryRecord) (string, error) {
	if m.backend == nil {
		return "", fmt.Errorf("save persistent: no backend configured")
	}
	m.prepare(tenant, rec)
	now := m.clock.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if err := m.saveWithRetry(ctx, rec); err != nil {
		return "", fmt.Errorf("save persistent: %w", err)
	}
	m.recorder.Record(ctx, EventMemoryRecordSaved,
		StringAttr("store", "persistent"),
		StringAttr("agent", rec.AgentID))
	return rec.ID, nil
}

// SaveBoth writes to both stores. The volatile write always happens; a
// persistent failure (after one retry) is logged and swallowed so the
// workflow keeps running on session memory.
func (m *MemoryManager) SaveBoth(ctx context.Context, tenant TenantContext, rec *MemoryRecord) string {
	id := m.SaveVolatile(ctx, tenant, rec)
	if m.backend == nil {
		return id
	}
	durable := cloneRecord(rec)
	if err := m.saveWithRetry(ctx, durable); err != nil {
		m.logger.ErrorContext(ctx, "persistent save failed, continuing on volatile",
			"record", id, "err", err)
		return id
	}
	m.recorder.Record(ctx, EventMemoryRecordSaved,
		StringAttr("store", "persistent"),
		StringAttr("agent", rec.AgentID))
	return id
}

// GetVolatile reads a live session record by id.
func (m *MemoryManager) GetVolatile(id string) *MemoryRecord {
	return m.volatile.Get(id)
}

// GetPersistent reads a durable record by id, enforcing tenant ownership.
func (m *MemoryManager) GetPersistent(ctx context.Context, tenant TenantContext, id string) (*MemoryRecord, error) {
	if m.backend == nil {
		return nil, fmt.Errorf("get persistent: no backend configured")
	}
	rec, err := m.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Tenant() != tenant.TenantID {
		// other tenants' records are indistinguishable from absent ones
		return nil, nil
	}
	return rec, nil
}

// QueryVolatile returns live session records matching the filter.
func (m *MemoryManager) QueryVolatile(f Filter) []*MemoryRecord {
	return m.volatile.Query(f)
}

// QueryPersistent returns durable records matching the filter, constrained
// to the calling tenant regardless of what the filter asks for.
func (m *MemoryManager) QueryPersistent(ctx context.Context, tenant TenantContext, f Filter) ([]*MemoryRecord, error) {
	if m.backend == nil {
		return nil, fmt.Errorf("query persistent: no backend configured")
	}
	f.TenantID = tenant.TenantID
	return m.backend.Query(ctx, f)
}

// AgentContext assembles the recent memory an agent starts from: its live
// volatile records for the workflow plus its most recent persistent
// records for the tenant.
func (m *MemoryManager) AgentContext(ctx context.Context, tenant TenantContext, agentID, workflowID string, limit int) []*MemoryRecord {
	if limit <= 0 {
		limit = 10
	}
	out := m.volatile.Query(Filter{
		AgentID:    agentID,
		WorkflowID: workflowID,
		TenantID:   tenant.TenantID,
		Limit:      limit,
	})
	if m.backend == nil {
		return out
	}
	durable, err := m.backend.Query(ctx, Filter{
		AgentID:  agentID,
		TenantID: tenant.TenantID,
		Limit:    limit,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "persistent context read failed", "agent", agentID, "err", err)
		return out
	}
	return append(out, durable...)
}

// WorkflowContext returns the calling tenant's live volatile records for a
// workflow.
func (m *MemoryManager) WorkflowContext(tenant TenantContext, workflowID string) []*MemoryRecord {
	return m.volatile.Query(Filter{WorkflowID: workflowID, TenantID: tenant.TenantID})
}

// Archive flushes a finished workflow's volatile records to the persistent
// backend, marking each with an archived_at timestamp, then drops them
// from session memory. Calling it again for the same workflow is a no-op.
func (m *MemoryManager) Archive(ctx context.Context, tenant TenantContext, workflowID string) error {
	m.archivedMu.Lock()
	if m.archived[workflowID] {
		m.archivedMu.Unlock()
		return nil
	}
	m.archived[workflowID] = true
	m.archivedMu.Unlock()

	records := m.volatile.DeleteWorkflow(workflowID)
	if m.backend == nil || len(records) == 0 {
		return nil
	}
	now := m.clock.Now().Unix()
	var firstErr error
	for _, rec := range records {
		durable := cloneRecord(rec)
		if durable.Metadata == nil {
			durable.Metadata = make(map[string]any, 2)
		}
		durable.Metadata["tenant_id"] = tenant.TenantID
		durable.Metadata["archived_at"] = now
		durable.ExpiresAt = 0
		if err := m.saveWithRetry(ctx, durable); err != nil {
			m.logger.ErrorContext(ctx, "archive write failed",
				"workflow", workflowID, "record", rec.ID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("archive %s: %w", workflowID, firstErr)
	}
	return nil
}

func (m *MemoryManager) prepare(tenant TenantContext, rec *MemoryRecord) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, 1)
	}
	rec.Metadata["tenant_id"] = tenant.TenantID
}

func (m *MemoryManager) saveWithRetry(ctx context.Context, rec *MemoryRecord) error {
	err := m.backend.Save(ctx, rec)
	if err == nil || ctx.Err() != nil {
		return err
	}
	return m.backend.Save(ctx, rec)
}

func cloneRecord(rec *MemoryRecord) *MemoryRecord {
	dup := *rec
	if rec.Tags != nil {
		dup.Tags = append([]string(nil), rec.Tags...)
	}
	if rec.Content != nil {
		dup.Content = make(map[string]any, len(rec.Content))
		for k, v := range rec.Content {
			dup.Content[k] = v
		}
	}
	if rec.Metadata != nil {
		dup.Metadata = make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}
