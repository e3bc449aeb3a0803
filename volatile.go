package pipewise

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// VolatileStore is the in-process, TTL-bound memory for active workflows.
// Reads never return expired records even before the sweeper runs; the
// sweeper only reclaims space.
type VolatileStore struct {
	mu      sync.Mutex
	records map[string]*MemoryRecord
	// byWorkflow and byAgent are id sets kept in sync with records so
	// the common filters avoid full scans.
	byWorkflow map[string]map[string]struct{}
	byAgent    map[string]map[string]struct{}

	defaultTTL time.Duration
	clock      Clock
	logger     *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// VolatileOption configures a VolatileStore.
type VolatileOption func(*VolatileStore)

// WithVolatileTTL sets the TTL applied to records saved without an
// explicit expiry. Default is one hour.
func WithVolatileTTL(ttl time.Duration) VolatileOption {
	return func(s *VolatileStore) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithVolatileClock injects a clock for tests.
func WithVolatileClock(c Clock) VolatileOption {
	return func(s *VolatileStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithVolatileLogger sets the logger for sweep reporting.
func WithVolatileLogger(l *slog.Logger) VolatileOption {
	return func(s *VolatileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewVolatileStore creates a volatile store. Call StartSweeper to enable
// periodic reclamation and Close on shutdown.
func NewVolatileStore(opts ...VolatileOption) *VolatileStore {
	s := &VolatileStore{
		records:    make(map[string]*MemoryRecord),
		byWorkflow: make(map[string]map[string]struct{}),
		byAgent:    make(map[string]map[string]struct{}),
		defaultTTL: time.Hour,
		clock:      SystemClock,
		logger:     nopLogger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save upserts a record. A zero ExpiresAt gets the default TTL from now.
// Timestamps are stamped here so callers never race the clock.
func (s *VolatileStore) Save(rec *MemoryRecord) {
	now := s.clock.Now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[rec.ID]; ok {
		rec.CreatedAt = prev.CreatedAt
		s.unindexLocked(prev)
	} else if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.ExpiresAt == 0 {
		rec.ExpiresAt = now + int64(s.defaultTTL/time.Second)
	}
	s.records[rec.ID] = rec
	s.indexLocked(rec)
}

// Get returns a live record by id, or nil if absent or expired.
func (s *VolatileStore) Get(id string) *MemoryRecord {
	now := s.clock.Now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || s.expiredLocked(rec, now) {
		return nil
	}
	return rec
}

// Query returns live records matching the filter, newest first.
func (s *VolatileStore) Query(f Filter) []*MemoryRecord {
	now := s.clock.Now().Unix()
	s.mu.Lock()
	candidates := s.candidatesLocked(f)
	out := make([]*MemoryRecord, 0, len(candidates))
	for _, id := range candidates {
		rec := s.records[id]
		if s.expiredLocked(rec, now) {
			continue
		}
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		// UUIDv7 ids are time-ordered; break ties deterministically
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Delete removes a record by id. Absent ids are a no-op.
func (s *VolatileStore) Delete(id string) {
	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		s.unindexLocked(rec)
		delete(s.records, id)
	}
	s.mu.Unlock()
}

// DeleteWorkflow removes all records for a workflow and returns them.
// Used by archival.
func (s *VolatileStore) DeleteWorkflow(workflowID string) []*MemoryRecord {
	now := s.clock.Now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byWorkflow[workflowID]
	out := make([]*MemoryRecord, 0, len(ids))
	for id := range ids {
		rec := s.records[id]
		if !s.expiredLocked(rec, now) {
			out = append(out, rec)
		}
		s.unindexLocked(rec)
		delete(s.records, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Len reports the number of stored records, expired ones included.
func (s *VolatileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Sweep removes expired records immediately and returns the count removed.
func (s *VolatileStore) Sweep() int {
	now := s.clock.Now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if s.expiredLocked(rec, now) {
			s.unindexLocked(rec)
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// StartSweeper launches the periodic sweep goroutine. Interval zero or
// negative defaults to one minute.
func (s *VolatileStore) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("volatile sweep", "removed", n)
				}
			}
		}
	}()
}

// Close stops the sweeper. Safe to call once.
func (s *VolatileStore) Close(ctx context.Context) error {
	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *VolatileStore) expiredLocked(rec *MemoryRecord, now int64) bool {
	return rec.ExpiresAt != 0 && rec.ExpiresAt <= now
}

func (s *VolatileStore) indexLocked(rec *MemoryRecord) {
	if rec.WorkflowID != "" {
		set := s.byWorkflow[rec.WorkflowID]
		if set == nil {
			set = make(map[string]struct{})
			s.byWorkflow[rec.WorkflowID] = set
		}
		set[rec.ID] = struct{}{}
	}
	if rec.AgentID != "" {
		set := s.byAgent[rec.AgentID]
		if set == nil {
			set = make(map[string]struct{})
			s.byAgent[rec.AgentID] = set
		}
		set[rec.ID] = struct{}{}
	}
}

func (s *VolatileStore) unindexLocked(rec *MemoryRecord) {
	if set := s.byWorkflow[rec.WorkflowID]; set != nil {
		delete(set, rec.ID)
		if len(set) == 0 {
			delete(s.byWorkflow, rec.WorkflowID)
		}
	}
	if set := s.byAgent[rec.AgentID]; set != nil {
		delete(set, rec.ID)
		if len(set) == 0 {
			delete(s.byAgent, rec.AgentID)
		}
	}
}

// candidatesLocked narrows the scan using the secondary indices when the
// filter names a workflow or agent.
func (s *VolatileStore) candidatesLocked(f Filter) []string {
	var set map[string]struct{}
	switch {
	case f.WorkflowID != "":
		set = s.byWorkflow[f.WorkflowID]
	case f.AgentID != "":
		set = s.byAgent[f.AgentID]
	default:
		ids := make([]string, 0, len(s.records))
		for id := range s.records {
			ids = append(ids, id)
		}
		return ids
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
