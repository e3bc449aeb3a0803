// Package postgres implements pipewise.MemoryBackend on PostgreSQL.
// Content and metadata are JSONB, tags are a text array with a GIN index,
// and the tenant id is filtered straight from metadata.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipewise/pipewise"
)

// Store implements pipewise.MemoryBackend backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ pipewise.MemoryBackend = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the memory_records table and its indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			content JSONB NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS memory_records_workflow_idx ON memory_records(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS memory_records_agent_idx ON memory_records(agent_id)`,
		`CREATE INDEX IF NOT EXISTS memory_records_tags_idx ON memory_records USING gin(tags)`,
		`CREATE INDEX IF NOT EXISTS memory_records_content_idx ON memory_records USING gin(content)`,
		`CREATE INDEX IF NOT EXISTS memory_records_tenant_idx ON memory_records((metadata->>'tenant_id'))`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Save upserts a record keyed by id. created_at is preserved on conflict.
func (s *Store) Save(ctx context.Context, rec *pipewise.MemoryRecord) error {
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("postgres: marshal content: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO memory_records (id, agent_id, workflow_id, content, tags, metadata, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			workflow_id = EXCLUDED.workflow_id,
			content = EXCLUDED.content,
			tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`,
		rec.ID, rec.AgentID, rec.WorkflowID, content, tags, metadata,
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: save record %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns a record by id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*pipewise.MemoryRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, workflow_id, content, tags, metadata, created_at, updated_at, expires_at
		 FROM memory_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get record %s: %w", id, err)
	}
	return rec, nil
}

// Query returns records matching the filter, newest first.
func (s *Store) Query(ctx context.Context, f pipewise.Filter) ([]*pipewise.MemoryRecord, error) {
	where, args := buildWhere(f)
	sql := `SELECT id, agent_id, workflow_id, content, tags, metadata, created_at, updated_at, expires_at
		 FROM memory_records` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query records: %w", err)
	}
	defer rows.Close()

	var out []*pipewise.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record by id. Absent ids are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM memory_records WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete record %s: %w", id, err)
	}
	return nil
}

// CleanupExpired removes records whose expires_at has passed and returns
// the number removed.
func (s *Store) CleanupExpired(ctx context.Context, now int64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_records WHERE expires_at != 0 AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// buildWhere translates a Filter into a WHERE clause with $N placeholders.
func buildWhere(f pipewise.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.AgentID != "" {
		add(`agent_id = $%d`, f.AgentID)
	}
	if f.WorkflowID != "" {
		add(`workflow_id = $%d`, f.WorkflowID)
	}
	if f.TenantID != "" {
		add(`metadata->>'tenant_id' = $%d`, f.TenantID)
	}
	if len(f.Tags) > 0 {
		add(`tags @> $%d`, f.Tags)
	}
	if len(f.ContentKeys) > 0 {
		add(`content ?& $%d`, f.ContentKeys)
	}
	if len(f.Metadata) > 0 {
		// exact-match subset via jsonb containment
		if payload, err := json.Marshal(f.Metadata); err == nil {
			add(`metadata @> $%d`, payload)
		}
	}
	if f.CreatedAfter != 0 {
		add(`created_at >= $%d`, f.CreatedAfter)
	}
	if f.CreatedBefore != 0 {
		add(`created_at <= $%d`, f.CreatedBefore)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRecord(row pgx.Row) (*pipewise.MemoryRecord, error) {
	var rec pipewise.MemoryRecord
	var content, metadata []byte
	if err := row.Scan(&rec.ID, &rec.AgentID, &rec.WorkflowID, &content, &rec.Tags,
		&metadata, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &rec.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}
