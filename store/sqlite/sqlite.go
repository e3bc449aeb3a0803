// Package sqlite implements pipewise.MemoryBackend on pure-Go SQLite.
// Zero CGO required. Content, tags, and metadata are stored as JSON text
// and filtered with the json1 functions.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pipewise/pipewise"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store implements pipewise.MemoryBackend backed by a local SQLite file.
type Store struct {
	db *sql.DB
}

var _ pipewise.MemoryBackend = (*Store)(nil)

// New creates a Store at dbPath. A single shared connection serializes all
// goroutines through one writer, avoiding SQLITE_BUSY from concurrent
// writers on independent connections.
func New(dbPath string) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}
}

// Init creates the memory_records table and its indexes.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS memory_records_workflow_idx ON memory_records(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS memory_records_agent_idx ON memory_records(agent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save upserts a record keyed by id.
func (s *Store) Save(ctx context.Context, rec *pipewise.MemoryRecord) error {
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("sqlite: marshal content: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_records (id, agent_id, workflow_id, content, tags, metadata, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			workflow_id = excluded.workflow_id,
			content = excluded.content,
			tags = excluded.tags,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		rec.ID, rec.AgentID, rec.WorkflowID, string(content), string(tags), string(metadata),
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("sqlite: save record %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns a record by id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*pipewise.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, workflow_id, content, tags, metadata, created_at, updated_at, expires_at
		 FROM memory_records WHERE id = ?`, id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get record %s: %w", id, err)
	}
	return rec, nil
}

// Query returns records matching the filter, newest first.
func (s *Store) Query(ctx context.Context, f pipewise.Filter) ([]*pipewise.MemoryRecord, error) {
	where, args := buildWhere(f)
	query := `SELECT id, agent_id, workflow_id, content, tags, metadata, created_at, updated_at, expires_at
		 FROM memory_records` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query records: %w", err)
	}
	defer rows.Close()

	var out []*pipewise.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record by id. Absent ids are a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete record %s: %w", id, err)
	}
	return nil
}

// CleanupExpired removes records whose expires_at has passed and returns
// the number removed.
func (s *Store) CleanupExpired(ctx context.Context, now int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_records WHERE expires_at != 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// buildWhere translates a Filter into a WHERE clause. Tag and content-key
// containment use json1 subqueries over the stored JSON text.
func buildWhere(f pipewise.Filter) (string, []any) {
	var conds []string
	var args []any

	if f.AgentID != "" {
		conds = append(conds, `agent_id = ?`)
		args = append(args, f.AgentID)
	}
	if f.WorkflowID != "" {
		conds = append(conds, `workflow_id = ?`)
		args = append(args, f.WorkflowID)
	}
	if f.TenantID != "" {
		conds = append(conds, `json_extract(metadata, '$.tenant_id') = ?`)
		args = append(args, f.TenantID)
	}
	for _, tag := range f.Tags {
		conds = append(conds, `EXISTS (SELECT 1 FROM json_each(tags) WHERE json_each.value = ?)`)
		args = append(args, tag)
	}
	for _, key := range f.ContentKeys {
		conds = append(conds, `json_type(content, '$.' || ?) IS NOT NULL`)
		args = append(args, key)
	}
	for k, v := range f.Metadata {
		conds = append(conds, `json_extract(metadata, '$.' || ?) = ?`)
		args = append(args, k, v)
	}
	if f.CreatedAfter != 0 {
		conds = append(conds, `created_at >= ?`)
		args = append(args, f.CreatedAfter)
	}
	if f.CreatedBefore != 0 {
		conds = append(conds, `created_at <= ?`)
		args = append(args, f.CreatedBefore)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRecord(scan func(...any) error) (*pipewise.MemoryRecord, error) {
	var rec pipewise.MemoryRecord
	var content, tags, metadata string
	if err := scan(&rec.ID, &rec.AgentID, &rec.WorkflowID, &content, &tags,
		&metadata, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &rec.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &rec, nil
}
