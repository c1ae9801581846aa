// Package sqlite is a Store on a single SQLite database file. Each record is
// kept as a JSON document next to the columns used for lookups.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
)

// Store wraps a *sql.DB opened with the sqlite3 driver.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_node_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_pipeline ON executions (pipeline_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health pings the database.
func (s *Store) Health() error {
	return s.db.Ping()
}

// sortKey renders a time so that lexical order matches chronological order.
func sortKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func (s *Store) LoadPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM pipelines WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load pipeline %q: %w", id, err)
	}
	var p pipeline.Pipeline
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode pipeline %q: %w", id, err)
	}
	return &p, nil
}

func (s *Store) SavePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pipeline %q: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, created_at, document) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, created_at = excluded.created_at, document = excluded.document`,
		p.ID, p.Name, sortKey(p.CreatedAt), string(doc))
	if err != nil {
		return fmt.Errorf("save pipeline %q: %w", p.ID, err)
	}
	return nil
}

func (s *Store) ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM pipelines ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	out := []*pipeline.Pipeline{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p pipeline.Pipeline
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("decode pipeline: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pipeline %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pipeline %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*execution.Execution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM executions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %q: %w", id, err)
	}
	return decodeExecution(doc)
}

func decodeExecution(doc string) (*execution.Execution, error) {
	var e execution.Execution
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &e, nil
}

func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode execution %q: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, pipeline_id, status, current_node_id, created_at, updated_at, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PipelineID, string(e.Status), e.CurrentNodeID, sortKey(e.CreatedAt), sortKey(e.UpdatedAt), string(doc))
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return fmt.Errorf("execution %q: %w", e.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create execution %q: %w", e.ID, err)
	}
	return nil
}

func (s *Store) SaveExecution(ctx context.Context, e *execution.Execution) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode execution %q: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, pipeline_id, status, current_node_id, created_at, updated_at, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pipeline_id = excluded.pipeline_id,
			status = excluded.status,
			current_node_id = excluded.current_node_id,
			updated_at = excluded.updated_at,
			document = excluded.document`,
		e.ID, e.PipelineID, string(e.Status), e.CurrentNodeID, sortKey(e.CreatedAt), sortKey(e.UpdatedAt), string(doc))
	if err != nil {
		return fmt.Errorf("save execution %q: %w", e.ID, err)
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*execution.Execution, error) {
	query := `SELECT document FROM executions`
	var (
		where []string
		args  []any
	)
	if filter.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := []*execution.Execution{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		e, err := decodeExecution(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ActiveExecutions(ctx context.Context) ([]*execution.Execution, error) {
	return s.ListExecutions(ctx, store.ExecutionFilter{Status: execution.StatusActive})
}
