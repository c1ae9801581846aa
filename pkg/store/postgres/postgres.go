// Package postgres is a Store on PostgreSQL via a pgx connection pool.
// Records are stored as JSONB documents alongside indexed lookup columns.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
)

const uniqueViolation = "23505"

// Schema creates the tables the store needs. Migrate runs it.
const Schema = `
CREATE TABLE IF NOT EXISTS pipelines (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	document   JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS executions (
	id              TEXT PRIMARY KEY,
	pipeline_id     TEXT NOT NULL,
	status          TEXT NOT NULL,
	current_node_id TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	document        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions (status);
CREATE INDEX IF NOT EXISTS idx_executions_pipeline ON executions (pipeline_id);
`

// Store is a PostgreSQL implementation of store.Store.
type Store struct {
	db *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an existing pool. The caller owns the pool unless Close is called.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect opens a pool for dsn, pings it and applies Schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) LoadPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM pipelines WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load pipeline %q: %w", id, err)
	}
	var p pipeline.Pipeline
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode pipeline %q: %w", id, err)
	}
	return &p, nil
}

func (s *Store) SavePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pipeline %q: %w", p.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO pipelines (id, name, created_at, document) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, created_at = EXCLUDED.created_at, document = EXCLUDED.document`,
		p.ID, p.Name, p.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("save pipeline %q: %w", p.ID, err)
	}
	return nil
}

func (s *Store) ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error) {
	rows, err := s.db.Query(ctx, `SELECT document FROM pipelines ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	out := []*pipeline.Pipeline{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var p pipeline.Pipeline
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("decode pipeline: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pipeline %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pipeline %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*execution.Execution, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM executions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %q: %w", id, err)
	}
	var e execution.Execution
	if err := json.Unmarshal(doc, &e); err != nil {
		return nil, fmt.Errorf("decode execution %q: %w", id, err)
	}
	return &e, nil
}

func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode execution %q: %w", e.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO executions (id, pipeline_id, status, current_node_id, created_at, updated_at, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.PipelineID, string(e.Status), e.CurrentNodeID, e.CreatedAt, e.UpdatedAt, doc)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
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
	_, err = s.db.Exec(ctx, `
		INSERT INTO executions (id, pipeline_id, status, current_node_id, created_at, updated_at, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			pipeline_id = EXCLUDED.pipeline_id,
			status = EXCLUDED.status,
			current_node_id = EXCLUDED.current_node_id,
			updated_at = EXCLUDED.updated_at,
			document = EXCLUDED.document`,
		e.ID, e.PipelineID, string(e.Status), e.CurrentNodeID, e.CreatedAt, e.UpdatedAt, doc)
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
		args = append(args, filter.PipelineID)
		where = append(where, fmt.Sprintf("pipeline_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := []*execution.Execution{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e execution.Execution
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) ActiveExecutions(ctx context.Context) ([]*execution.Execution, error) {
	return s.ListExecutions(ctx, store.ExecutionFilter{Status: execution.StatusActive})
}
