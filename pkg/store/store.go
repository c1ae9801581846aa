// Package store defines persistence for pipelines and executions.
// Backends live in subpackages.
package store

import (
	"context"
	"errors"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
)

var (
	// ErrNotFound is returned when a pipeline or execution does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by CreateExecution for a duplicate id.
	ErrAlreadyExists = errors.New("already exists")
)

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	PipelineID string
	Status     execution.Status
}

// Matches reports whether e passes the filter.
func (f ExecutionFilter) Matches(e *execution.Execution) bool {
	if f.PipelineID != "" && e.PipelineID != f.PipelineID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Store persists pipelines and executions. Implementations return deep
// copies: mutating a loaded value never changes stored state. Lists are
// ordered by creation time, then id.
type Store interface {
	LoadPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error)
	// SavePipeline inserts or replaces a pipeline.
	SavePipeline(ctx context.Context, p *pipeline.Pipeline) error
	ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error)
	DeletePipeline(ctx context.Context, id string) error

	LoadExecution(ctx context.Context, id string) (*execution.Execution, error)
	// CreateExecution inserts a new execution; it fails with ErrAlreadyExists
	// if the id is taken.
	CreateExecution(ctx context.Context, e *execution.Execution) error
	// SaveExecution inserts or replaces an execution.
	SaveExecution(ctx context.Context, e *execution.Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*execution.Execution, error)
	ActiveExecutions(ctx context.Context) ([]*execution.Execution, error)

	Close() error
}
