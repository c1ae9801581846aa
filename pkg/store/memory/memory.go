// Package memory is an in-process Store, used by tests and single-shot CLI runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
)

// Store keeps everything in maps guarded by a RWMutex.
type Store struct {
	mu         sync.RWMutex
	pipelines  map[string]*pipeline.Pipeline
	executions map[string]*execution.Execution
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		pipelines:  make(map[string]*pipeline.Pipeline),
		executions: make(map[string]*execution.Execution),
	}
}

func (s *Store) LoadPipeline(_ context.Context, id string) (*pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", id, store.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *Store) SavePipeline(_ context.Context, p *pipeline.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[p.ID] = p.Clone()
	return nil
}

func (s *Store) ListPipelines(_ context.Context) ([]*pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pipeline.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p.Clone())
	}
	store.SortPipelines(out)
	return out, nil
}

func (s *Store) DeletePipeline(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return fmt.Errorf("pipeline %q: %w", id, store.ErrNotFound)
	}
	delete(s.pipelines, id)
	return nil
}

func (s *Store) LoadExecution(_ context.Context, id string) (*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %q: %w", id, store.ErrNotFound)
	}
	return e.Clone(), nil
}

func (s *Store) CreateExecution(_ context.Context, e *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; ok {
		return fmt.Errorf("execution %q: %w", e.ID, store.ErrAlreadyExists)
	}
	s.executions[e.ID] = e.Clone()
	return nil
}

func (s *Store) SaveExecution(_ context.Context, e *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = e.Clone()
	return nil
}

func (s *Store) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*execution.Execution{}
	for _, e := range s.executions {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	store.SortExecutions(out)
	return out, nil
}

func (s *Store) ActiveExecutions(ctx context.Context) ([]*execution.Execution, error) {
	return s.ListExecutions(ctx, store.ExecutionFilter{Status: execution.StatusActive})
}

func (s *Store) Close() error { return nil }
