// Package file is a Store backed by two JSON documents in a data directory:
// pipelines.json and executions.json. It suits a single process; writes are
// atomic renames, so a crash never leaves a truncated document.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
)

const (
	pipelinesFile  = "pipelines.json"
	executionsFile = "executions.json"
)

type pipelinesDoc struct {
	Pipelines []*pipeline.Pipeline `json:"pipelines"`
}

type executionsDoc struct {
	Executions []*execution.Execution `json:"executions"`
}

// Store reads and rewrites whole documents under a mutex.
type Store struct {
	mu  sync.Mutex
	dir string
}

var _ store.Store = (*Store)(nil)

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) read(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *Store) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *Store) LoadPipeline(_ context.Context, id string) (*pipeline.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc pipelinesDoc
	if err := s.read(pipelinesFile, &doc); err != nil {
		return nil, err
	}
	for _, p := range doc.Pipelines {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("pipeline %q: %w", id, store.ErrNotFound)
}

func (s *Store) SavePipeline(_ context.Context, p *pipeline.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc pipelinesDoc
	if err := s.read(pipelinesFile, &doc); err != nil {
		return err
	}
	replaced := false
	for i, existing := range doc.Pipelines {
		if existing.ID == p.ID {
			doc.Pipelines[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Pipelines = append(doc.Pipelines, p)
	}
	return s.write(pipelinesFile, doc)
}

func (s *Store) ListPipelines(_ context.Context) ([]*pipeline.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc pipelinesDoc
	if err := s.read(pipelinesFile, &doc); err != nil {
		return nil, err
	}
	out := append([]*pipeline.Pipeline{}, doc.Pipelines...)
	store.SortPipelines(out)
	return out, nil
}

func (s *Store) DeletePipeline(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc pipelinesDoc
	if err := s.read(pipelinesFile, &doc); err != nil {
		return err
	}
	for i, p := range doc.Pipelines {
		if p.ID == id {
			doc.Pipelines = append(doc.Pipelines[:i], doc.Pipelines[i+1:]...)
			return s.write(pipelinesFile, doc)
		}
	}
	return fmt.Errorf("pipeline %q: %w", id, store.ErrNotFound)
}

func (s *Store) LoadExecution(_ context.Context, id string) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc executionsDoc
	if err := s.read(executionsFile, &doc); err != nil {
		return nil, err
	}
	for _, e := range doc.Executions {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("execution %q: %w", id, store.ErrNotFound)
}

func (s *Store) CreateExecution(_ context.Context, e *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc executionsDoc
	if err := s.read(executionsFile, &doc); err != nil {
		return err
	}
	for _, existing := range doc.Executions {
		if existing.ID == e.ID {
			return fmt.Errorf("execution %q: %w", e.ID, store.ErrAlreadyExists)
		}
	}
	doc.Executions = append(doc.Executions, e)
	return s.write(executionsFile, doc)
}

func (s *Store) SaveExecution(_ context.Context, e *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc executionsDoc
	if err := s.read(executionsFile, &doc); err != nil {
		return err
	}
	replaced := false
	for i, existing := range doc.Executions {
		if existing.ID == e.ID {
			doc.Executions[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Executions = append(doc.Executions, e)
	}
	return s.write(executionsFile, doc)
}

func (s *Store) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc executionsDoc
	if err := s.read(executionsFile, &doc); err != nil {
		return nil, err
	}
	out := []*execution.Execution{}
	for _, e := range doc.Executions {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	store.SortExecutions(out)
	return out, nil
}

func (s *Store) ActiveExecutions(ctx context.Context) ([]*execution.Execution, error) {
	return s.ListExecutions(ctx, store.ExecutionFilter{Status: execution.StatusActive})
}

func (s *Store) Close() error { return nil }
