// Package workflow is the entry point callers use to define pipelines, start
// executions and move them forward. It loads state from a Store, applies one
// engine transition under a per-execution lock and saves the result.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/locks"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/reviewflow/pkg/queue"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
)

var (
	// ErrCommentRequired is returned when a field is rejected without a comment.
	ErrCommentRequired = errors.New("a comment is required when rejecting a field")
	// ErrPipelineInUse is returned when changing a pipeline that active
	// executions still run on.
	ErrPipelineInUse = errors.New("pipeline has active executions")
)

// DefaultActor is recorded as the author of pipelines created without one.
const DefaultActor = "admin"

// Option configures a Service.
type Option func(*Service)

// WithLocker sets the lock used to serialise transitions. The default is an
// in-process locks.Local.
func WithLocker(l locks.Locker) Option {
	return func(s *Service) { s.locker = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides how pipeline and execution ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service wires storage, locking, the executor and the queue builder.
type Service struct {
	store  store.Store
	locker locks.Locker
	now    func() time.Time
	newID  func() string
	log    *slog.Logger

	exec   *execution.Executor
	queues *queue.Builder
}

// New returns a Service persisting to st.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		locker: locks.NewLocal(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.exec = execution.NewExecutor(
		pipeline.NewRouter(st),
		execution.WithClock(s.now),
		execution.WithIDGenerator(s.newID),
		execution.WithLogger(s.log),
	)
	s.queues = queue.NewBuilder(st, s.log)
	return s
}

// Health pings the store when it supports it.
func (s *Service) Health(ctx context.Context) error {
	if h, ok := s.store.(interface{ Health() error }); ok {
		return h.Health()
	}
	return nil
}

// ─── Pipelines ──────────────────────────────────────────────────────────────

// ValidatePipeline runs the structural checks without saving anything.
func (s *Service) ValidatePipeline(p *pipeline.Pipeline) pipeline.ValidationResult {
	return pipeline.Validate(p)
}

// CreatePipeline validates and stores a new pipeline. An empty id is replaced
// with a fresh one; the creation time is always set here.
func (s *Service) CreatePipeline(ctx context.Context, p *pipeline.Pipeline, actor string) (*pipeline.Pipeline, error) {
	if p == nil {
		return nil, pipeline.ValidateErr(nil)
	}
	p = p.Clone()
	if p.ID == "" {
		p.ID = s.newID()
	} else if _, err := s.store.LoadPipeline(ctx, p.ID); err == nil {
		return nil, fmt.Errorf("pipeline %q: %w", p.ID, store.ErrAlreadyExists)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := pipeline.ValidateErr(p); err != nil {
		return nil, err
	}
	if actor == "" {
		actor = DefaultActor
	}
	p.CreatedAt = s.now()
	p.CreatedBy = actor
	if err := s.store.SavePipeline(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info("pipeline created", "pipeline", p.ID, "name", p.Name, "nodes", len(p.Nodes))
	return p, nil
}

// UpdatePipeline replaces the definition of an existing pipeline, keeping its
// id and creation metadata.
func (s *Service) UpdatePipeline(ctx context.Context, id string, p *pipeline.Pipeline) (*pipeline.Pipeline, error) {
	existing, err := s.store.LoadPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkUnused(ctx, id); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, pipeline.ValidateErr(nil)
	}
	p = p.Clone()
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	p.CreatedBy = existing.CreatedBy
	if err := pipeline.ValidateErr(p); err != nil {
		return nil, err
	}
	if err := s.store.SavePipeline(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info("pipeline updated", "pipeline", p.ID)
	return p, nil
}

func (s *Service) GetPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	return s.store.LoadPipeline(ctx, id)
}

func (s *Service) ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error) {
	return s.store.ListPipelines(ctx)
}

// DeletePipeline removes a pipeline that no active execution runs on.
func (s *Service) DeletePipeline(ctx context.Context, id string) error {
	if err := s.checkUnused(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeletePipeline(ctx, id); err != nil {
		return err
	}
	s.log.Info("pipeline deleted", "pipeline", id)
	return nil
}

func (s *Service) checkUnused(ctx context.Context, id string) error {
	active, err := s.store.ListExecutions(ctx, store.ExecutionFilter{PipelineID: id, Status: execution.StatusActive})
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return fmt.Errorf("pipeline %q: %w (%d)", id, ErrPipelineInUse, len(active))
	}
	return nil
}

// ─── Executions ─────────────────────────────────────────────────────────────

// StartExecution creates and stores a new execution of the pipeline.
func (s *Service) StartExecution(ctx context.Context, pipelineID string) (*execution.Execution, error) {
	p, err := s.store.LoadPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	ex, err := s.exec.Start(p)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *Service) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	return s.store.LoadExecution(ctx, id)
}

func (s *Service) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*execution.Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

// SubmitSubtask records an editor's field values on the current subtask and
// advances the execution to its review.
func (s *Service) SubmitSubtask(ctx context.Context, executionID, nodeID string, values map[string]string, actor string) (*execution.Execution, error) {
	return s.transition(ctx, executionID, func(ex *execution.Execution) (*execution.Execution, error) {
		if err := s.checkValues(ctx, ex, nodeID, values); err != nil {
			return nil, err
		}
		return s.exec.AdvanceAfterSubtask(ctx, ex, nodeID, values, actor)
	})
}

// SubmitReview applies a reviewer's decisions on the current review node and
// routes the execution on the outcome.
func (s *Service) SubmitReview(ctx context.Context, executionID, nodeID string, reviews []execution.FieldReview, actor string) (*execution.Execution, error) {
	for _, r := range reviews {
		if r.Status == execution.VersionRejected && strings.TrimSpace(r.Comment) == "" {
			return nil, fmt.Errorf("field %q: %w", r.FieldID, ErrCommentRequired)
		}
	}
	return s.transition(ctx, executionID, func(ex *execution.Execution) (*execution.Execution, error) {
		return s.exec.AdvanceAfterReview(ctx, ex, nodeID, reviews, actor)
	})
}

// transition loads the execution under its lock, applies step and saves the
// result. Nothing is saved when step fails.
func (s *Service) transition(
	ctx context.Context,
	executionID string,
	step func(*execution.Execution) (*execution.Execution, error),
) (*execution.Execution, error) {
	unlock, err := s.locker.Lock(ctx, "execution:"+executionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			s.log.Warn("release execution lock", "execution", executionID, "error", err)
		}
	}()

	ex, err := s.store.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	next, err := step(ex)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveExecution(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// checkValues applies the per-kind value rules to the submitted fields when
// the submission targets the current subtask. Other precondition failures are
// left for the executor to report.
func (s *Service) checkValues(ctx context.Context, ex *execution.Execution, nodeID string, values map[string]string) error {
	if ex.Status != execution.StatusActive || ex.CurrentNodeID != nodeID {
		return nil
	}
	p, err := s.store.LoadPipeline(ctx, ex.PipelineID)
	if err != nil {
		return err
	}
	n := p.Node(nodeID)
	if n == nil || n.Type != pipeline.NodeTypeSubtask {
		return nil
	}
	for _, f := range n.Subtask.TrackedFields() {
		v, ok := values[f.ID]
		if !ok {
			continue
		}
		if err := pipeline.CheckFieldValue(f, v); err != nil {
			return &execution.PreconditionError{
				Op:          "advance after subtask",
				ExecutionID: ex.ID,
				NodeID:      nodeID,
				Err:         err,
			}
		}
	}
	return nil
}

// ─── Queues ─────────────────────────────────────────────────────────────────

// EditorQueue lists subtasks waiting for an editor. A non-empty actor drops
// items assigned to someone else.
func (s *Service) EditorQueue(ctx context.Context, actor string) ([]queue.EditorItem, error) {
	return s.queues.EditorQueue(ctx, actorOpts(actor)...)
}

// ReviewerQueue lists reviews waiting for a reviewer.
func (s *Service) ReviewerQueue(ctx context.Context, actor string) ([]queue.ReviewerItem, error) {
	return s.queues.ReviewerQueue(ctx, actorOpts(actor)...)
}

func actorOpts(actor string) []queue.Option {
	if actor == "" {
		return nil
	}
	return []queue.Option{queue.ForActor(actor)}
}
