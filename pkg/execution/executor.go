package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
)

// Precondition failures. They are returned wrapped in a *PreconditionError.
var (
	ErrExecutionCompleted = errors.New("execution is not active")
	ErrNotCurrentNode     = errors.New("node is not the current node")
	ErrWrongNodeType      = errors.New("node has the wrong type for this operation")
	ErrMissingFieldValue  = errors.New("missing value for field")
	ErrUnknownField       = errors.New("unknown field")
	ErrFieldLocked        = errors.New("field was accepted and cannot change")
	ErrIncompleteReview   = errors.New("review does not cover every reviewable field")
	ErrDuplicateReview    = errors.New("field reviewed more than once")
	ErrInvalidDecision    = errors.New("review decision must be accepted or rejected")
	ErrNoSubmission       = errors.New("field has no submitted version")
)

// PreconditionError reports a rejected transition. The execution is unchanged.
type PreconditionError struct {
	Op          string
	ExecutionID string
	NodeID      string
	Err         error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: execution %q node %q: %v", e.Op, e.ExecutionID, e.NodeID, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithIDGenerator overrides how execution ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(e *Executor) { e.newID = gen }
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// Executor drives executions through their node lifecycle. It is stateless
// apart from its collaborators and safe for concurrent use; callers must
// serialise transitions on the same execution.
type Executor struct {
	router *pipeline.Router
	now    func() time.Time
	newID  func() string
	log    *slog.Logger
}

// NewExecutor returns an Executor that resolves pipelines through router.
func NewExecutor(router *pipeline.Router, opts ...Option) *Executor {
	e := &Executor{
		router: router,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start creates a new execution of p positioned on its first actionable node.
func (e *Executor) Start(p *pipeline.Pipeline) (*Execution, error) {
	if err := pipeline.ValidateErr(p); err != nil {
		return nil, err
	}
	first, edge, err := p.FirstActionableNode()
	if err != nil {
		return nil, err
	}

	now := e.now()
	exec := &Execution{
		ID:         e.newID(),
		PipelineID: p.ID,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, n := range p.Nodes {
		if n.Type == pipeline.NodeTypeStart {
			continue
		}
		exec.NodeExecutions = append(exec.NodeExecutions, newNodeExecution(n))
	}

	if err := e.enter(exec, p, first, edge, "", now); err != nil {
		return nil, err
	}
	e.log.Info("execution started", "execution", exec.ID, "pipeline", p.ID, "node", first.ID)
	return exec, nil
}

func newNodeExecution(n *pipeline.Node) *NodeExecution {
	ne := &NodeExecution{NodeID: n.ID, Type: n.Type, Status: NodePending}
	switch n.Type {
	case pipeline.NodeTypeSubtask:
		st := &SubtaskState{}
		for _, f := range n.Subtask.TrackedFields() {
			st.FieldHistories = append(st.FieldHistories, &FieldHistory{FieldID: f.ID, Versions: []*FieldVersion{}})
		}
		ne.Subtask = st
	case pipeline.NodeTypeReview:
		ne.Review = &ReviewState{SourceNodeID: n.Review.SourceNodeID}
	case pipeline.NodeTypeEnd:
		ne.End = &EndState{}
	}
	return ne
}

// AdvanceAfterSubtask records an editor's submission on the current subtask
// and moves the execution to the review that follows it. The input execution
// is not modified; the advanced copy is returned.
func (e *Executor) AdvanceAfterSubtask(
	ctx context.Context,
	in *Execution,
	nodeID string,
	values map[string]string,
	actorID string,
) (*Execution, error) {
	const op = "advance after subtask"
	fail := func(err error) error {
		return &PreconditionError{Op: op, ExecutionID: in.ID, NodeID: nodeID, Err: err}
	}

	if err := checkCurrent(in, nodeID); err != nil {
		return nil, fail(err)
	}
	p, err := e.router.Load(ctx, in.PipelineID)
	if err != nil {
		return nil, err
	}
	node := p.Node(nodeID)
	if node == nil || node.Type != pipeline.NodeTypeSubtask {
		return nil, fail(fmt.Errorf("%w: want subtask", ErrWrongNodeType))
	}

	exec := in.Clone()
	ne := exec.Node(nodeID)
	if ne == nil || ne.Subtask == nil {
		return nil, e.fatal(exec, nodeID, "subtask has no execution state")
	}
	st := ne.Subtask

	for id := range values {
		if st.History(id) == nil {
			return nil, fail(fmt.Errorf("%w: %q", ErrUnknownField, id))
		}
	}
	for _, h := range st.FieldHistories {
		v, ok := values[h.FieldID]
		if !ok {
			return nil, fail(fmt.Errorf("%w: %q", ErrMissingFieldValue, h.FieldID))
		}
		if last := h.Latest(); last != nil && last.Status == VersionAccepted && last.Value != v {
			return nil, fail(fmt.Errorf("%w: %q", ErrFieldLocked, h.FieldID))
		}
	}

	now := e.now()
	for _, h := range st.FieldHistories {
		v := values[h.FieldID]
		last := h.Latest()
		if last != nil && last.Status != VersionRejected && last.Value == v {
			continue
		}
		h.CurrentVersion++
		h.Versions = append(h.Versions, &FieldVersion{
			Version:     h.CurrentVersion,
			Value:       v,
			SubmittedAt: now,
			SubmittedBy: actorID,
			Status:      VersionPending,
		})
	}
	ne.Status = NodeWaitingReview
	st.CompletedBy = actorID
	st.LastUpdatedAt = &now

	next, edge, err := p.NextNode(nodeID, pipeline.EdgeTagNone)
	if err != nil {
		e.log.Error("routing failed", "execution", exec.ID, "node", nodeID, "error", err)
		return nil, err
	}
	if err := e.enter(exec, p, next, edge, actorID, now); err != nil {
		return nil, err
	}
	e.log.Info("subtask submitted", "execution", exec.ID, "node", nodeID, "actor", actorID, "next", next.ID)
	return exec, nil
}

// AdvanceAfterReview applies a reviewer's per-field decisions to the latest
// versions of the source subtask and routes on the outcome: accept when every
// field was accepted, max-attempts when the attempt limit is reached, reject
// otherwise. The input execution is not modified.
func (e *Executor) AdvanceAfterReview(
	ctx context.Context,
	in *Execution,
	nodeID string,
	reviews []FieldReview,
	actorID string,
) (*Execution, error) {
	const op = "advance after review"
	fail := func(err error) error {
		return &PreconditionError{Op: op, ExecutionID: in.ID, NodeID: nodeID, Err: err}
	}

	if err := checkCurrent(in, nodeID); err != nil {
		return nil, fail(err)
	}
	p, err := e.router.Load(ctx, in.PipelineID)
	if err != nil {
		return nil, err
	}
	node := p.Node(nodeID)
	if node == nil || node.Type != pipeline.NodeTypeReview {
		return nil, fail(fmt.Errorf("%w: want review", ErrWrongNodeType))
	}
	reviewable, err := p.ReviewableFields(nodeID)
	if err != nil {
		return nil, e.fatal(in, nodeID, err.Error())
	}

	exec := in.Clone()
	ne := exec.Node(nodeID)
	src := exec.Node(node.Review.SourceNodeID)
	if ne == nil || ne.Review == nil || src == nil || src.Subtask == nil {
		return nil, e.fatal(exec, nodeID, "review or source subtask has no execution state")
	}

	want := make(map[string]bool, len(reviewable))
	for _, f := range reviewable {
		want[f.ID] = true
	}
	seen := make(map[string]bool, len(reviews))
	for _, r := range reviews {
		switch {
		case !want[r.FieldID]:
			return nil, fail(fmt.Errorf("%w: %q", ErrUnknownField, r.FieldID))
		case seen[r.FieldID]:
			return nil, fail(fmt.Errorf("%w: %q", ErrDuplicateReview, r.FieldID))
		case r.Status != VersionAccepted && r.Status != VersionRejected:
			return nil, fail(fmt.Errorf("%w: %q for %q", ErrInvalidDecision, r.Status, r.FieldID))
		}
		seen[r.FieldID] = true
		h := src.Subtask.History(r.FieldID)
		if h == nil || h.Latest() == nil {
			return nil, fail(fmt.Errorf("%w: %q", ErrNoSubmission, r.FieldID))
		}
	}
	for _, f := range reviewable {
		if !seen[f.ID] {
			return nil, fail(fmt.Errorf("%w: missing %q", ErrIncompleteReview, f.ID))
		}
	}

	now := e.now()
	allAccepted := true
	for _, r := range reviews {
		v := src.Subtask.History(r.FieldID).Latest()
		v.Status = r.Status
		v.ReviewComment = r.Comment
		v.ReviewedAt = &now
		v.ReviewedBy = actorID
		if r.Status == VersionRejected {
			allAccepted = false
		}
	}
	ne.Review.AllFieldsAccepted = allAccepted
	ne.Review.CompletedBy = actorID
	ne.Review.ReviewedAt = &now
	ne.Status = NodeCompleted
	if allAccepted {
		src.Status = NodeCompleted
	}

	tag := pipeline.EdgeTagAccept
	if !allAccepted {
		tag = pipeline.EdgeTagReject
		if limit := node.Review.MaxAttempts; limit > 0 && src.Subtask.AttemptCount() >= limit {
			tag = pipeline.EdgeTagMaxAttempts
		}
	}

	next, edge, err := p.NextNode(nodeID, tag)
	if err != nil {
		e.log.Error("routing failed", "execution", exec.ID, "node", nodeID, "tag", tag, "error", err)
		return nil, err
	}
	if err := e.enter(exec, p, next, edge, actorID, now); err != nil {
		return nil, err
	}
	e.log.Info("review recorded", "execution", exec.ID, "node", nodeID, "actor", actorID,
		"outcome", tag, "next", next.ID)
	return exec, nil
}

func checkCurrent(exec *Execution, nodeID string) error {
	if exec.Status != StatusActive {
		return ErrExecutionCompleted
	}
	if exec.CurrentNodeID != nodeID {
		return fmt.Errorf("%w: current is %q", ErrNotCurrentNode, exec.CurrentNodeID)
	}
	return nil
}

// enter makes node the current node, reached over edge from a node last acted
// on by previousActor.
func (e *Executor) enter(
	exec *Execution,
	p *pipeline.Pipeline,
	node *pipeline.Node,
	edge *pipeline.Edge,
	previousActor string,
	now time.Time,
) error {
	ne := exec.Node(node.ID)
	if ne == nil {
		return e.fatal(exec, node.ID, "node has no execution state")
	}
	assigned := Resolve(edge.Assignment, previousActor).String()

	switch node.Type {
	case pipeline.NodeTypeSubtask:
		if ne.Subtask.HasHistory() {
			ne.Status = NodeRevisionNeeded
		} else {
			ne.Status = NodePending
		}
		ne.Subtask.AssignedTo = assigned
		ne.Subtask.StartedAt = &now
	case pipeline.NodeTypeReview:
		ne.Status = NodeInProgress
		ne.Review.AssignedTo = assigned
		ne.Review.AllFieldsAccepted = false
		ne.Review.CompletedBy = ""
		ne.Review.ReviewedAt = nil
		ne.Review.StartedAt = &now
	case pipeline.NodeTypeEnd:
		ne.Status = NodeCompleted
		ne.End.CompletedAt = &now
		exec.Status = StatusCompleted
		exec.CompletedAt = &now
		e.log.Info("execution completed", "execution", exec.ID, "pipeline", p.ID, "end", node.ID)
	default:
		return e.fatal(exec, node.ID, fmt.Sprintf("cannot enter %s node", node.Type))
	}
	exec.CurrentNodeID = node.ID
	exec.UpdatedAt = now
	return nil
}

// fatal logs and returns an invariant error.
func (e *Executor) fatal(exec *Execution, nodeID, reason string) error {
	err := &pipeline.InvariantError{PipelineID: exec.PipelineID, NodeID: nodeID, Reason: reason}
	e.log.Error("execution invariant violated", "execution", exec.ID, "error", err)
	return err
}
