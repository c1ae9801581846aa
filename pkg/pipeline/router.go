package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvariant is matched by every InvariantError. A graph that reaches the
// router in a state the validator forbids is a programming or data error.
var ErrInvariant = errors.New("pipeline invariant violated")

// InvariantError reports a structural invariant broken at routing time.
type InvariantError struct {
	PipelineID string
	NodeID     string
	Reason     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("pipeline %q node %q: %s", e.PipelineID, e.NodeID, e.Reason)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// NextNode follows the outgoing edge of sourceID selected by tag. An untagged
// lookup requires exactly one outgoing edge; a tagged lookup requires exactly
// one edge carrying that tag.
func (p *Pipeline) NextNode(sourceID string, tag EdgeTag) (*Node, *Edge, error) {
	invariant := func(format string, args ...any) error {
		return &InvariantError{PipelineID: p.ID, NodeID: sourceID, Reason: fmt.Sprintf(format, args...)}
	}
	if p.Node(sourceID) == nil {
		return nil, nil, invariant("node does not exist")
	}

	out := p.OutgoingEdges(sourceID)
	var edge *Edge
	if tag == EdgeTagNone {
		if len(out) != 1 {
			return nil, nil, invariant("expected exactly 1 outgoing edge, found %d", len(out))
		}
		edge = out[0]
	} else {
		for _, e := range out {
			if e.Tag != tag {
				continue
			}
			if edge != nil {
				return nil, nil, invariant("more than one %q edge", tag)
			}
			edge = e
		}
		if edge == nil {
			return nil, nil, invariant("no %q edge", tag)
		}
	}

	target := p.Node(edge.To)
	if target == nil {
		return nil, nil, invariant("edge targets non-existent node %q", edge.To)
	}
	return target, edge, nil
}

// FirstActionableNode returns the target of the start node's only edge.
func (p *Pipeline) FirstActionableNode() (*Node, *Edge, error) {
	start := p.StartNode()
	if start == nil {
		return nil, nil, &InvariantError{PipelineID: p.ID, Reason: "no start node"}
	}
	return p.NextNode(start.ID, EdgeTagNone)
}

// ReachableNodes returns the ids of every node reachable from fromID,
// including fromID itself. Cycles are handled with a visited set.
func (p *Pipeline) ReachableNodes(fromID string) map[string]bool {
	visited := map[string]bool{}
	if p.Node(fromID) == nil {
		return visited
	}
	queue := []string{fromID}
	visited[fromID] = true
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range p.OutgoingEdges(id) {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return visited
}

// PriorSubtasks returns the subtask nodes upstream of currentID, excluding
// currentID itself and the start node. The result is ordered upstream-most
// first: the subtask closest to the start comes first.
func (p *Pipeline) PriorSubtasks(currentID string) []*Node {
	visited := map[string]bool{currentID: true}
	var found []*Node
	queue := []string{currentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range p.IncomingEdges(id) {
			if visited[e.From] {
				continue
			}
			visited[e.From] = true
			n := p.Node(e.From)
			if n == nil || n.Type == NodeTypeStart {
				continue
			}
			if n.Type == NodeTypeSubtask {
				found = append(found, n)
			}
			queue = append(queue, n.ID)
		}
	}
	// BFS discovers nearest first.
	for i, j := 0, len(found)-1; i < j; i, j = i+1, j-1 {
		found[i], found[j] = found[j], found[i]
	}
	return found
}

// ReviewableFields returns the fields a review node judges: its explicit
// reviewableFieldIds, or every trackable field of its source subtask.
func (p *Pipeline) ReviewableFields(reviewID string) ([]Field, error) {
	n := p.Node(reviewID)
	if n == nil || n.Type != NodeTypeReview || n.Review == nil {
		return nil, &InvariantError{PipelineID: p.ID, NodeID: reviewID, Reason: "not a review node"}
	}
	src := p.Node(n.Review.SourceNodeID)
	if src == nil || src.Type != NodeTypeSubtask {
		return nil, &InvariantError{PipelineID: p.ID, NodeID: reviewID,
			Reason: fmt.Sprintf("source %q is not a subtask", n.Review.SourceNodeID)}
	}
	if len(n.Review.ReviewableFieldIDs) == 0 {
		return src.Subtask.TrackedFields(), nil
	}
	out := make([]Field, 0, len(n.Review.ReviewableFieldIDs))
	for _, id := range n.Review.ReviewableFieldIDs {
		f := src.Subtask.Field(id)
		if f == nil || !f.Trackable() {
			return nil, &InvariantError{PipelineID: p.ID, NodeID: reviewID,
				Reason: fmt.Sprintf("reviewable field %q not found on %q", id, src.ID)}
		}
		out = append(out, *f)
	}
	return out, nil
}

// Loader fetches a pipeline definition by id.
type Loader interface {
	LoadPipeline(ctx context.Context, id string) (*Pipeline, error)
}

// Router resolves edges against pipelines fetched from a Loader.
type Router struct {
	loader Loader
}

// NewRouter returns a Router backed by loader.
func NewRouter(loader Loader) *Router {
	return &Router{loader: loader}
}

// Load returns the pipeline with the given id.
func (r *Router) Load(ctx context.Context, pipelineID string) (*Pipeline, error) {
	p, err := r.loader.LoadPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %q: %w", pipelineID, err)
	}
	return p, nil
}

// NextNode loads the pipeline and follows the edge from sourceID selected by tag.
func (r *Router) NextNode(ctx context.Context, pipelineID, sourceID string, tag EdgeTag) (*Node, *Edge, error) {
	p, err := r.Load(ctx, pipelineID)
	if err != nil {
		return nil, nil, err
	}
	return p.NextNode(sourceID, tag)
}
