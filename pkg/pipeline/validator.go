package pipeline

import (
	"fmt"
	"strings"
)

// ErrorCode is a machine-readable validation failure identifier.
type ErrorCode string

const (
	CodeNoNodes                   ErrorCode = "NO_NODES"
	CodeNoStartNode               ErrorCode = "NO_START_NODE"
	CodeMultipleStartNodes        ErrorCode = "MULTIPLE_START_NODES"
	CodeStartHasIncoming          ErrorCode = "START_NODE_HAS_INCOMING"
	CodeNoOutgoingEdge            ErrorCode = "NO_OUTGOING_EDGE"
	CodeMultipleOutgoingEdges     ErrorCode = "MULTIPLE_OUTGOING_EDGES"
	CodeNoEndNode                 ErrorCode = "NO_END_NODE"
	CodeEndHasOutgoing            ErrorCode = "END_HAS_OUTGOING_EDGE"
	CodeNoFields                  ErrorCode = "NO_FIELDS"
	CodeInvalidReviewEdges        ErrorCode = "INVALID_REVIEW_EDGES"
	CodeNoAcceptEdge              ErrorCode = "NO_ACCEPT_EDGE"
	CodeNoRejectEdge              ErrorCode = "NO_REJECT_EDGE"
	CodeNoMaxAttemptsEdge         ErrorCode = "NO_MAX_ATTEMPTS_EDGE"
	CodeUnexpectedMaxAttemptsEdge ErrorCode = "UNEXPECTED_MAX_ATTEMPTS_EDGE"
	CodeDuplicateEdgeTag          ErrorCode = "DUPLICATE_EDGE_TAG"
	CodeUntaggedReviewEdge        ErrorCode = "UNTAGGED_REVIEW_EDGE"
	CodeMissingSourceSubtask      ErrorCode = "MISSING_SOURCE_SUBTASK"
	CodeInvalidSourceSubtask      ErrorCode = "INVALID_SOURCE_SUBTASK"
	CodeInvalidSourceType         ErrorCode = "INVALID_SOURCE_TYPE"
	CodeInvalidReviewableField    ErrorCode = "INVALID_REVIEWABLE_FIELD"
	CodeInvalidMaxAttempts        ErrorCode = "INVALID_MAX_ATTEMPTS"
	CodeInvalidEdgeSource         ErrorCode = "INVALID_EDGE_SOURCE"
	CodeInvalidEdgeTarget         ErrorCode = "INVALID_EDGE_TARGET"
	CodeDuplicateNodeID           ErrorCode = "DUPLICATE_NODE_ID"
	CodeDuplicateEdgeID           ErrorCode = "DUPLICATE_EDGE_ID"
	CodeDuplicateFieldID          ErrorCode = "DUPLICATE_FIELD_ID"
	CodeUnknownNodeType           ErrorCode = "UNKNOWN_NODE_TYPE"
	CodeUnknownFieldKind          ErrorCode = "UNKNOWN_FIELD_KIND"
	CodeUnknownEdgeTag            ErrorCode = "UNKNOWN_EDGE_TAG"
	CodeUnknownAssignment         ErrorCode = "UNKNOWN_ASSIGNMENT"
	CodeMissingNodeData           ErrorCode = "MISSING_NODE_DATA"
	CodeSubtaskTargetNotReview    ErrorCode = "SUBTASK_TARGET_NOT_REVIEW"
	CodeInvalidStartTarget        ErrorCode = "INVALID_START_TARGET"
	CodeReviewSourceMismatch      ErrorCode = "REVIEW_SOURCE_MISMATCH"
)

// ValidationError describes one structural problem in a pipeline.
type ValidationError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	NodeID  string    `json:"nodeId,omitempty"`
	EdgeID  string    `json:"edgeId,omitempty"`
}

func (e ValidationError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("%s: node %q: %s", e.Code, e.NodeID, e.Message)
	case e.EdgeID != "":
		return fmt.Sprintf("%s: edge %q: %s", e.Code, e.EdgeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors"`
}

// Has reports whether the result contains an error with the given code.
func (r ValidationResult) Has(code ErrorCode) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// InvalidPipelineError carries the full list of validation errors.
type InvalidPipelineError struct {
	Errors []ValidationError
}

func (e *InvalidPipelineError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("pipeline validation failed:\n  %s", strings.Join(msgs, "\n  "))
}

// Validate checks a pipeline for structural correctness.
// Every check runs; all discovered errors are returned. Cycles are allowed.
func Validate(p *Pipeline) ValidationResult {
	v := &validator{p: p}
	v.run()
	return ValidationResult{Valid: len(v.errs) == 0, Errors: v.errs}
}

// ValidateErr calls Validate and returns nil if there are no errors, or an
// *InvalidPipelineError listing them.
func ValidateErr(p *Pipeline) error {
	res := Validate(p)
	if res.Valid {
		return nil
	}
	return &InvalidPipelineError{Errors: res.Errors}
}

type validator struct {
	p    *Pipeline
	errs []ValidationError
}

func (v *validator) add(code ErrorCode, nodeID, edgeID, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		NodeID:  nodeID,
		EdgeID:  edgeID,
	})
}

func (v *validator) run() {
	if v.p == nil || len(v.p.Nodes) == 0 {
		v.add(CodeNoNodes, "", "", "pipeline must have at least one node")
		return
	}

	v.checkIdentity()

	starts := v.p.NodesOfType(NodeTypeStart)
	switch len(starts) {
	case 0:
		v.add(CodeNoStartNode, "", "", "pipeline must have a start node")
	case 1:
		if len(v.p.IncomingEdges(starts[0].ID)) > 0 {
			v.add(CodeStartHasIncoming, starts[0].ID, "", "start node cannot have incoming edges")
		}
	default:
		v.add(CodeMultipleStartNodes, "", "", "pipeline must have exactly one start node, found %d", len(starts))
	}

	if len(v.p.NodesOfType(NodeTypeEnd)) == 0 {
		v.add(CodeNoEndNode, "", "", "pipeline must have at least one end node")
	}

	for _, n := range v.p.Nodes {
		v.checkNode(n)
	}
	for _, e := range v.p.Edges {
		v.checkEdge(e)
	}
}

// checkIdentity reports duplicate node and edge ids.
func (v *validator) checkIdentity() {
	seenNodes := map[string]bool{}
	for _, n := range v.p.Nodes {
		if seenNodes[n.ID] {
			v.add(CodeDuplicateNodeID, n.ID, "", "node id is used more than once")
		}
		seenNodes[n.ID] = true
	}
	seenEdges := map[string]bool{}
	for _, e := range v.p.Edges {
		if e.ID == "" {
			continue
		}
		if seenEdges[e.ID] {
			v.add(CodeDuplicateEdgeID, "", e.ID, "edge id is used more than once")
		}
		seenEdges[e.ID] = true
	}
}

func (v *validator) checkNode(n *Node) {
	out := v.p.OutgoingEdges(n.ID)
	name := n.DisplayName()

	switch n.Type {
	case NodeTypeStart:
		v.checkSingleOutgoing(n, out, "Start")
		if len(out) == 1 {
			target := v.p.Node(out[0].To)
			if target != nil && target.Type.Known() && target.Type != NodeTypeSubtask && target.Type != NodeTypeEnd {
				v.add(CodeInvalidStartTarget, n.ID, out[0].ID,
					"start node %q must lead to a subtask or end node, found %s", name, target.Type)
			}
		}

	case NodeTypeSubtask:
		v.checkSingleOutgoing(n, out, "Subtask")
		if len(out) == 1 {
			target := v.p.Node(out[0].To)
			switch {
			case target == nil:
			case target.Type != NodeTypeReview:
				v.add(CodeSubtaskTargetNotReview, n.ID, out[0].ID,
					"subtask node %q must lead to a review node, found %s", name, target.Type)
			case target.Review != nil && target.Review.SourceNodeID != "" && target.Review.SourceNodeID != n.ID:
				v.add(CodeReviewSourceMismatch, n.ID, out[0].ID,
					"subtask node %q leads to review %q, which reviews %q instead",
					name, target.DisplayName(), target.Review.SourceNodeID)
			}
		}
		if n.Subtask == nil {
			v.add(CodeMissingNodeData, n.ID, "", "subtask node %q has no subtask data", name)
			v.add(CodeNoFields, n.ID, "", "subtask node %q must have at least one field", name)
			return
		}
		v.checkFields(n)

	case NodeTypeReview:
		v.checkReviewEdges(n, out)
		v.checkReviewSource(n)

	case NodeTypeEnd:
		if len(out) > 0 {
			v.add(CodeEndHasOutgoing, n.ID, "", "end node %q should not have outgoing edges", name)
		}

	default:
		v.add(CodeUnknownNodeType, n.ID, "", "unknown node type %q", n.Type)
	}
}

func (v *validator) checkSingleOutgoing(n *Node, out []*Edge, kind string) {
	switch len(out) {
	case 0:
		v.add(CodeNoOutgoingEdge, n.ID, "", "%s node %q must have exactly 1 outgoing edge", kind, n.DisplayName())
	case 1:
	default:
		v.add(CodeMultipleOutgoingEdges, n.ID, "",
			"%s node %q must have exactly 1 outgoing edge, found %d", kind, n.DisplayName(), len(out))
	}
}

func (v *validator) checkFields(n *Node) {
	tracked := 0
	seen := map[string]bool{}
	for _, f := range n.Subtask.Fields {
		if seen[f.ID] {
			v.add(CodeDuplicateFieldID, n.ID, "", "field id %q is used more than once", f.ID)
		}
		seen[f.ID] = true
		if !f.Kind.Known() {
			v.add(CodeUnknownFieldKind, n.ID, "", "field %q has unknown kind %q", f.ID, f.Kind)
		}
		if f.Trackable() {
			tracked++
		}
	}
	if tracked == 0 {
		v.add(CodeNoFields, n.ID, "", "subtask node %q must have at least one non-instruction field", n.DisplayName())
	}
}

func (v *validator) checkReviewEdges(n *Node, out []*Edge) {
	name := n.DisplayName()
	maxAttempts := 0
	if n.Review != nil {
		maxAttempts = n.Review.MaxAttempts
	}

	want := 2
	if maxAttempts > 0 {
		want = 3
	}
	if len(out) != want {
		v.add(CodeInvalidReviewEdges, n.ID, "",
			"review node %q must have exactly %d outgoing edges, found %d", name, want, len(out))
	}

	counts := map[EdgeTag]int{}
	for _, e := range out {
		if e.Tag == EdgeTagNone {
			v.add(CodeUntaggedReviewEdge, n.ID, e.ID, "review node %q has an untagged outgoing edge", name)
			continue
		}
		counts[e.Tag]++
	}

	for _, tag := range []EdgeTag{EdgeTagAccept, EdgeTagReject} {
		switch c := counts[tag]; {
		case c == 0 && tag == EdgeTagAccept:
			v.add(CodeNoAcceptEdge, n.ID, "", "review node %q must have an 'accept' edge", name)
		case c == 0:
			v.add(CodeNoRejectEdge, n.ID, "", "review node %q must have a 'reject' edge", name)
		case c > 1:
			v.add(CodeDuplicateEdgeTag, n.ID, "", "review node %q has %d '%s' edges", name, c, tag)
		}
	}

	switch c := counts[EdgeTagMaxAttempts]; {
	case maxAttempts > 0 && c == 0:
		v.add(CodeNoMaxAttemptsEdge, n.ID, "", "review node %q sets maxAttempts but has no 'max-attempts' edge", name)
	case maxAttempts > 0 && c > 1:
		v.add(CodeDuplicateEdgeTag, n.ID, "", "review node %q has %d 'max-attempts' edges", name, c)
	case maxAttempts <= 0 && c > 0:
		v.add(CodeUnexpectedMaxAttemptsEdge, n.ID, "", "review node %q has a 'max-attempts' edge but no maxAttempts", name)
	}
}

func (v *validator) checkReviewSource(n *Node) {
	name := n.DisplayName()
	if n.Review == nil {
		v.add(CodeMissingNodeData, n.ID, "", "review node %q has no review data", name)
		v.add(CodeMissingSourceSubtask, n.ID, "", "review node %q must reference a subtask", name)
		return
	}
	if n.Review.MaxAttempts < 0 {
		v.add(CodeInvalidMaxAttempts, n.ID, "", "review node %q has negative maxAttempts %d", name, n.Review.MaxAttempts)
	}
	if n.Review.SourceNodeID == "" {
		v.add(CodeMissingSourceSubtask, n.ID, "", "review node %q must reference a subtask", name)
		return
	}
	src := v.p.Node(n.Review.SourceNodeID)
	if src == nil {
		v.add(CodeInvalidSourceSubtask, n.ID, "", "review node %q references non-existent subtask %q", name, n.Review.SourceNodeID)
		return
	}
	if src.Type != NodeTypeSubtask {
		v.add(CodeInvalidSourceType, n.ID, "", "review node %q must reference a subtask node, %q is %s", name, src.ID, src.Type)
		return
	}
	for _, id := range n.Review.ReviewableFieldIDs {
		f := src.Subtask.Field(id)
		if f == nil || !f.Trackable() {
			v.add(CodeInvalidReviewableField, n.ID, "", "review node %q lists %q which is not a reviewable field of %q", name, id, src.ID)
		}
	}
}

func (v *validator) checkEdge(e *Edge) {
	if v.p.Node(e.From) == nil {
		v.add(CodeInvalidEdgeSource, "", e.ID, "edge references non-existent source node %q", e.From)
	}
	if v.p.Node(e.To) == nil {
		v.add(CodeInvalidEdgeTarget, "", e.ID, "edge references non-existent target node %q", e.To)
	}
	if !e.Tag.Known() {
		v.add(CodeUnknownEdgeTag, "", e.ID, "edge has unknown tag %q", e.Tag)
	}
	if !e.Assignment.Known() {
		v.add(CodeUnknownAssignment, "", e.ID, "edge has unknown assignment behaviour %q", e.Assignment)
	}
}
