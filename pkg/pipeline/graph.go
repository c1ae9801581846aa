package pipeline

import "time"

// NodeType identifies the role a node plays in a review workflow.
type NodeType string

const (
	NodeTypeStart   NodeType = "start"
	NodeTypeSubtask NodeType = "subtask"
	NodeTypeReview  NodeType = "review"
	NodeTypeEnd     NodeType = "end"
)

// Known reports whether t is one of the four node types.
func (t NodeType) Known() bool {
	switch t {
	case NodeTypeStart, NodeTypeSubtask, NodeTypeReview, NodeTypeEnd:
		return true
	}
	return false
}

// FieldKind is the input widget an editor fills in for a field.
type FieldKind string

const (
	FieldKindText         FieldKind = "text"
	FieldKindLongText     FieldKind = "long-text"
	FieldKindInstructions FieldKind = "instructions"
	FieldKindDynamicList  FieldKind = "dynamic-list"
	FieldKindFile         FieldKind = "file"
)

// Known reports whether k is a supported field kind.
func (k FieldKind) Known() bool {
	switch k {
	case FieldKindText, FieldKindLongText, FieldKindInstructions, FieldKindDynamicList, FieldKindFile:
		return true
	}
	return false
}

// EdgeTag routes review outcomes. The empty tag is an untagged edge.
type EdgeTag string

const (
	EdgeTagNone        EdgeTag = ""
	EdgeTagAccept      EdgeTag = "accept"
	EdgeTagReject      EdgeTag = "reject"
	EdgeTagMaxAttempts EdgeTag = "max-attempts"
)

// Known reports whether t is a supported tag (including untagged).
func (t EdgeTag) Known() bool {
	switch t {
	case EdgeTagNone, EdgeTagAccept, EdgeTagReject, EdgeTagMaxAttempts:
		return true
	}
	return false
}

// AssignmentBehavior constrains who may act on the node an edge leads to,
// relative to whoever acted on the edge's source.
type AssignmentBehavior string

const (
	AssignAny             AssignmentBehavior = "any"
	AssignSamePerson      AssignmentBehavior = "same-person"
	AssignDifferentPerson AssignmentBehavior = "different-person"
)

// Known reports whether b is a supported behaviour; empty means "any".
func (b AssignmentBehavior) Known() bool {
	switch b {
	case "", AssignAny, AssignSamePerson, AssignDifferentPerson:
		return true
	}
	return false
}

// Field is a single item an editor fills in within a subtask.
type Field struct {
	ID        string    `json:"id" yaml:"id"`
	Label     string    `json:"label" yaml:"label"`
	Kind      FieldKind `json:"kind" yaml:"kind"`
	Required  bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Subfields []Field   `json:"subfields,omitempty" yaml:"subfields,omitempty"`
}

// Trackable reports whether the field produces submitted values.
// Instruction fields are display-only.
func (f Field) Trackable() bool {
	return f.Kind != FieldKindInstructions
}

// SubtaskSpec is the payload of a subtask node.
type SubtaskSpec struct {
	Fields []Field `json:"fields" yaml:"fields"`
}

// TrackedFields returns the non-instruction fields in declaration order.
func (s *SubtaskSpec) TrackedFields() []Field {
	if s == nil {
		return nil
	}
	var out []Field
	for _, f := range s.Fields {
		if f.Trackable() {
			out = append(out, f)
		}
	}
	return out
}

// Field returns the field with the given id, or nil.
func (s *SubtaskSpec) Field(id string) *Field {
	if s == nil {
		return nil
	}
	for i := range s.Fields {
		if s.Fields[i].ID == id {
			return &s.Fields[i]
		}
	}
	return nil
}

// ReviewSpec is the payload of a review node.
type ReviewSpec struct {
	SourceNodeID       string   `json:"sourceNodeId" yaml:"source_node_id"`
	ReviewableFieldIDs []string `json:"reviewableFieldIds,omitempty" yaml:"reviewable_field_ids,omitempty"`
	// MaxAttempts of zero disables escalation.
	MaxAttempts int `json:"maxAttempts,omitempty" yaml:"max_attempts,omitempty"`
}

// Node is a single vertex in the pipeline graph. Exactly one of Subtask or
// Review is set for subtask and review nodes; start and end carry neither.
type Node struct {
	ID          string       `json:"id" yaml:"id"`
	Type        NodeType     `json:"type" yaml:"type"`
	Label       string       `json:"label" yaml:"label"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Subtask     *SubtaskSpec `json:"subtask,omitempty" yaml:"subtask,omitempty"`
	Review      *ReviewSpec  `json:"review,omitempty" yaml:"review,omitempty"`
}

// DisplayName returns the label, falling back to the id.
func (n *Node) DisplayName() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// Edge is a directed connection between two nodes.
type Edge struct {
	ID         string             `json:"id" yaml:"id"`
	From       string             `json:"source" yaml:"source"`
	To         string             `json:"target" yaml:"target"`
	Tag        EdgeTag            `json:"tag,omitempty" yaml:"tag,omitempty"`
	Assignment AssignmentBehavior `json:"assignment,omitempty" yaml:"assignment,omitempty"`
}

// Pipeline is the design-time definition of a review workflow.
type Pipeline struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []*Node   `json:"nodes" yaml:"nodes"`
	Edges       []*Edge   `json:"edges" yaml:"edges"`
	CreatedAt   time.Time `json:"createdAt" yaml:"created_at,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty" yaml:"created_by,omitempty"`
}

// Node returns the first node with the given id, or nil.
func (p *Pipeline) Node(id string) *Node {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// NodesOfType returns all nodes of type t in declaration order.
func (p *Pipeline) NodesOfType(t NodeType) []*Node {
	var out []*Node
	for _, n := range p.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// StartNode returns the first start node, or nil.
func (p *Pipeline) StartNode() *Node {
	for _, n := range p.Nodes {
		if n.Type == NodeTypeStart {
			return n
		}
	}
	return nil
}

// OutgoingEdges returns all edges leaving nodeID, in definition order.
func (p *Pipeline) OutgoingEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range p.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns all edges arriving at nodeID.
func (p *Pipeline) IncomingEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range p.Edges {
		if e.To == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Clone returns a deep copy of the pipeline.
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	out := *p
	out.Nodes = make([]*Node, len(p.Nodes))
	for i, n := range p.Nodes {
		out.Nodes[i] = n.clone()
	}
	out.Edges = make([]*Edge, len(p.Edges))
	for i, e := range p.Edges {
		ec := *e
		out.Edges[i] = &ec
	}
	return &out
}

func (n *Node) clone() *Node {
	out := *n
	if n.Subtask != nil {
		out.Subtask = &SubtaskSpec{Fields: cloneFields(n.Subtask.Fields)}
	}
	if n.Review != nil {
		rs := *n.Review
		if n.Review.ReviewableFieldIDs != nil {
			rs.ReviewableFieldIDs = append([]string(nil), n.Review.ReviewableFieldIDs...)
		}
		out.Review = &rs
	}
	return &out
}

func cloneFields(fields []Field) []Field {
	if fields == nil {
		return nil
	}
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = f
		out[i].Subfields = cloneFields(f.Subfields)
	}
	return out
}
