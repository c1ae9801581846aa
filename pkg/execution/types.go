// Package execution runs instances of a pipeline through their subtask and
// review cycles, keeping a versioned history of every submitted field.
package execution

import (
	"time"

	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
)

// Status of a whole execution.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// NodeStatus is the lifecycle state of one node within an execution.
type NodeStatus string

const (
	NodePending        NodeStatus = "pending"
	NodeInProgress     NodeStatus = "in-progress"
	NodeWaitingReview  NodeStatus = "waiting-review"
	NodeRevisionNeeded NodeStatus = "revision-needed"
	NodeCompleted      NodeStatus = "completed"
)

// VersionStatus is the review state of one submitted field value.
type VersionStatus string

const (
	VersionPending  VersionStatus = "pending"
	VersionAccepted VersionStatus = "accepted"
	VersionRejected VersionStatus = "rejected"
)

// FieldVersion is one submitted value of a field.
type FieldVersion struct {
	Version       int           `json:"version"`
	Value         string        `json:"value"`
	SubmittedAt   time.Time     `json:"submittedAt"`
	SubmittedBy   string        `json:"submittedBy,omitempty"`
	Status        VersionStatus `json:"status"`
	ReviewComment string        `json:"reviewComment,omitempty"`
	ReviewedAt    *time.Time    `json:"reviewedAt,omitempty"`
	ReviewedBy    string        `json:"reviewedBy,omitempty"`
}

// FieldHistory is the append-only version list of one field.
type FieldHistory struct {
	FieldID        string          `json:"fieldId"`
	Versions       []*FieldVersion `json:"versions"`
	CurrentVersion int             `json:"currentVersion"`
}

// Latest returns the most recent version, or nil if nothing was submitted.
func (h *FieldHistory) Latest() *FieldVersion {
	if len(h.Versions) == 0 {
		return nil
	}
	return h.Versions[len(h.Versions)-1]
}

// SubtaskState is the subtask-specific part of a NodeExecution.
type SubtaskState struct {
	FieldHistories []*FieldHistory `json:"fieldHistories"`
	AssignedTo     string          `json:"assignedTo,omitempty"`
	CompletedBy    string          `json:"completedBy,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	LastUpdatedAt  *time.Time      `json:"lastUpdatedAt,omitempty"`
}

// History returns the history for fieldID, or nil.
func (s *SubtaskState) History(fieldID string) *FieldHistory {
	for _, h := range s.FieldHistories {
		if h.FieldID == fieldID {
			return h
		}
	}
	return nil
}

// HasHistory reports whether any field has at least one submitted version.
func (s *SubtaskState) HasHistory() bool {
	for _, h := range s.FieldHistories {
		if len(h.Versions) > 0 {
			return true
		}
	}
	return false
}

// AttemptCount is the highest version number across all fields.
func (s *SubtaskState) AttemptCount() int {
	n := 0
	for _, h := range s.FieldHistories {
		if h.CurrentVersion > n {
			n = h.CurrentVersion
		}
	}
	return n
}

// RejectedFieldIDs lists fields whose latest version was rejected.
func (s *SubtaskState) RejectedFieldIDs() []string {
	var out []string
	for _, h := range s.FieldHistories {
		if v := h.Latest(); v != nil && v.Status == VersionRejected {
			out = append(out, h.FieldID)
		}
	}
	return out
}

// AcceptedValues maps field id to value for every field whose latest version
// was accepted.
func (s *SubtaskState) AcceptedValues() map[string]string {
	out := map[string]string{}
	for _, h := range s.FieldHistories {
		if v := h.Latest(); v != nil && v.Status == VersionAccepted {
			out[h.FieldID] = v.Value
		}
	}
	return out
}

// IsComplete reports whether every field's latest version is accepted.
func (s *SubtaskState) IsComplete() bool {
	if len(s.FieldHistories) == 0 {
		return false
	}
	for _, h := range s.FieldHistories {
		if v := h.Latest(); v == nil || v.Status != VersionAccepted {
			return false
		}
	}
	return true
}

// ReviewState is the review-specific part of a NodeExecution.
type ReviewState struct {
	SourceNodeID      string     `json:"sourceNodeId"`
	AllFieldsAccepted bool       `json:"allFieldsAccepted"`
	AssignedTo        string     `json:"assignedTo,omitempty"`
	CompletedBy       string     `json:"completedBy,omitempty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	ReviewedAt        *time.Time `json:"reviewedAt,omitempty"`
}

// EndState is the end-specific part of a NodeExecution.
type EndState struct {
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// NodeExecution is the runtime state of one non-start node. Exactly one of
// Subtask, Review or End is set, matching Type.
type NodeExecution struct {
	NodeID  string            `json:"nodeId"`
	Type    pipeline.NodeType `json:"type"`
	Status  NodeStatus        `json:"status"`
	Subtask *SubtaskState     `json:"subtask,omitempty"`
	Review  *ReviewState      `json:"review,omitempty"`
	End     *EndState         `json:"end,omitempty"`
}

// Execution is one running instance of a pipeline.
type Execution struct {
	ID             string           `json:"id"`
	PipelineID     string           `json:"pipelineId"`
	CurrentNodeID  string           `json:"currentNodeId"`
	Status         Status           `json:"status"`
	NodeExecutions []*NodeExecution `json:"nodeExecutions"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

// Node returns the NodeExecution for nodeID, or nil.
func (e *Execution) Node(nodeID string) *NodeExecution {
	for _, ne := range e.NodeExecutions {
		if ne.NodeID == nodeID {
			return ne
		}
	}
	return nil
}

// Current returns the NodeExecution named by CurrentNodeID, or nil.
func (e *Execution) Current() *NodeExecution {
	return e.Node(e.CurrentNodeID)
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.CompletedAt = cloneTime(e.CompletedAt)
	out.NodeExecutions = make([]*NodeExecution, len(e.NodeExecutions))
	for i, ne := range e.NodeExecutions {
		out.NodeExecutions[i] = ne.clone()
	}
	return &out
}

func (ne *NodeExecution) clone() *NodeExecution {
	out := *ne
	if ne.Subtask != nil {
		st := *ne.Subtask
		st.StartedAt = cloneTime(st.StartedAt)
		st.LastUpdatedAt = cloneTime(st.LastUpdatedAt)
		st.FieldHistories = make([]*FieldHistory, len(ne.Subtask.FieldHistories))
		for i, h := range ne.Subtask.FieldHistories {
			hc := *h
			hc.Versions = make([]*FieldVersion, len(h.Versions))
			for j, v := range h.Versions {
				vc := *v
				vc.ReviewedAt = cloneTime(v.ReviewedAt)
				hc.Versions[j] = &vc
			}
			st.FieldHistories[i] = &hc
		}
		out.Subtask = &st
	}
	if ne.Review != nil {
		rs := *ne.Review
		rs.StartedAt = cloneTime(rs.StartedAt)
		rs.ReviewedAt = cloneTime(rs.ReviewedAt)
		out.Review = &rs
	}
	if ne.End != nil {
		out.End = &EndState{CompletedAt: cloneTime(ne.End.CompletedAt)}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// FieldReview is a reviewer's decision on one field.
type FieldReview struct {
	FieldID string        `json:"fieldId"`
	Status  VersionStatus `json:"status"`
	Comment string        `json:"comment,omitempty"`
}
