// Package queue builds the FIFO work lists shown to editors and reviewers.
// Queues are derived from execution state on every read; nothing is cached.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
)

// Source supplies the executions and pipelines a queue is built from.
type Source interface {
	ActiveExecutions(ctx context.Context) ([]*execution.Execution, error)
	LoadPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error)
}

// AccumulatedField is a value submitted on an upstream subtask, shown as
// context to whoever works on a later node.
type AccumulatedField struct {
	NodeID        string                  `json:"nodeId"`
	NodeLabel     string                  `json:"nodeLabel"`
	FieldID       string                  `json:"fieldId"`
	FieldLabel    string                  `json:"fieldLabel"`
	Kind          pipeline.FieldKind      `json:"kind"`
	Value         string                  `json:"value"`
	Entries       []pipeline.ListEntry    `json:"entries,omitempty"`
	ReviewStatus  execution.VersionStatus `json:"reviewStatus"`
	ReviewComment string                  `json:"reviewComment,omitempty"`
}

// EditorItem is a subtask waiting for an editor.
type EditorItem struct {
	ExecutionID        string               `json:"executionId"`
	PipelineID         string               `json:"pipelineId"`
	PipelineName       string               `json:"pipelineName"`
	NodeID             string               `json:"nodeId"`
	NodeLabel          string               `json:"nodeLabel"`
	Fields             []pipeline.Field     `json:"fields"`
	RejectedFieldIDs   []string             `json:"rejectedFieldIds,omitempty"`
	AcceptedValues     map[string]string    `json:"acceptedValues,omitempty"`
	AccumulatedFields  []AccumulatedField   `json:"accumulatedFields,omitempty"`
	Assignment         execution.Assignment `json:"assignment"`
	BecameActionableAt time.Time            `json:"becameActionableAt"`
}

// FieldToReview is one field a reviewer must decide on.
type FieldToReview struct {
	FieldID                string               `json:"fieldId"`
	FieldLabel             string               `json:"fieldLabel"`
	Kind                   pipeline.FieldKind   `json:"kind"`
	Subfields              []pipeline.Field     `json:"subfields,omitempty"`
	CurrentValue           string               `json:"currentValue"`
	Entries                []pipeline.ListEntry `json:"entries,omitempty"`
	Version                int                  `json:"version"`
	PreviousReviewComments []string             `json:"previousReviewComments,omitempty"`
}

// ReviewerItem is a review waiting for a reviewer.
type ReviewerItem struct {
	ExecutionID        string               `json:"executionId"`
	PipelineID         string               `json:"pipelineId"`
	PipelineName       string               `json:"pipelineName"`
	NodeID             string               `json:"nodeId"`
	NodeLabel          string               `json:"nodeLabel"`
	SubtaskNodeID      string               `json:"subtaskNodeId"`
	FieldsToReview     []FieldToReview      `json:"fieldsToReview"`
	AccumulatedFields  []AccumulatedField   `json:"accumulatedFields,omitempty"`
	Assignment         execution.Assignment `json:"assignment"`
	BecameActionableAt time.Time            `json:"becameActionableAt"`
}

type options struct {
	actor string
}

// Option filters a queue.
type Option func(*options)

// ForActor drops items whose assignment does not allow actor.
func ForActor(actor string) Option {
	return func(o *options) { o.actor = actor }
}

// Builder computes queues from a Source.
type Builder struct {
	src Source
	log *slog.Logger
}

// NewBuilder returns a Builder reading from src. A nil logger means slog.Default().
func NewBuilder(src Source, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{src: src, log: logger}
}

// snapshot pairs each active execution with its pipeline. Executions whose
// pipeline cannot be loaded are skipped.
func (b *Builder) snapshot(ctx context.Context) ([]*execution.Execution, map[string]*pipeline.Pipeline, error) {
	execs, err := b.src.ActiveExecutions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list active executions: %w", err)
	}
	pipelines := map[string]*pipeline.Pipeline{}
	var kept []*execution.Execution
	for _, ex := range execs {
		if _, ok := pipelines[ex.PipelineID]; !ok {
			p, err := b.src.LoadPipeline(ctx, ex.PipelineID)
			if err != nil {
				b.log.Warn("queue: skipping execution", "execution", ex.ID, "pipeline", ex.PipelineID, "error", err)
				continue
			}
			pipelines[ex.PipelineID] = p
		}
		kept = append(kept, ex)
	}
	return kept, pipelines, nil
}

// EditorQueue lists every subtask that is current and pending or awaiting
// revision, oldest first.
func (b *Builder) EditorQueue(ctx context.Context, opts ...Option) ([]EditorItem, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	execs, pipelines, err := b.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	items := []EditorItem{}
	for _, ex := range execs {
		ne := ex.Current()
		if ne == nil || ne.Subtask == nil {
			continue
		}
		if ne.Status != execution.NodePending && ne.Status != execution.NodeRevisionNeeded {
			continue
		}
		p := pipelines[ex.PipelineID]
		node := p.Node(ne.NodeID)
		if node == nil || node.Subtask == nil {
			b.log.Warn("queue: current node missing from pipeline", "execution", ex.ID, "node", ne.NodeID)
			continue
		}

		item := EditorItem{
			ExecutionID:        ex.ID,
			PipelineID:         p.ID,
			PipelineName:       p.Name,
			NodeID:             node.ID,
			NodeLabel:          node.DisplayName(),
			Fields:             node.Subtask.Fields,
			AccumulatedFields:  b.accumulatedFields(p, ex, node.ID),
			Assignment:         execution.ParseAssignment(ne.Subtask.AssignedTo),
			BecameActionableAt: ex.CreatedAt,
		}
		if ne.Subtask.StartedAt != nil {
			item.BecameActionableAt = *ne.Subtask.StartedAt
		}
		if ne.Status == execution.NodeRevisionNeeded {
			item.RejectedFieldIDs = ne.Subtask.RejectedFieldIDs()
			if acc := ne.Subtask.AcceptedValues(); len(acc) > 0 {
				item.AcceptedValues = acc
			}
		}
		if o.actor != "" && !item.Assignment.Allows(o.actor) {
			continue
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return fifoLess(items[i].BecameActionableAt, items[j].BecameActionableAt, items[i].ExecutionID, items[j].ExecutionID)
	})
	return items, nil
}

// ReviewerQueue lists every review that is current and in progress, ordered
// by when its source subtask was last submitted.
func (b *Builder) ReviewerQueue(ctx context.Context, opts ...Option) ([]ReviewerItem, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	execs, pipelines, err := b.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	items := []ReviewerItem{}
	for _, ex := range execs {
		ne := ex.Current()
		if ne == nil || ne.Review == nil || ne.Status != execution.NodeInProgress {
			continue
		}
		p := pipelines[ex.PipelineID]
		node := p.Node(ne.NodeID)
		if node == nil || node.Review == nil {
			b.log.Warn("queue: current node missing from pipeline", "execution", ex.ID, "node", ne.NodeID)
			continue
		}
		src := ex.Node(node.Review.SourceNodeID)
		if src == nil || src.Subtask == nil {
			continue
		}
		fields, err := p.ReviewableFields(node.ID)
		if err != nil {
			b.log.Warn("queue: skipping review", "execution", ex.ID, "node", node.ID, "error", err)
			continue
		}

		item := ReviewerItem{
			ExecutionID:        ex.ID,
			PipelineID:         p.ID,
			PipelineName:       p.Name,
			NodeID:             node.ID,
			NodeLabel:          node.DisplayName(),
			SubtaskNodeID:      src.NodeID,
			AccumulatedFields:  b.accumulatedFields(p, ex, src.NodeID),
			Assignment:         execution.ParseAssignment(ne.Review.AssignedTo),
			BecameActionableAt: ex.CreatedAt,
		}
		if src.Subtask.LastUpdatedAt != nil {
			item.BecameActionableAt = *src.Subtask.LastUpdatedAt
		}
		for _, f := range fields {
			h := src.Subtask.History(f.ID)
			if h == nil || h.Latest() == nil {
				continue
			}
			latest := h.Latest()
			ftr := FieldToReview{
				FieldID:      f.ID,
				FieldLabel:   f.Label,
				Kind:         f.Kind,
				Subfields:    f.Subfields,
				CurrentValue: latest.Value,
				Version:      latest.Version,
			}
			if f.Kind == pipeline.FieldKindDynamicList {
				ftr.Entries = b.decodeEntries(ex.ID, src.NodeID, f.ID, latest.Value)
			}
			for _, v := range h.Versions {
				if v.ReviewComment != "" {
					ftr.PreviousReviewComments = append(ftr.PreviousReviewComments, v.ReviewComment)
				}
			}
			item.FieldsToReview = append(item.FieldsToReview, ftr)
		}
		if o.actor != "" && !item.Assignment.Allows(o.actor) {
			continue
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return fifoLess(items[i].BecameActionableAt, items[j].BecameActionableAt, items[i].ExecutionID, items[j].ExecutionID)
	})
	return items, nil
}

func fifoLess(ti, tj time.Time, idi, idj string) bool {
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return idi < idj
}

// accumulatedFields collects the latest submitted value of every field on the
// subtasks upstream of nodeID.
func (b *Builder) accumulatedFields(p *pipeline.Pipeline, ex *execution.Execution, nodeID string) []AccumulatedField {
	var out []AccumulatedField
	for _, prior := range p.PriorSubtasks(nodeID) {
		ne := ex.Node(prior.ID)
		if ne == nil || ne.Subtask == nil {
			continue
		}
		for _, h := range ne.Subtask.FieldHistories {
			latest := h.Latest()
			if latest == nil {
				continue
			}
			f := prior.Subtask.Field(h.FieldID)
			if f == nil {
				continue
			}
			af := AccumulatedField{
				NodeID:        prior.ID,
				NodeLabel:     prior.DisplayName(),
				FieldID:       f.ID,
				FieldLabel:    f.Label,
				Kind:          f.Kind,
				Value:         latest.Value,
				ReviewStatus:  latest.Status,
				ReviewComment: latest.ReviewComment,
			}
			if f.Kind == pipeline.FieldKindDynamicList {
				af.Entries = b.decodeEntries(ex.ID, prior.ID, f.ID, latest.Value)
			}
			out = append(out, af)
		}
	}
	return out
}

// decodeEntries decodes a stored dynamic-list value. A malformed value is
// shown raw with no entries.
func (b *Builder) decodeEntries(execID, nodeID, fieldID, value string) []pipeline.ListEntry {
	entries, err := pipeline.DecodeDynamicList(value)
	if err != nil {
		b.log.Warn("queue: undecodable dynamic-list value",
			"execution", execID, "node", nodeID, "field", fieldID, "error", err)
		return nil
	}
	return entries
}
