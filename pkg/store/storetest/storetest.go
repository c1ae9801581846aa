// Package storetest is a conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Pipeline returns a small valid pipeline with the given id.
func Pipeline(id string, created time.Time) *pipeline.Pipeline {
	p, err := pipeline.GenerateTaskReview(pipeline.TemplateOptions{Name: "Pipeline " + id, Tasks: 1})
	if err != nil {
		panic(err)
	}
	p.ID = id
	p.CreatedAt = created
	p.CreatedBy = "tester"
	p.Node("task-1").Subtask.Fields = append(p.Node("task-1").Subtask.Fields, pipeline.Field{
		ID:    "links",
		Label: "Links",
		Kind:  pipeline.FieldKindDynamicList,
		Subfields: []pipeline.Field{
			{ID: "url", Label: "URL", Kind: pipeline.FieldKindText, Required: true},
		},
	})
	return p
}

// Execution returns an execution of p positioned on its first task, with one
// reviewed version recorded.
func Execution(id string, p *pipeline.Pipeline, created time.Time) *execution.Execution {
	reviewed := created.Add(2 * time.Minute)
	started := created
	return &execution.Execution{
		ID:            id,
		PipelineID:    p.ID,
		CurrentNodeID: "task-1",
		Status:        execution.StatusActive,
		CreatedAt:     created,
		UpdatedAt:     reviewed,
		NodeExecutions: []*execution.NodeExecution{
			{
				NodeID: "task-1",
				Type:   pipeline.NodeTypeSubtask,
				Status: execution.NodeRevisionNeeded,
				Subtask: &execution.SubtaskState{
					FieldHistories: []*execution.FieldHistory{
						{
							FieldID:        "response",
							CurrentVersion: 1,
							Versions: []*execution.FieldVersion{{
								Version:       1,
								Value:         "first draft",
								SubmittedAt:   created.Add(time.Minute),
								SubmittedBy:   "alice",
								Status:        execution.VersionRejected,
								ReviewComment: "too short",
								ReviewedAt:    &reviewed,
								ReviewedBy:    "bob",
							}},
						},
						{FieldID: "links", Versions: []*execution.FieldVersion{}},
					},
					AssignedTo: "bob",
					StartedAt:  &started,
				},
			},
			{
				NodeID: "review-1",
				Type:   pipeline.NodeTypeReview,
				Status: execution.NodeCompleted,
				Review: &execution.ReviewState{SourceNodeID: "task-1", CompletedBy: "bob", ReviewedAt: &reviewed},
			},
			{
				NodeID: "end",
				Type:   pipeline.NodeTypeEnd,
				Status: execution.NodePending,
				End:    &execution.EndState{},
			},
		},
	}
}

// Run exercises a fresh Store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("PipelineRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := Pipeline("p1", base)

		require.NoError(t, s.SavePipeline(ctx, p))
		got, err := s.LoadPipeline(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, p, got)

		got.Name = "mutated"
		again, err := s.LoadPipeline(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "Pipeline p1", again.Name, "loaded value must be a copy")
	})

	t.Run("PipelineUpsertListDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SavePipeline(ctx, Pipeline("b", base.Add(time.Hour))))
		require.NoError(t, s.SavePipeline(ctx, Pipeline("a", base)))

		updated := Pipeline("b", base.Add(time.Hour))
		updated.Name = "renamed"
		require.NoError(t, s.SavePipeline(ctx, updated))

		list, err := s.ListPipelines(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].ID)
		assert.Equal(t, "renamed", list[1].Name)

		require.NoError(t, s.DeletePipeline(ctx, "a"))
		_, err = s.LoadPipeline(ctx, "a")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.DeletePipeline(ctx, "a"), store.ErrNotFound)
	})

	t.Run("MissingRecords", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.LoadPipeline(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.LoadExecution(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)

		list, err := s.ListExecutions(ctx, store.ExecutionFilter{})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("ExecutionRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := Pipeline("p1", base)
		e := Execution("e1", p, base)

		require.NoError(t, s.CreateExecution(ctx, e))
		got, err := s.LoadExecution(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, e, got)

		assert.ErrorIs(t, s.CreateExecution(ctx, e), store.ErrAlreadyExists)
	})

	t.Run("SaveExecutionIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := Execution("e1", Pipeline("p1", base), base)

		require.NoError(t, s.SaveExecution(ctx, e))
		require.NoError(t, s.SaveExecution(ctx, e))

		done := e.Clone()
		completed := base.Add(time.Hour)
		done.Status = execution.StatusCompleted
		done.CompletedAt = &completed
		done.CurrentNodeID = "end"
		require.NoError(t, s.SaveExecution(ctx, done))

		got, err := s.LoadExecution(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, done, got)

		all, err := s.ListExecutions(ctx, store.ExecutionFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("ListExecutionsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p1, p2 := Pipeline("p1", base), Pipeline("p2", base)

		for i := 0; i < 4; i++ {
			p := p1
			if i%2 == 1 {
				p = p2
			}
			e := Execution(fmt.Sprintf("e%d", i), p, base.Add(time.Duration(3-i)*time.Minute))
			if i == 3 {
				e.Status = execution.StatusCompleted
			}
			require.NoError(t, s.CreateExecution(ctx, e))
		}

		all, err := s.ListExecutions(ctx, store.ExecutionFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"e3", "e2", "e1", "e0"}, ids(all), "ordered by creation time")

		byPipeline, err := s.ListExecutions(ctx, store.ExecutionFilter{PipelineID: "p2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"e3", "e1"}, ids(byPipeline))

		both, err := s.ListExecutions(ctx, store.ExecutionFilter{PipelineID: "p2", Status: execution.StatusActive})
		require.NoError(t, err)
		assert.Equal(t, []string{"e1"}, ids(both))

		active, err := s.ActiveExecutions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"e2", "e1", "e0"}, ids(active))
	})
}

func ids(es []*execution.Execution) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
