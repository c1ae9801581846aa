package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/locks"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store/memory"
)

const linksValue = `[{"url":"https://example.com","caption":"home"}]`

func articlePipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.GenerateTaskReview(pipeline.TemplateOptions{
		Name:  "Article",
		Tasks: 1,
		Fields: []pipeline.Field{
			{ID: "body", Label: "Body", Kind: pipeline.FieldKindLongText, Required: true},
			{ID: "links", Label: "Links", Kind: pipeline.FieldKindDynamicList, Subfields: []pipeline.Field{
				{ID: "url", Label: "URL", Kind: pipeline.FieldKindText, Required: true},
				{ID: "caption", Label: "Caption", Kind: pipeline.FieldKindText},
			}},
		},
		MaxAttempts:        3,
		ReviewerAssignment: pipeline.AssignDifferentPerson,
	})
	require.NoError(t, err)
	return p
}

func newTestService(t *testing.T, opts ...Option) (*Service, store.Store) {
	t.Helper()
	st := memory.New()
	var (
		n    int64
		tick int64
	)
	base := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	opts = append([]Option{
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1)) }),
		WithClock(func() time.Time { return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second) }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(st, opts...), st
}

// ─── Pipelines ──────────────────────────────────────────────────────────────

func TestCreatePipeline(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreatePipeline(ctx, articlePipeline(t), "")
	require.NoError(t, err)
	assert.Equal(t, "id-1", created.ID)
	assert.Equal(t, DefaultActor, created.CreatedBy)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := svc.GetPipeline(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	list, err := svc.ListPipelines(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreatePipelineKeepsExplicitID(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := articlePipeline(t)
	p.ID = "article"

	created, err := svc.CreatePipeline(ctx, p, "carol")
	require.NoError(t, err)
	assert.Equal(t, "article", created.ID)
	assert.Equal(t, "carol", created.CreatedBy)

	_, err = svc.CreatePipeline(ctx, p, "carol")
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestCreatePipelineRejectsInvalid(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	p := articlePipeline(t)
	p.Edges = p.Edges[:len(p.Edges)-1]

	_, err := svc.CreatePipeline(ctx, p, "carol")
	var invalid *pipeline.InvalidPipelineError
	require.ErrorAs(t, err, &invalid)
	assert.NotEmpty(t, invalid.Errors)

	list, err := st.ListPipelines(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	res := svc.ValidatePipeline(p)
	assert.False(t, res.Valid)
}

func TestUpdateAndDeletePipeline(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.CreatePipeline(ctx, articlePipeline(t), "carol")
	require.NoError(t, err)

	edit := articlePipeline(t)
	edit.Name = "Renamed"
	updated, err := svc.UpdatePipeline(ctx, created.ID, edit)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "carol", updated.CreatedBy)

	_, err = svc.UpdatePipeline(ctx, "missing", edit)
	assert.ErrorIs(t, err, store.ErrNotFound)

	ex, err := svc.StartExecution(ctx, created.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeletePipeline(ctx, created.ID), ErrPipelineInUse)
	_, err = svc.UpdatePipeline(ctx, created.ID, edit)
	assert.ErrorIs(t, err, ErrPipelineInUse)

	finish(t, svc, ex.ID)

	require.NoError(t, svc.DeletePipeline(ctx, created.ID))
	_, err = svc.GetPipeline(ctx, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// ─── Executions ─────────────────────────────────────────────────────────────

func finish(t *testing.T, svc *Service, executionID string) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.SubmitSubtask(ctx, executionID, "task-1", map[string]string{"body": "text", "links": "[]"}, "alice")
	require.NoError(t, err)
	ex, err := svc.SubmitReview(ctx, executionID, "review-1", []execution.FieldReview{
		{FieldID: "body", Status: execution.VersionAccepted},
		{FieldID: "links", Status: execution.VersionAccepted},
	}, "bob")
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, ex.Status)
}

func TestStartExecution(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.StartExecution(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	p, err := svc.CreatePipeline(ctx, articlePipeline(t), "carol")
	require.NoError(t, err)
	ex, err := svc.StartExecution(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", ex.CurrentNodeID)
	assert.Equal(t, execution.StatusActive, ex.Status)

	stored, err := svc.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ex, stored)

	list, err := svc.ListExecutions(ctx, store.ExecutionFilter{PipelineID: p.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRevisionFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePipeline(ctx, articlePipeline(t), "carol")
	require.NoError(t, err)
	ex, err := svc.StartExecution(ctx, p.ID)
	require.NoError(t, err)

	editor, err := svc.EditorQueue(ctx, "")
	require.NoError(t, err)
	require.Len(t, editor, 1)
	assert.Equal(t, ex.ID, editor[0].ExecutionID)

	ex, err = svc.SubmitSubtask(ctx, ex.ID, "task-1", map[string]string{"body": "draft", "links": linksValue}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "review-1", ex.CurrentNodeID)

	// different-person keeps alice out of her own review.
	mine, err := svc.ReviewerQueue(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, mine)
	theirs, err := svc.ReviewerQueue(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	require.Len(t, theirs[0].FieldsToReview, 2)

	_, err = svc.SubmitReview(ctx, ex.ID, "review-1", []execution.FieldReview{
		{FieldID: "body", Status: execution.VersionRejected},
		{FieldID: "links", Status: execution.VersionAccepted},
	}, "bob")
	assert.ErrorIs(t, err, ErrCommentRequired)

	ex, err = svc.SubmitReview(ctx, ex.ID, "review-1", []execution.FieldReview{
		{FieldID: "body", Status: execution.VersionRejected, Comment: "expand the intro"},
		{FieldID: "links", Status: execution.VersionAccepted},
	}, "bob")
	require.NoError(t, err)
	assert.Equal(t, "task-1", ex.CurrentNodeID)
	assert.Equal(t, execution.NodeRevisionNeeded, ex.Node("task-1").Status)

	editor, err = svc.EditorQueue(ctx, "")
	require.NoError(t, err)
	require.Len(t, editor, 1)
	assert.Equal(t, []string{"body"}, editor[0].RejectedFieldIDs)
	assert.Equal(t, linksValue, editor[0].AcceptedValues["links"])

	_, err = svc.SubmitSubtask(ctx, ex.ID, "task-1", map[string]string{"body": "draft 2", "links": "[]"}, "alice")
	assert.ErrorIs(t, err, execution.ErrFieldLocked)

	ex, err = svc.SubmitSubtask(ctx, ex.ID, "task-1", map[string]string{"body": "draft 2", "links": linksValue}, "alice")
	require.NoError(t, err)
	ex, err = svc.SubmitReview(ctx, ex.ID, "review-1", []execution.FieldReview{
		{FieldID: "body", Status: execution.VersionAccepted},
		{FieldID: "links", Status: execution.VersionAccepted},
	}, "bob")
	require.NoError(t, err)

	assert.Equal(t, execution.StatusCompleted, ex.Status)
	assert.Equal(t, "end", ex.CurrentNodeID)
	assert.Len(t, ex.Node("task-1").Subtask.History("body").Versions, 2)
	assert.Len(t, ex.Node("task-1").Subtask.History("links").Versions, 1)

	active, err := svc.ListExecutions(ctx, store.ExecutionFilter{Status: execution.StatusActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSubmitSubtaskChecksValues(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePipeline(ctx, articlePipeline(t), "carol")
	require.NoError(t, err)
	ex, err := svc.StartExecution(ctx, p.ID)
	require.NoError(t, err)

	tests := []struct {
		name   string
		values map[string]string
	}{
		{"blank required", map[string]string{"body": "  ", "links": "[]"}},
		{"list not json", map[string]string{"body": "x", "links": "not json"}},
		{"list unknown sub-field", map[string]string{"body": "x", "links": `[{"url":"a","extra":"b"}]`}},
		{"list missing required sub-field", map[string]string{"body": "x", "links": `[{"caption":"b"}]`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitSubtask(ctx, ex.ID, "task-1", tt.values, "alice")
			assert.ErrorIs(t, err, pipeline.ErrInvalidValue)
			var pre *execution.PreconditionError
			assert.ErrorAs(t, err, &pre)
		})
	}

	stored, err := svc.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ex, stored, "failed submissions leave the execution untouched")
}

func TestSubmitOnWrongNodeReportsPrecondition(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, err := svc.CreatePipeline(ctx, articlePipeline(t), "carol")
	require.NoError(t, err)
	ex, err := svc.StartExecution(ctx, p.ID)
	require.NoError(t, err)

	_, err = svc.SubmitReview(ctx, ex.ID, "review-1", []execution.FieldReview{
		{FieldID: "body", Status: execution.VersionAccepted},
		{FieldID: "links", Status: execution.VersionAccepted},
	}, "bob")
	assert.ErrorIs(t, err, execution.ErrNotCurrentNode)

	_, err = svc.SubmitSubtask(ctx, "missing", "task-1", nil, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSerialisedSubmissions(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	p, err := svc.CreatePipeline(ctx, articlePipeline(t), "carol")
	require.NoError(t, err)
	ex, err := svc.StartExecution(ctx, p.ID)
	require.NoError(t, err)

	const n = 8
	var (
		wg       sync.WaitGroup
		ok       int32
		rejected int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values := map[string]string{"body": fmt.Sprintf("draft %d", i), "links": "[]"}
			_, err := svc.SubmitSubtask(ctx, ex.ID, "task-1", values, fmt.Sprintf("editor-%d", i))
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, execution.ErrNotCurrentNode):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(n-1), rejected)

	stored, err := svc.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Node("task-1").Subtask.History("body").Versions, 1)
}

func TestConcurrentSubmissionsLocal(t *testing.T) {
	svc, _ := newTestService(t)
	testSerialisedSubmissions(t, svc)
}

func TestConcurrentSubmissionsRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	locker, err := locks.NewRedis(client)
	require.NoError(t, err)
	svc, _ := newTestService(t, WithLocker(locker))
	testSerialisedSubmissions(t, svc)
}
