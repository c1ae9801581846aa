package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store/memory"
	"github.com/ravi-parthasarathy/reviewflow/pkg/workflow"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	var n, tick int64
	base := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := workflow.New(memory.New(),
		workflow.WithIDGenerator(func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1)) }),
		workflow.WithClock(func() time.Time { return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second) }),
		workflow.WithLogger(logger),
	)
	return NewServer(svc, logger)
}

func do(t *testing.T, s *Server, method, path, body, who string) (int, gjson.Result) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if who != "" {
		req.Header.Set(ActorHeader, who)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.True(t, gjson.Valid(rec.Body.String()), "body is not JSON: %s", rec.Body.String())
	return rec.Code, gjson.Parse(rec.Body.String())
}

func templateJSON(t *testing.T) string {
	t.Helper()
	p, err := pipeline.GenerateTaskReview(pipeline.TemplateOptions{Name: "Two step", Tasks: 2})
	require.NoError(t, err)
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return string(raw)
}

func createPipeline(t *testing.T, s *Server) string {
	t.Helper()
	code, res := do(t, s, http.MethodPost, "/api/pipelines", templateJSON(t), "carol")
	require.Equal(t, http.StatusOK, code, res.Raw)
	return res.Get("data.id").String()
}

func startExecution(t *testing.T, s *Server, pipelineID string) string {
	t.Helper()
	code, res := do(t, s, http.MethodPost, "/api/executions", fmt.Sprintf(`{"pipelineId":%q}`, pipelineID), "")
	require.Equal(t, http.StatusOK, code, res.Raw)
	return res.Get("data.id").String()
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, res := do(t, s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Get("success").Bool())
	assert.Equal(t, "ok", res.Get("data.status").String())
}

func TestPipelineCRUD(t *testing.T) {
	s := newTestServer(t)
	id := createPipeline(t, s)

	code, res := do(t, s, http.MethodGet, "/api/pipelines/"+id, "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Two step", res.Get("data.name").String())
	assert.Equal(t, "carol", res.Get("data.createdBy").String())

	code, res = do(t, s, http.MethodGet, "/api/pipelines", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), res.Get("data.#").Int())

	renamed := strings.Replace(templateJSON(t), `"Two step"`, `"Renamed"`, 1)
	code, res = do(t, s, http.MethodPut, "/api/pipelines/"+id, renamed, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Renamed", res.Get("data.name").String())

	code, _ = do(t, s, http.MethodDelete, "/api/pipelines/"+id, "", "")
	assert.Equal(t, http.StatusOK, code)

	code, res = do(t, s, http.MethodGet, "/api/pipelines/"+id, "", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, res.Get("success").Bool())
	assert.Contains(t, res.Get("error").String(), "not found")
}

func TestCreatePipelineErrors(t *testing.T) {
	s := newTestServer(t)

	code, res := do(t, s, http.MethodPost, "/api/pipelines", `{"name":"x"}`, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, res.Get("error").String(), "name, nodes, and edges are required")

	code, res = do(t, s, http.MethodPost, "/api/pipelines", `{"name":"x","nodes":[],"edges":[]}`, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid pipeline structure", res.Get("error").String())
	assert.Equal(t, "NO_NODES", res.Get("data.0.code").String())

	code, _ = do(t, s, http.MethodPost, "/api/pipelines", `{not json`, "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestValidateEndpoint(t *testing.T) {
	s := newTestServer(t)

	code, res := do(t, s, http.MethodPost, "/api/pipelines/validate", templateJSON(t), "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Get("data.valid").Bool())

	code, res = do(t, s, http.MethodPost, "/api/pipelines/validate", `{"nodes":[]}`, "")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, res.Get("data.valid").Bool())
	assert.Equal(t, "NO_NODES", res.Get("data.errors.0.code").String())
}

func TestExecutionFlow(t *testing.T) {
	s := newTestServer(t)
	pid := createPipeline(t, s)
	eid := startExecution(t, s, pid)

	code, res := do(t, s, http.MethodGet, "/api/queue/editor", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, eid, res.Get("data.0.executionId").String())
	assert.Equal(t, "task-1", res.Get("data.0.nodeId").String())

	submit := `{"nodeId":"task-1","type":"subtask","data":{"fieldValues":{"response":"hello"}}}`
	code, res = do(t, s, http.MethodPost, "/api/executions/"+eid+"/advance", submit, "alice")
	require.Equal(t, http.StatusOK, code, res.Raw)
	assert.Equal(t, "review-1", res.Get("data.currentNodeId").String())

	code, res = do(t, s, http.MethodGet, "/api/queue/reviewer?actor=bob", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello", res.Get("data.0.fieldsToReview.0.currentValue").String())

	reject := `{"nodeId":"review-1","type":"review","data":{"fieldReviews":[{"fieldId":"response","status":"rejected","comment":"more"}]}}`
	code, res = do(t, s, http.MethodPost, "/api/executions/"+eid+"/advance", reject, "bob")
	require.Equal(t, http.StatusOK, code, res.Raw)
	assert.Equal(t, "task-1", res.Get("data.currentNodeId").String())

	// Resubmitting the old review now targets a node that is no longer current.
	code, res = do(t, s, http.MethodPost, "/api/executions/"+eid+"/advance", reject, "bob")
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, res.Get("success").Bool())

	code, res = do(t, s, http.MethodGet, "/api/executions?pipelineId="+pid+"&status=active", "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), res.Get("data.#").Int())

	code, res = do(t, s, http.MethodGet, "/api/executions/"+eid, "", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected",
		res.Get(`data.nodeExecutions.#(nodeId=="task-1").subtask.fieldHistories.0.versions.0.status`).String())

	code, _ = do(t, s, http.MethodDelete, "/api/pipelines/"+pid, "", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestAdvanceRecordsActor(t *testing.T) {
	s := newTestServer(t)
	pid := createPipeline(t, s)
	submitted := `data.nodeExecutions.#(nodeId=="task-1").subtask.fieldHistories.0.versions.0.submittedBy`
	submit := `{"nodeId":"task-1","type":"subtask","data":{"fieldValues":{"response":"hello"}}}`

	eid := startExecution(t, s, pid)
	code, res := do(t, s, http.MethodPost, "/api/executions/"+eid+"/advance?actor=dave", submit, "")
	require.Equal(t, http.StatusOK, code, res.Raw)
	assert.Equal(t, "dave", res.Get(submitted).String())

	eid = startExecution(t, s, pid)
	code, res = do(t, s, http.MethodPost, "/api/executions/"+eid+"/advance", submit, "")
	require.Equal(t, http.StatusOK, code, res.Raw)
	assert.Equal(t, workflow.DefaultActor, res.Get(submitted).String())
}

func TestAdvanceValidation(t *testing.T) {
	s := newTestServer(t)
	eid := startExecution(t, s, createPipeline(t, s))
	path := "/api/executions/" + eid + "/advance"

	tests := []struct {
		name string
		body string
		code int
		err  string
	}{
		{"missing fields", `{"nodeId":"task-1"}`, http.StatusBadRequest, "nodeId, type, and data are required"},
		{"bad type", `{"nodeId":"task-1","type":"other","data":{}}`, http.StatusBadRequest, "invalid type"},
		{"no field values", `{"nodeId":"task-1","type":"subtask","data":{}}`, http.StatusBadRequest, "fieldValues is required"},
		{"no reviews", `{"nodeId":"review-1","type":"review","data":{}}`, http.StatusBadRequest, "fieldReviews array is required"},
		{"bad decision", `{"nodeId":"review-1","type":"review","data":{"fieldReviews":[{"fieldId":"response","status":"maybe"}]}}`, http.StatusBadRequest, "accepted"},
		{"reject without comment", `{"nodeId":"review-1","type":"review","data":{"fieldReviews":[{"fieldId":"response","status":"rejected"}]}}`, http.StatusBadRequest, "comment is required"},
		{"blank required value", `{"nodeId":"task-1","type":"subtask","data":{"fieldValues":{"response":" "}}}`, http.StatusBadRequest, "required"},
		{"unknown field", `{"nodeId":"task-1","type":"subtask","data":{"fieldValues":{"response":"x","nope":"y"}}}`, http.StatusBadRequest, "unknown field"},
		{"not current", `{"nodeId":"task-2","type":"subtask","data":{"fieldValues":{"response":"x"}}}`, http.StatusConflict, "not the current node"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, res := do(t, s, http.MethodPost, path, tt.body, "alice")
			assert.Equal(t, tt.code, code, res.Raw)
			assert.Contains(t, res.Get("error").String(), tt.err)
		})
	}

	code, _ := do(t, s, http.MethodPost, "/api/executions/missing/advance",
		`{"nodeId":"task-1","type":"subtask","data":{"fieldValues":{"response":"x"}}}`, "alice")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStartExecutionErrors(t *testing.T) {
	s := newTestServer(t)

	code, res := do(t, s, http.MethodPost, "/api/executions", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "pipelineId is required", res.Get("error").String())

	code, _ = do(t, s, http.MethodPost, "/api/executions", `{"pipelineId":"missing"}`, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	code, res := do(t, s, http.MethodGet, "/api/nothing", "", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, res.Get("success").Bool())
}
