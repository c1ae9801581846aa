package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ravi-parthasarathy/reviewflow/pkg/execution"
	"github.com/ravi-parthasarathy/reviewflow/pkg/pipeline"
	"github.com/ravi-parthasarathy/reviewflow/pkg/store"
)

// Health reports store reachability.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	if err := s.svc.Health(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, Response{Error: err.Error()})
	}
	return ok(c, map[string]string{"status": "ok"})
}

// ListPipelines returns every pipeline.
// (GET /api/pipelines)
func (s *Server) ListPipelines(c echo.Context) error {
	ps, err := s.svc.ListPipelines(c.Request().Context())
	if err != nil {
		return err
	}
	return ok(c, ps)
}

func bindPipeline(c echo.Context) (*pipeline.Pipeline, error) {
	var p pipeline.Pipeline
	if err := c.Bind(&p); err != nil {
		return nil, badRequest("invalid request body: " + err.Error())
	}
	if p.Name == "" || p.Nodes == nil || p.Edges == nil {
		return nil, badRequest("invalid pipeline data: name, nodes, and edges are required")
	}
	return &p, nil
}

// CreatePipeline validates and stores a pipeline.
// (POST /api/pipelines)
func (s *Server) CreatePipeline(c echo.Context) error {
	p, err := bindPipeline(c)
	if err != nil {
		return err
	}
	created, err := s.svc.CreatePipeline(c.Request().Context(), p, author(c))
	if err != nil {
		return err
	}
	return ok(c, created)
}

// ValidatePipeline runs validation only. The envelope succeeds either way;
// data carries the result.
// (POST /api/pipelines/validate)
func (s *Server) ValidatePipeline(c echo.Context) error {
	var p pipeline.Pipeline
	if err := c.Bind(&p); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	return ok(c, s.svc.ValidatePipeline(&p))
}

// GetPipeline returns one pipeline.
// (GET /api/pipelines/:id)
func (s *Server) GetPipeline(c echo.Context) error {
	p, err := s.svc.GetPipeline(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return ok(c, p)
}

// UpdatePipeline replaces a pipeline definition.
// (PUT /api/pipelines/:id)
func (s *Server) UpdatePipeline(c echo.Context) error {
	p, err := bindPipeline(c)
	if err != nil {
		return err
	}
	updated, err := s.svc.UpdatePipeline(c.Request().Context(), c.Param("id"), p)
	if err != nil {
		return err
	}
	return ok(c, updated)
}

// DeletePipeline removes an unused pipeline.
// (DELETE /api/pipelines/:id)
func (s *Server) DeletePipeline(c echo.Context) error {
	if err := s.svc.DeletePipeline(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return ok(c, nil)
}

// ListExecutions supports ?pipelineId= and ?status= filters.
// (GET /api/executions)
func (s *Server) ListExecutions(c echo.Context) error {
	filter := store.ExecutionFilter{
		PipelineID: c.QueryParam("pipelineId"),
		Status:     execution.Status(c.QueryParam("status")),
	}
	es, err := s.svc.ListExecutions(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return ok(c, es)
}

type startRequest struct {
	PipelineID string `json:"pipelineId"`
}

// StartExecution starts a pipeline.
// (POST /api/executions)
func (s *Server) StartExecution(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	if req.PipelineID == "" {
		return badRequest("pipelineId is required")
	}
	ex, err := s.svc.StartExecution(c.Request().Context(), req.PipelineID)
	if err != nil {
		return err
	}
	return ok(c, ex)
}

// GetExecution returns one execution.
// (GET /api/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	ex, err := s.svc.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return ok(c, ex)
}

type advanceRequest struct {
	NodeID string          `json:"nodeId"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
}

type subtaskData struct {
	FieldValues map[string]string `json:"fieldValues"`
}

type reviewData struct {
	FieldReviews []execution.FieldReview `json:"fieldReviews"`
}

// Advance submits a subtask or a review on the execution's current node.
// (POST /api/executions/:id/advance)
func (s *Server) Advance(c echo.Context) error {
	var req advanceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	if req.NodeID == "" || req.Type == "" || len(req.Data) == 0 || string(req.Data) == "null" {
		return badRequest("nodeId, type, and data are required")
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	who := author(c)

	switch req.Type {
	case "subtask":
		var data subtaskData
		if err := json.Unmarshal(req.Data, &data); err != nil || data.FieldValues == nil {
			return badRequest("fieldValues is required for subtask")
		}
		ex, err := s.svc.SubmitSubtask(ctx, id, req.NodeID, data.FieldValues, who)
		if err != nil {
			return err
		}
		return ok(c, ex)

	case "review":
		var data reviewData
		if err := json.Unmarshal(req.Data, &data); err != nil || data.FieldReviews == nil {
			return badRequest("fieldReviews array is required for review")
		}
		for _, r := range data.FieldReviews {
			if r.FieldID == "" || r.Status == "" {
				return badRequest("each field review must have fieldId and status")
			}
			if r.Status != execution.VersionAccepted && r.Status != execution.VersionRejected {
				return badRequest(`field review status must be "accepted" or "rejected"`)
			}
		}
		ex, err := s.svc.SubmitReview(ctx, id, req.NodeID, data.FieldReviews, who)
		if err != nil {
			return err
		}
		return ok(c, ex)
	}
	return badRequest(`invalid type, must be "subtask" or "review"`)
}

// EditorQueue lists subtasks waiting for editors.
// (GET /api/queue/editor)
func (s *Server) EditorQueue(c echo.Context) error {
	items, err := s.svc.EditorQueue(c.Request().Context(), actor(c))
	if err != nil {
		return err
	}
	return ok(c, items)
}

// ReviewerQueue lists reviews waiting for reviewers.
// (GET /api/queue/reviewer)
func (s *Server) ReviewerQueue(c echo.Context) error {
	items, err := s.svc.ReviewerQueue(c.Request().Context(), actor(c))
	if err != nil {
		return err
	}
	return ok(c, items)
}
