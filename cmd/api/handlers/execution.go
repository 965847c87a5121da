package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apimiddleware "github.com/bifrost-hq/bifrost/cmd/api/middleware"
	"github.com/bifrost-hq/bifrost/common/apperr"
	"github.com/bifrost-hq/bifrost/common/dispatch"
	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
)

// WorkflowRegistry resolves a trigger target to an entity
type WorkflowRegistry interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Entity, error)
	GetByName(ctx context.Context, entityType models.EntityType, name string, orgID *uuid.UUID) (*models.Entity, error)
}

// ExecutionDispatcher is the dispatch surface the handler drives
type ExecutionDispatcher interface {
	Enqueue(ctx context.Context, req *dispatch.Request) (uuid.UUID, error)
	WaitResult(ctx context.Context, id uuid.UUID, timeout time.Duration) (*models.ExecutionResult, error)
	QueuePosition(ctx context.Context, id uuid.UUID) (int64, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

// ExecutionReader reads execution records
type ExecutionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error)
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID, page models.Pagination) ([]*models.Execution, error)
}

// AccessChecker answers the execution authorization question
type AccessChecker interface {
	CanExecute(ctx context.Context, workflowID string, caller *models.Caller) (bool, error)
}

// ExecutionHandler triggers and tracks workflow executions
type ExecutionHandler struct {
	registry    WorkflowRegistry
	dispatcher  ExecutionDispatcher
	executions  ExecutionReader
	checker     AccessChecker
	syncTimeout time.Duration
	log         *logger.Logger
}

// NewExecutionHandler creates an execution handler
func NewExecutionHandler(registry WorkflowRegistry, dispatcher ExecutionDispatcher, executions ExecutionReader, checker AccessChecker, syncTimeout time.Duration, log *logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		registry:    registry,
		dispatcher:  dispatcher,
		executions:  executions,
		checker:     checker,
		syncTimeout: syncTimeout,
		log:         log,
	}
}

type triggerRequest struct {
	WorkflowID   *uuid.UUID      `json:"workflow_id,omitempty"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	FormID       *uuid.UUID      `json:"form_id,omitempty"`
	Sync         bool            `json:"sync"`
}

type triggerResponse struct {
	ExecutionID uuid.UUID              `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	Result      *models.ExecutionResult `json:"result,omitempty"`
}

// Trigger dispatches one workflow execution. Sync mode blocks on the
// reply list up to the configured timeout; a timeout is not a failure,
// the caller gets pending plus the id to poll.
// POST /api/v1/executions
func (h *ExecutionHandler) Trigger(c echo.Context) error {
	ctx := c.Request().Context()
	caller := apimiddleware.CallerFrom(c)

	req := &triggerRequest{}
	if err := c.Bind(req); err != nil {
		return fail(c, apperr.Validation("malformed request body"))
	}

	entity, err := h.resolveWorkflow(ctx, req, caller)
	if err != nil {
		return fail(c, err)
	}

	allowed, err := h.checker.CanExecute(ctx, entity.ID.String(), caller)
	if err != nil {
		return fail(c, err)
	}
	if !allowed {
		return fail(c, apperr.New(apperr.KindUnauthorized, "caller may not execute this workflow"))
	}

	id, err := h.dispatcher.Enqueue(ctx, &dispatch.Request{
		WorkflowID:   &entity.ID,
		WorkflowName: entity.Name,
		Path:         entity.Path,
		FunctionName: entity.FunctionName,
		Parameters:   req.Parameters,
		Caller:       *caller,
		FormID:       req.FormID,
		Sync:         req.Sync,
	})
	if err != nil {
		return fail(c, err)
	}

	if req.Sync {
		result, err := h.dispatcher.WaitResult(ctx, id, h.syncTimeout)
		if err != nil {
			return fail(c, err)
		}
		if result != nil {
			return c.JSON(http.StatusOK, triggerResponse{ExecutionID: id, Status: result.Status, Result: result})
		}
	}

	return c.JSON(http.StatusAccepted, triggerResponse{ExecutionID: id, Status: models.ExecutionPending})
}

func (h *ExecutionHandler) resolveWorkflow(ctx context.Context, req *triggerRequest, caller *models.Caller) (*models.Entity, error) {
	var entity *models.Entity
	var err error

	switch {
	case req.WorkflowID != nil:
		entity, err = h.registry.GetByID(ctx, *req.WorkflowID)
	case req.WorkflowName != "":
		entity, err = h.registry.GetByName(ctx, models.EntityWorkflow, req.WorkflowName, caller.OrganizationID)
	default:
		return nil, apperr.Validation("workflow_id or workflow_name is required")
	}
	if err != nil {
		return nil, err
	}
	if entity == nil || entity.Type != models.EntityWorkflow {
		return nil, apperr.NotFound("workflow")
	}
	if !entity.IsActive {
		return nil, apperr.Conflict("workflow is inactive")
	}
	if !entity.EndpointEnabled && !caller.IsPlatformAdmin && !caller.IsAPIKey() {
		return nil, apperr.New(apperr.KindUnauthorized, "workflow endpoint is disabled")
	}
	return entity, nil
}

type scriptRequest struct {
	Code       string          `json:"code"`
	ScriptName string          `json:"script_name,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Sync       bool            `json:"sync"`
}

// RunScript dispatches an inline script execution. Scripts run
// arbitrary expressions, so only platform admins may submit them.
// POST /api/v1/scripts
func (h *ExecutionHandler) RunScript(c echo.Context) error {
	ctx := c.Request().Context()
	caller := apimiddleware.CallerFrom(c)

	if !caller.IsPlatformAdmin {
		return fail(c, apperr.New(apperr.KindUnauthorized, "inline scripts require a platform admin"))
	}

	req := &scriptRequest{}
	if err := c.Bind(req); err != nil {
		return fail(c, apperr.Validation("malformed request body"))
	}
	if req.Code == "" {
		return fail(c, apperr.Validation("code is required"))
	}

	id, err := h.dispatcher.Enqueue(ctx, &dispatch.Request{
		Code:       req.Code,
		ScriptName: req.ScriptName,
		Parameters: req.Parameters,
		Caller:     *caller,
		Sync:       req.Sync,
	})
	if err != nil {
		return fail(c, err)
	}

	if req.Sync {
		result, err := h.dispatcher.WaitResult(ctx, id, h.syncTimeout)
		if err != nil {
			return fail(c, err)
		}
		if result != nil {
			return c.JSON(http.StatusOK, triggerResponse{ExecutionID: id, Status: result.Status, Result: result})
		}
	}

	return c.JSON(http.StatusAccepted, triggerResponse{ExecutionID: id, Status: models.ExecutionPending})
}

// GetExecution returns one execution record, with its queue position
// while still pending.
// GET /api/v1/executions/:id
func (h *ExecutionHandler) GetExecution(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := paramUUID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	execution, err := h.executions.GetByID(ctx, id)
	if err != nil {
		return fail(c, err)
	}
	if execution == nil {
		return fail(c, apperr.NotFound("execution"))
	}

	response := map[string]interface{}{"execution": execution}
	if execution.Status == models.ExecutionPending {
		if position, err := h.dispatcher.QueuePosition(ctx, id); err == nil && position > 0 {
			response["queue_position"] = position
		}
	}
	return c.JSON(http.StatusOK, response)
}

// ListExecutions lists a workflow's executions, newest first
// GET /api/v1/executions?workflow_id=&limit=&offset=
func (h *ExecutionHandler) ListExecutions(c echo.Context) error {
	raw := c.QueryParam("workflow_id")
	if raw == "" {
		return fail(c, apperr.Validation("workflow_id is required"))
	}
	workflowID, err := uuid.Parse(raw)
	if err != nil {
		return fail(c, apperr.Validation("invalid workflow_id"))
	}

	page := models.Pagination{}
	echo.QueryParamsBinder(c).Int("limit", &page.Limit).Int("offset", &page.Offset)
	page.Normalize()

	executions, err := h.executions.ListByWorkflow(c.Request().Context(), workflowID, page)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"executions": executions})
}

// CancelExecution sets the cooperative cancel flag. Terminal
// executions cannot be cancelled.
// POST /api/v1/executions/:id/cancel
func (h *ExecutionHandler) CancelExecution(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := paramUUID(c, "id")
	if err != nil {
		return fail(c, err)
	}

	execution, err := h.executions.GetByID(ctx, id)
	if err != nil {
		return fail(c, err)
	}
	if execution == nil {
		return fail(c, apperr.NotFound("execution"))
	}
	if execution.Status.Terminal() {
		return fail(c, apperr.Conflict("execution already finished"))
	}

	if err := h.dispatcher.Cancel(ctx, id); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"execution_id": id.String(), "status": "cancelling"})
}
