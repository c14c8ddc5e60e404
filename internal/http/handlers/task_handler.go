package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/repository"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/http/dto"
	"github.com/ignatzorin/escrow-flow/internal/http/response"
	"github.com/ignatzorin/escrow-flow/internal/workflow"
)

type TaskHandler struct {
	svc WorkflowService
}

func NewTaskHandler(svc WorkflowService) *TaskHandler {
	return &TaskHandler{svc: svc}
}

// Create обрабатывает POST /api/tasks.
func (h *TaskHandler) Create(c *gin.Context) {
	actor, err := currentActor(c)
	if err != nil {
		response.Unauthorized(c, "требуется авторизация")
		return
	}

	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}
	input, err := req.ToInput()
	if err != nil {
		response.Error(c, err)
		return
	}

	task, err := h.svc.CreateTask(c.Request.Context(), actor, input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, dto.ToTaskResponse(task))
}

// List обрабатывает GET /api/tasks?status=&mine=true&limit=&offset=.
func (h *TaskHandler) List(c *gin.Context) {
	actor, err := currentActor(c)
	if err != nil {
		response.Unauthorized(c, "требуется авторизация")
		return
	}

	limit, offset := pageParams(c)
	filter := repository.TaskFilter{Limit: limit, Offset: offset}
	if s := c.Query("status"); s != "" {
		status, err := valueobject.NewTaskStatus(s)
		if err != nil {
			response.Error(c, err)
			return
		}
		filter.Status = &status
	}
	if c.Query("mine") == "true" {
		filter.OwnerID = &actor.ID
	}

	tasks, total, err := h.svc.ListTasks(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, dto.ToTaskResponses(tasks), total, limit, offset)
}

// Get обрабатывает GET /api/tasks/:id.
func (h *TaskHandler) Get(c *gin.Context) {
	h.withTask(c, func(actor workflow.Actor, taskID uuid.UUID) {
		task, err := h.svc.GetTask(c.Request.Context(), actor, taskID)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, dto.ToTaskResponse(task))
	})
}

// Fund обрабатывает POST /api/tasks/:id/fund. Тело необязательно.
func (h *TaskHandler) Fund(c *gin.Context) {
	h.withTask(c, func(actor workflow.Actor, taskID uuid.UUID) {
		var req dto.FundTaskRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, "некорректные данные запроса")
				return
			}
		}
		task, err := h.svc.FundTask(c.Request.Context(), actor, taskID, workflow.FundTaskInput{LedgerTxRef: req.LedgerTxRef})
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, dto.ToTaskResponse(task))
	})
}

// Decompose обрабатывает POST /api/tasks/:id/decompose.
func (h *TaskHandler) Decompose(c *gin.Context) {
	h.withTask(c, func(actor workflow.Actor, taskID uuid.UUID) {
		var req dto.DecomposeTaskRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, "некорректные данные запроса")
				return
			}
		}
		input, err := req.ToInput()
		if err != nil {
			response.Error(c, err)
			return
		}
		subs, err := h.svc.DecomposeTask(c.Request.Context(), actor, taskID, input)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Created(c, dto.ToSubunitResponses(subs))
	})
}

// Cancel обрабатывает POST /api/tasks/:id/cancel.
func (h *TaskHandler) Cancel(c *gin.Context) {
	h.withTask(c, func(actor workflow.Actor, taskID uuid.UUID) {
		task, err := h.svc.CancelTask(c.Request.Context(), actor, taskID)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, dto.ToTaskResponse(task))
	})
}

// ListSubunits обрабатывает GET /api/tasks/:id/subunits.
func (h *TaskHandler) ListSubunits(c *gin.Context) {
	h.withTask(c, func(actor workflow.Actor, taskID uuid.UUID) {
		subs, err := h.svc.ListSubunits(c.Request.Context(), actor, taskID)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, dto.ToSubunitResponses(subs))
	})
}

// ListEvents обрабатывает GET /api/tasks/:id/events?limit=.
func (h *TaskHandler) ListEvents(c *gin.Context) {
	h.withTask(c, func(actor workflow.Actor, taskID uuid.UUID) {
		events, err := h.svc.ListEvents(c.Request.Context(), actor, taskID, parseIntQuery(c, "limit", 100))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, dto.ToEventResponses(events))
	})
}

func (h *TaskHandler) withTask(c *gin.Context, fn func(actor workflow.Actor, taskID uuid.UUID)) {
	actor, err := currentActor(c)
	if err != nil {
		response.Unauthorized(c, "требуется авторизация")
		return
	}
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "некорректный ID задачи")
		return
	}
	fn(actor, taskID)
}
