package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/repository"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/http/dto"
	"github.com/ignatzorin/escrow-flow/internal/http/response"
)

// DisputeHandler - администрирование споров.
type DisputeHandler struct {
	svc WorkflowService
}

func NewDisputeHandler(svc WorkflowService) *DisputeHandler {
	return &DisputeHandler{svc: svc}
}

// List обрабатывает GET /api/admin/disputes?status=&limit=&offset=.
func (h *DisputeHandler) List(c *gin.Context) {
	actor, err := currentActor(c)
	if err != nil {
		response.Unauthorized(c, "требуется авторизация")
		return
	}

	limit, offset := pageParams(c)
	filter := repository.DisputeFilter{Limit: limit, Offset: offset}
	if s := c.Query("status"); s != "" {
		status, err := valueobject.NewDisputeStatus(s)
		if err != nil {
			response.Error(c, err)
			return
		}
		filter.Status = &status
	}

	disputes, total, err := h.svc.ListDisputes(c.Request.Context(), actor, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, dto.ToDisputeResponses(disputes), total, limit, offset)
}

// Get обрабатывает GET /api/admin/disputes/:id.
func (h *DisputeHandler) Get(c *gin.Context) {
	actor, err := currentActor(c)
	if err != nil {
		response.Unauthorized(c, "требуется авторизация")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "некорректный ID спора")
		return
	}

	d, err := h.svc.GetDispute(c.Request.Context(), actor, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto.ToDisputeResponse(d))
}

// Resolve обрабатывает POST /api/admin/disputes/:id/resolve.
func (h *DisputeHandler) Resolve(c *gin.Context) {
	actor, err := currentActor(c)
	if err != nil {
		response.Unauthorized(c, "требуется авторизация")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "некорректный ID спора")
		return
	}

	var req dto.ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "некорректные данные запроса")
		return
	}
	input, err := req.ToInput()
	if err != nil {
		response.Error(c, err)
		return
	}

	d, err := h.svc.ResolveDispute(c.Request.Context(), actor, id, input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto.ToDisputeResponse(d))
}
