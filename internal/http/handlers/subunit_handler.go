package handlers

import (
	"fmt"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/repository"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/http/dto"
	"github.com/ignatzorin/escrow-flow/internal/http/response"
	"github.com/ignatzorin/escrow-flow/internal/workflow"
)

type SubunitHandler struct {
	svc            WorkflowService
	maxUploadBytes int64
}

func NewSubunitHandler(svc WorkflowService, maxUploadMB int64) *SubunitHandler {
	return &SubunitHandler{svc: svc, maxUploadBytes: maxUploadMB * 1024 * 1024}
}

// List обрабатывает GET /api/subunits?status=&limit=&offset= - подзадачи всех задач.
func (h *SubunitHandler) List(c *gin.Context) {
	if _, err := currentActor(c); err != nil {
		response.Unauthorized(c, "требуется авторизация")
		return
	}

	limit, offset := pageParams(c)
	filter := repository.SubunitFilter{Limit: limit, Offset: offset}
	if s := c.Query("status"); s != "" {
		status, err := valueobject.NewSubunitStatus(s)
		if err != nil {
			response.Error(c, err)
			return
		}
		filter.Status = &status
	}

	subs, total, err := h.svc.SearchSubunits(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, dto.ToSubunitResponses(subs), total, limit, offset)
}

// Get обрабатывает GET /api/subunits/:id.
func (h *SubunitHandler) Get(c *gin.Context) {
	h.withSubunit(c, func(_ workflow.Actor, id uuid.UUID) {
		su, err := h.svc.GetSubunit(c.Request.Context(), id)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, dto.ToSubunitResponse(su))
	})
}

// Claim обрабатывает POST /api/subunits/:id/claim.
func (h *SubunitHandler) Claim(c *gin.Context) {
	h.withSubunit(c, func(actor workflow.Actor, id uuid.UUID) {
		var req dto.ClaimRequest
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
		su, err := h.svc.Claim(c.Request.Context(), actor, id, input)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, dto.ToSubunitResponse(su))
	})
}

// Unclaim обрабатывает POST /api/subunits/:id/unclaim.
func (h *SubunitHandler) Unclaim(c *gin.Context) {
	h.withSubunit(c, func(actor workflow.Actor, id uuid.UUID) {
		su, err := h.svc.Unclaim(c.Request.Context(), actor, id)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, dto.ToSubunitResponse(su))
	})
}

// Submit обрабатывает POST /api/subunits/:id/submit.
// JSON {"summary": ...} или multipart с полями summary и file.
func (h *SubunitHandler) Submit(c *gin.Context) {
	h.withSubunit(c, func(actor workflow.Actor, id uuid.UUID) {
		var input workflow.SubmitInput
		if strings.HasPrefix(c.ContentType(), "multipart/") {
			input.Summary = c.PostForm("summary")
			artifact, ok := h.readArtifact(c)
			if !ok {
				return
			}
			input.Artifact = artifact
		} else {
			var req dto.SubmitRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, "некорректные данные запроса")
				return
			}
			input.Summary = req.Summary
		}

		sub, err := h.svc.Submit(c.Request.Context(), actor, id, input)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Created(c, dto.ToSubmissionResponse(sub))
	})
}

func (h *SubunitHandler) readArtifact(c *gin.Context) (*workflow.ArtifactUpload, bool) {
	file, err := c.FormFile("file")
	if err != nil {
		// Файл необязателен.
		return nil, true
	}
	if file.Size > h.maxUploadBytes {
		response.BadRequest(c, fmt.Sprintf("размер файла превышает лимит %d байт", h.maxUploadBytes))
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		response.BadRequest(c, "не удалось прочитать файл")
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.maxUploadBytes+1))
	if err != nil {
		response.BadRequest(c, "не удалось прочитать файл")
		return nil, false
	}
	if int64(len(data)) > h.maxUploadBytes {
		response.BadRequest(c, fmt.Sprintf("размер файла превышает лимит %d байт", h.maxUploadBytes))
		return nil, false
	}
	return &workflow.ArtifactUpload{Filename: file.Filename, Data: data}, true
}

// ListSubmissions обрабатывает GET /api/subunits/:id/submissions.
func (h *SubunitHandler) ListSubmissions(c *gin.Context) {
	h.withSubunit(c, func(actor workflow.Actor, id uuid.UUID) {
		subs, err := h.svc.ListSubmissions(c.Request.Context(), actor, id)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, dto.ToSubmissionResponses(subs))
	})
}

// Review обрабатывает POST /api/subunits/:id/review.
func (h *SubunitHandler) Review(c *gin.Context) {
	h.withSubunit(c, func(actor workflow.Actor, id uuid.UUID) {
		var req dto.ReviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "некорректные данные запроса")
			return
		}
		input, err := req.ToInput()
		if err != nil {
			response.Error(c, err)
			return
		}
		sub, err := h.svc.Review(c.Request.Context(), actor, id, input)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, dto.ToSubmissionResponse(sub))
	})
}

// RaiseDispute обрабатывает POST /api/subunits/:id/dispute.
func (h *SubunitHandler) RaiseDispute(c *gin.Context) {
	h.withSubunit(c, func(actor workflow.Actor, id uuid.UUID) {
		var req dto.RaiseDisputeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "укажите причину спора")
			return
		}
		d, err := h.svc.RaiseDispute(c.Request.Context(), actor, id, workflow.RaiseDisputeInput{Reason: req.Reason})
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Created(c, dto.ToDisputeResponse(d))
	})
}

// GetDispute обрабатывает GET /api/subunits/:id/dispute - открытый спор по подзадаче.
func (h *SubunitHandler) GetDispute(c *gin.Context) {
	h.withSubunit(c, func(actor workflow.Actor, id uuid.UUID) {
		d, err := h.svc.GetSubunitDispute(c.Request.Context(), actor, id)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, dto.ToDisputeResponse(d))
	})
}

func (h *SubunitHandler) withSubunit(c *gin.Context, fn func(actor workflow.Actor, id uuid.UUID)) {
	actor, err := currentActor(c)
	if err != nil {
		response.Unauthorized(c, "требуется авторизация")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "некорректный ID подзадачи")
		return
	}
	fn(actor, id)
}
