package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/escrow-flow/internal/http/response"
	"github.com/ignatzorin/escrow-flow/internal/jobs"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

// MaintenanceHandler запускает фоновые проходы вручную.
type MaintenanceHandler struct {
	m jobs.Maintainer
}

func NewMaintenanceHandler(m jobs.Maintainer) *MaintenanceHandler {
	return &MaintenanceHandler{m: m}
}

// SweepLeases обрабатывает POST /api/admin/leases/sweep.
func (h *MaintenanceHandler) SweepLeases(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	n, err := h.m.SweepExpiredLeases(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"expired": n})
}

// ReconcileLedger обрабатывает POST /api/admin/ledger/reconcile?limit=.
func (h *MaintenanceHandler) ReconcileLedger(c *gin.Context) {
	if !h.requireAdmin(c) {
		return
	}
	ops, err := h.m.ReconcileLedger(c.Request.Context(), parseIntQuery(c, "limit", 100))
	if err != nil {
		response.Error(c, err)
		return
	}
	tasks, err := h.m.ReconcileTasks(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"operations": ops, "tasks": tasks})
}

func (h *MaintenanceHandler) requireAdmin(c *gin.Context) bool {
	actor, err := currentActor(c)
	if err != nil {
		response.Unauthorized(c, "требуется авторизация")
		return false
	}
	if !actor.Admin {
		response.Error(c, apperror.ErrNotAuthorized)
		return false
	}
	return true
}
