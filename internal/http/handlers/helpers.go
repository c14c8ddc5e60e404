package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
	"github.com/ignatzorin/escrow-flow/internal/domain/repository"
	"github.com/ignatzorin/escrow-flow/internal/http/middleware"
	"github.com/ignatzorin/escrow-flow/internal/service"
	"github.com/ignatzorin/escrow-flow/internal/workflow"
)

var errUserNotFound = errors.New("пользователь не найден в контексте")

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// WorkflowService - операции движка, доступные через HTTP.
type WorkflowService interface {
	CreateTask(ctx context.Context, actor workflow.Actor, input workflow.CreateTaskInput) (*entity.Task, error)
	GetTask(ctx context.Context, actor workflow.Actor, taskID uuid.UUID) (*entity.Task, error)
	ListTasks(ctx context.Context, actor workflow.Actor, filter repository.TaskFilter) ([]*entity.Task, int, error)
	FundTask(ctx context.Context, actor workflow.Actor, taskID uuid.UUID, input workflow.FundTaskInput) (*entity.Task, error)
	DecomposeTask(ctx context.Context, actor workflow.Actor, taskID uuid.UUID, input workflow.DecomposeTaskInput) ([]*entity.Subunit, error)
	CancelTask(ctx context.Context, actor workflow.Actor, taskID uuid.UUID) (*entity.Task, error)
	ListSubunits(ctx context.Context, actor workflow.Actor, taskID uuid.UUID) ([]*entity.Subunit, error)
	ListEvents(ctx context.Context, actor workflow.Actor, taskID uuid.UUID, limit int) ([]entity.Event, error)

	GetSubunit(ctx context.Context, subunitID uuid.UUID) (*entity.Subunit, error)
	SearchSubunits(ctx context.Context, filter repository.SubunitFilter) ([]*entity.Subunit, int, error)
	GetSubunitDispute(ctx context.Context, actor workflow.Actor, subunitID uuid.UUID) (*entity.Dispute, error)
	Claim(ctx context.Context, actor workflow.Actor, subunitID uuid.UUID, input workflow.ClaimInput) (*entity.Subunit, error)
	Unclaim(ctx context.Context, actor workflow.Actor, subunitID uuid.UUID) (*entity.Subunit, error)
	Submit(ctx context.Context, actor workflow.Actor, subunitID uuid.UUID, input workflow.SubmitInput) (*entity.Submission, error)
	ListSubmissions(ctx context.Context, actor workflow.Actor, subunitID uuid.UUID) ([]*entity.Submission, error)
	Review(ctx context.Context, actor workflow.Actor, subunitID uuid.UUID, input workflow.ReviewInput) (*entity.Submission, error)
	RaiseDispute(ctx context.Context, actor workflow.Actor, subunitID uuid.UUID, input workflow.RaiseDisputeInput) (*entity.Dispute, error)

	GetDispute(ctx context.Context, actor workflow.Actor, disputeID uuid.UUID) (*entity.Dispute, error)
	ListDisputes(ctx context.Context, actor workflow.Actor, filter repository.DisputeFilter) ([]*entity.Dispute, int, error)
	ResolveDispute(ctx context.Context, actor workflow.Actor, disputeID uuid.UUID, input workflow.ResolveDisputeInput) (*entity.Dispute, error)
}

var _ WorkflowService = (*workflow.Engine)(nil)

// currentActor собирает вызывающего из контекста, заполненного AuthMiddleware.
func currentActor(c *gin.Context) (workflow.Actor, error) {
	raw, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		return workflow.Actor{}, errUserNotFound
	}
	userID, ok := raw.(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return workflow.Actor{}, errUserNotFound
	}
	role := c.GetString(middleware.ContextRoleKey)
	return workflow.Actor{ID: userID, Admin: role == service.RoleAdmin}, nil
}

func parseIntQuery(c *gin.Context, key string, defaultValue int) int {
	valueStr := c.Query(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil || value < 0 {
		return defaultValue
	}
	return value
}

func pageParams(c *gin.Context) (limit, offset int) {
	limit = parseIntQuery(c, "limit", defaultPageSize)
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, parseIntQuery(c, "offset", 0)
}
