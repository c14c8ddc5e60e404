package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
)

type TaskRepository interface {
	GetTask(ctx context.Context, id uuid.UUID) (*entity.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*entity.Task, int, error)
}

type SubunitRepository interface {
	GetSubunit(ctx context.Context, id uuid.UUID) (*entity.Subunit, error)
	ListSubunits(ctx context.Context, taskID uuid.UUID) ([]*entity.Subunit, error)
	// ListLeased возвращает занятые подзадачи, истекающие не позже before (нулевое значение - все).
	ListLeased(ctx context.Context, before time.Time) ([]*entity.Subunit, error)
	// SearchSubunits ищет подзадачи по всем задачам.
	SearchSubunits(ctx context.Context, filter SubunitFilter) ([]*entity.Subunit, int, error)
}

type SubmissionRepository interface {
	// GetPendingSubmission возвращает nil, nil, если ожидающей сдачи нет.
	GetPendingSubmission(ctx context.Context, subunitID uuid.UUID) (*entity.Submission, error)
	ListSubmissions(ctx context.Context, subunitID uuid.UUID) ([]*entity.Submission, error)
}

type DisputeRepository interface {
	GetDispute(ctx context.Context, id uuid.UUID) (*entity.Dispute, error)
	GetOpenDisputeBySubunit(ctx context.Context, subunitID uuid.UUID) (*entity.Dispute, error)
	ListDisputes(ctx context.Context, filter DisputeFilter) ([]*entity.Dispute, int, error)
}

type EventRepository interface {
	ListEvents(ctx context.Context, taskID uuid.UUID, limit int) ([]entity.Event, error)
}

// Mutation - набор изменений, применяемых одной транзакцией.
// Обновляемые задача и подзадачи сверяются по Version; при расхождении
// Commit возвращает apperror.ErrStaleState и ничего не меняет.
type Mutation struct {
	CreateTask     *entity.Task
	UpdateTask     *entity.Task
	CreateSubunits []*entity.Subunit
	UpdateSubunit  *entity.Subunit
	SaveSubmission *entity.Submission
	SaveDispute    *entity.Dispute
	Events         []entity.Event
}

type WorkflowStore interface {
	TaskRepository
	SubunitRepository
	SubmissionRepository
	DisputeRepository
	EventRepository
	Commit(ctx context.Context, m Mutation) error
}

type TaskFilter struct {
	Status  *valueobject.TaskStatus
	OwnerID *uuid.UUID
	// Viewer видит свои черновики, чужие скрыты.
	Viewer *uuid.UUID
	// IncludeDrafts показывает все черновики, Viewer при этом не учитывается.
	IncludeDrafts bool
	Limit         int
	Offset        int
}

type SubunitFilter struct {
	Status *valueobject.SubunitStatus
	Limit  int
	Offset int
}

type DisputeFilter struct {
	Status *valueobject.DisputeStatus
	Limit  int
	Offset int
}
