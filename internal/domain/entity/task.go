package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

type Task struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Title       string
	Description string
	Budget      valueobject.Amount
	Allocated   valueobject.Amount
	Status      valueobject.TaskStatus
	FundingRef  *string
	CreatedAt   time.Time
	FundedAt    *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
	UpdatedAt   time.Time
	Version     int64
}

func NewTask(ownerID uuid.UUID, title, description string, budget valueobject.Amount, now time.Time) (*Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "название задачи обязательно")
	}
	if budget <= 0 {
		return nil, apperror.New(apperror.ErrCodeValidation, "бюджет задачи должен быть положительным")
	}

	return &Task{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Title:       title,
		Description: strings.TrimSpace(description),
		Budget:      budget,
		Status:      valueobject.TaskStatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// LedgerRef - идентификатор задачи в контракте эскроу.
func (t *Task) LedgerRef() string {
	return t.ID.String()
}

func (t *Task) IsOwnedBy(userID uuid.UUID) bool {
	return t.OwnerID == userID
}

func (t *Task) Remaining() valueobject.Amount {
	return t.Budget - t.Allocated
}

// Fund фиксирует ссылку на транзакцию пополнения как есть.
func (t *Task) Fund(ref string, now time.Time) error {
	if t.Status != valueobject.TaskStatusDraft {
		return apperror.ErrAlreadyFunded
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return apperror.New(apperror.ErrCodeValidation, "ссылка на транзакцию пополнения обязательна")
	}
	t.FundingRef = &ref
	t.FundedAt = &now
	t.Status = valueobject.TaskStatusFunded
	t.UpdatedAt = now
	return nil
}

// CanDecompose разрешает разбиение сразу после пополнения и добавление подзадач к уже разбитой задаче.
func (t *Task) CanDecompose() bool {
	return t.Status == valueobject.TaskStatusFunded || t.Status == valueobject.TaskStatusDecomposed
}

// Allocate резервирует бюджет под новые подзадачи.
func (t *Task) Allocate(amount valueobject.Amount, now time.Time) error {
	if !t.CanDecompose() {
		return apperror.ErrInvalidTransition.WithMessage("разбить можно только профинансированную задачу")
	}
	if amount <= 0 {
		return apperror.New(apperror.ErrCodeValidation, "список подзадач пуст")
	}
	if amount > t.Remaining() {
		return apperror.ErrBudgetOverflow
	}
	t.Allocated += amount
	if t.Status == valueobject.TaskStatusFunded {
		t.Status = valueobject.TaskStatusDecomposed
	}
	t.UpdatedAt = now
	return nil
}

// TransitionTo применяет статус, вычисленный агрегацией.
func (t *Task) TransitionTo(status valueobject.TaskStatus, now time.Time) error {
	if t.Status == status {
		return nil
	}
	if !t.Status.CanTransitionTo(status) {
		return apperror.ErrInvalidTransition.WithMessage("недопустимый переход статуса задачи")
	}
	t.Status = status
	if status == valueobject.TaskStatusCompleted {
		t.CompletedAt = &now
	}
	t.UpdatedAt = now
	return nil
}

func (t *Task) Cancel(now time.Time) error {
	if !t.Status.CanTransitionTo(valueobject.TaskStatusCancelled) {
		return apperror.ErrInvalidTransition.WithMessage("задачу нельзя отменить в текущем статусе")
	}
	t.Status = valueobject.TaskStatusCancelled
	t.CancelledAt = &now
	t.UpdatedAt = now
	return nil
}

// IsEscrowed сообщает, лежат ли средства задачи в эскроу.
func (t *Task) IsEscrowed() bool {
	return t.FundingRef != nil
}
