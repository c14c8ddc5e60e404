package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
	"github.com/ignatzorin/escrow-flow/internal/split"
)

type Subunit struct {
	ID                 uuid.UUID
	TaskID             uuid.UUID
	Sequence           int
	Title              string
	Description        string
	Type               string
	BudgetPercent      int
	Budget             valueobject.Amount
	EstimatedHours     float64
	AcceptanceCriteria []string
	Status             valueobject.SubunitStatus
	HolderID           *uuid.UUID
	LeaseExpiresAt     *time.Time
	Shares             []split.Share
	// Epoch растёт при каждом захвате и входит в ключи идемпотентности реестра.
	Epoch            int64
	RejectedHolderID *uuid.UUID
	Outcome          valueobject.DisputeOutcome
	ClaimedAt        *time.Time
	SubmittedAt      *time.Time
	SettledAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int64
}

// SubunitDraft - описание подзадачи до сохранения.
type SubunitDraft struct {
	Title              string
	Description        string
	Type               string
	BudgetPercent      int
	Budget             valueobject.Amount
	EstimatedHours     float64
	AcceptanceCriteria []string
}

func NewSubunit(taskID uuid.UUID, sequence int, d SubunitDraft, now time.Time) (*Subunit, error) {
	title := strings.TrimSpace(d.Title)
	if title == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "название подзадачи обязательно")
	}
	if d.Budget <= 0 {
		return nil, apperror.New(apperror.ErrCodeValidation, "бюджет подзадачи должен быть положительным")
	}
	return &Subunit{
		ID:                 uuid.New(),
		TaskID:             taskID,
		Sequence:           sequence,
		Title:              title,
		Description:        d.Description,
		Type:               d.Type,
		BudgetPercent:      d.BudgetPercent,
		Budget:             d.Budget,
		EstimatedHours:     d.EstimatedHours,
		AcceptanceCriteria: d.AcceptanceCriteria,
		Status:             valueobject.SubunitStatusOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func (s *Subunit) IsHeldBy(userID uuid.UUID) bool {
	return s.HolderID != nil && *s.HolderID == userID
}

// IsParticipant - держатель или любой соисполнитель из списка долей.
func (s *Subunit) IsParticipant(userID uuid.UUID) bool {
	if s.IsHeldBy(userID) {
		return true
	}
	for _, sh := range s.Shares {
		if sh.UserID == userID {
			return true
		}
	}
	return false
}

func (s *Subunit) leaseActive(now time.Time) bool {
	return s.LeaseExpiresAt != nil && !now.After(*s.LeaseExpiresAt)
}

// Claim выдаёт аренду. shares уже включает держателя первой строкой.
func (s *Subunit) Claim(holder uuid.UUID, shares []split.Share, lease time.Duration, allowReclaim bool, now time.Time) error {
	if s.Status != valueobject.SubunitStatusOpen || s.leaseActive(now) {
		return apperror.ErrAlreadyLeased
	}
	if !allowReclaim && s.RejectedHolderID != nil && *s.RejectedHolderID == holder {
		return apperror.ErrNotAuthorized.WithMessage("после отклонения повторный захват этой подзадачи запрещён")
	}
	if len(shares) == 0 {
		shares = split.Sole(holder)
	}
	if shares[0].UserID != holder {
		return apperror.ErrSplitInvalid.WithMessage("первая доля должна принадлежать исполнителю")
	}
	if err := split.Validate(shares); err != nil {
		return err
	}

	expires := now.Add(lease)
	s.Status = valueobject.SubunitStatusLeased
	s.HolderID = &holder
	s.LeaseExpiresAt = &expires
	s.Shares = shares
	s.Epoch++
	s.ClaimedAt = &now
	s.UpdatedAt = now
	return nil
}

// Release - добровольный отказ держателя от аренды.
func (s *Subunit) Release(actor uuid.UUID, now time.Time) error {
	if s.Status != valueobject.SubunitStatusLeased {
		return apperror.ErrInvalidTransition.WithMessage("отказаться можно только от занятой подзадачи")
	}
	if !s.IsHeldBy(actor) {
		return apperror.ErrNotHolder
	}
	s.reopen(now)
	return nil
}

// Submit проверяет право сдачи. Дедлайн аренды сравнивается строго: now > expiry.
func (s *Subunit) Submit(actor uuid.UUID, now time.Time) error {
	if s.Status != valueobject.SubunitStatusLeased {
		if s.Status == valueobject.SubunitStatusOpen {
			return apperror.ErrNotHolder
		}
		return apperror.ErrInvalidTransition.WithMessage("сдать работу можно только по занятой подзадаче")
	}
	if !s.IsParticipant(actor) {
		return apperror.ErrNotHolder
	}
	if s.LeaseExpiresAt == nil || now.After(*s.LeaseExpiresAt) {
		return apperror.ErrLeaseExpired
	}
	s.Status = valueobject.SubunitStatusSubmitted
	s.SubmittedAt = &now
	s.UpdatedAt = now
	return nil
}

// EnsureReviewable проверяет, что по подзадаче ожидается проверка.
func (s *Subunit) EnsureReviewable() error {
	switch s.Status {
	case valueobject.SubunitStatusSubmitted:
		return nil
	case valueobject.SubunitStatusDisputed, valueobject.SubunitStatusResolved:
		return apperror.ErrInvalidTransition.WithMessage("по подзадаче открыт спор, проверка недоступна")
	default:
		return apperror.ErrNoPendingSubmission
	}
}

// Approve вызывается только после подтверждения выплат реестром.
func (s *Subunit) Approve(now time.Time) error {
	if !s.Status.CanTransitionTo(valueobject.SubunitStatusApproved) {
		return apperror.ErrInvalidTransition
	}
	s.Status = valueobject.SubunitStatusApproved
	s.LeaseExpiresAt = nil
	s.SettledAt = &now
	s.UpdatedAt = now
	return nil
}

// Reject возвращает подзадачу в пул, запоминая отклонённого держателя.
func (s *Subunit) Reject(now time.Time) error {
	if !s.Status.CanTransitionTo(valueobject.SubunitStatusRejected) {
		return apperror.ErrInvalidTransition
	}
	s.Status = valueobject.SubunitStatusRejected
	s.RejectedHolderID = s.HolderID
	s.reopen(now)
	return nil
}

// ExpireLease срабатывает только для занятой подзадачи с истёкшей арендой.
func (s *Subunit) ExpireLease(now time.Time) error {
	if s.Status != valueobject.SubunitStatusLeased {
		return apperror.ErrInvalidTransition.WithMessage("истечь может только аренда занятой подзадачи")
	}
	if s.LeaseExpiresAt == nil || !now.After(*s.LeaseExpiresAt) {
		return apperror.ErrInvalidTransition.WithMessage("срок аренды ещё не истёк")
	}
	s.reopen(now)
	return nil
}

func (s *Subunit) OpenDispute(now time.Time) error {
	if s.Status != valueobject.SubunitStatusLeased && s.Status != valueobject.SubunitStatusSubmitted {
		return apperror.ErrInvalidTransition.WithMessage("спор можно открыть только по занятой или сданной подзадаче")
	}
	s.Status = valueobject.SubunitStatusDisputed
	s.UpdatedAt = now
	return nil
}

// Resolve переводит подзадачу в терминальный статус по итогам спора.
func (s *Subunit) Resolve(outcome valueobject.DisputeOutcome, now time.Time) error {
	if !s.Status.CanTransitionTo(valueobject.SubunitStatusResolved) {
		return apperror.ErrInvalidTransition
	}
	s.Status = valueobject.SubunitStatusResolved
	s.Outcome = outcome
	s.LeaseExpiresAt = nil
	s.SettledAt = &now
	s.UpdatedAt = now
	return nil
}

func (s *Subunit) reopen(now time.Time) {
	s.Status = valueobject.SubunitStatusOpen
	s.HolderID = nil
	s.LeaseExpiresAt = nil
	s.Shares = nil
	s.UpdatedAt = now
}
