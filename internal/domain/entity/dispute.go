package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

type Dispute struct {
	ID           uuid.UUID
	TaskID       uuid.UUID
	SubunitID    uuid.UUID
	RaisedBy     uuid.UUID
	Reason       string
	Status       valueobject.DisputeStatus
	WinnerID     *uuid.UUID
	PayoutAmount *valueobject.Amount
	Resolution   *string
	ResolvedBy   *uuid.UUID
	ResolvedAt   *time.Time
	LedgerRef    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewDispute(subunit *Subunit, raisedBy uuid.UUID, reason, ledgerRef string, now time.Time) (*Dispute, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "укажите причину спора")
	}
	d := &Dispute{
		ID:        uuid.New(),
		TaskID:    subunit.TaskID,
		SubunitID: subunit.ID,
		RaisedBy:  raisedBy,
		Reason:    reason,
		Status:    valueobject.DisputeStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ledgerRef != "" {
		d.LedgerRef = &ledgerRef
	}
	return d, nil
}

func (d *Dispute) IsOpen() bool {
	return d.Status == valueobject.DisputeStatusOpen
}

// EnsureResolvable проверяет решение до обращения к реестру.
func (d *Dispute) EnsureResolvable(amount, budget valueobject.Amount) error {
	if !d.IsOpen() {
		return apperror.ErrAlreadyResolved
	}
	if amount < 0 || amount > budget {
		return apperror.New(apperror.ErrCodeValidation, "сумма выплаты по спору должна быть в пределах невыплаченного остатка бюджета подзадачи")
	}
	return nil
}

func (d *Dispute) Resolve(resolver, winner uuid.UUID, amount valueobject.Amount, resolution string, now time.Time) error {
	if !d.IsOpen() {
		return apperror.ErrAlreadyResolved
	}
	d.Status = valueobject.DisputeStatusResolved
	d.WinnerID = &winner
	d.PayoutAmount = &amount
	if resolution = strings.TrimSpace(resolution); resolution != "" {
		d.Resolution = &resolution
	}
	d.ResolvedBy = &resolver
	d.ResolvedAt = &now
	d.UpdatedAt = now
	return nil
}
