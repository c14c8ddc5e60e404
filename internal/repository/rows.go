package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/ledger"
	"github.com/ignatzorin/escrow-flow/internal/split"
)

// Строки таблиц. Доменные сущности не знают о db-тегах.

type taskRow struct {
	ID          uuid.UUID          `db:"id"`
	OwnerID     uuid.UUID          `db:"owner_id"`
	Title       string             `db:"title"`
	Description string             `db:"description"`
	Budget      valueobject.Amount `db:"budget"`
	Allocated   valueobject.Amount `db:"allocated"`
	Status      string             `db:"status"`
	FundingRef  *string            `db:"funding_ref"`
	CreatedAt   time.Time          `db:"created_at"`
	FundedAt    *time.Time         `db:"funded_at"`
	CompletedAt *time.Time         `db:"completed_at"`
	CancelledAt *time.Time         `db:"cancelled_at"`
	UpdatedAt   time.Time          `db:"updated_at"`
	Version     int64              `db:"version"`
}

func (r taskRow) toEntity() *entity.Task {
	return &entity.Task{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Title:       r.Title,
		Description: r.Description,
		Budget:      r.Budget,
		Allocated:   r.Allocated,
		Status:      valueobject.TaskStatus(r.Status),
		FundingRef:  r.FundingRef,
		CreatedAt:   r.CreatedAt,
		FundedAt:    r.FundedAt,
		CompletedAt: r.CompletedAt,
		CancelledAt: r.CancelledAt,
		UpdatedAt:   r.UpdatedAt,
		Version:     r.Version,
	}
}

type subunitRow struct {
	ID                 uuid.UUID          `db:"id"`
	TaskID             uuid.UUID          `db:"task_id"`
	Sequence           int                `db:"sequence"`
	Title              string             `db:"title"`
	Description        string             `db:"description"`
	Type               string             `db:"type"`
	BudgetPercent      int                `db:"budget_percent"`
	Budget             valueobject.Amount `db:"budget"`
	EstimatedHours     float64            `db:"estimated_hours"`
	AcceptanceCriteria pq.StringArray     `db:"acceptance_criteria"`
	Status             string             `db:"status"`
	HolderID           *uuid.UUID         `db:"holder_id"`
	LeaseExpiresAt     *time.Time         `db:"lease_expires_at"`
	Shares             []byte             `db:"shares"`
	Epoch              int64              `db:"epoch"`
	RejectedHolderID   *uuid.UUID         `db:"rejected_holder_id"`
	Outcome            string             `db:"outcome"`
	ClaimedAt          *time.Time         `db:"claimed_at"`
	SubmittedAt        *time.Time         `db:"submitted_at"`
	SettledAt          *time.Time         `db:"settled_at"`
	CreatedAt          time.Time          `db:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at"`
	Version            int64              `db:"version"`
}

func (r subunitRow) toEntity() (*entity.Subunit, error) {
	var shares []split.Share
	if len(r.Shares) > 0 {
		if err := json.Unmarshal(r.Shares, &shares); err != nil {
			return nil, fmt.Errorf("workflow store: доли подзадачи %s: %w", r.ID, err)
		}
	}
	if len(shares) == 0 {
		shares = nil
	}
	return &entity.Subunit{
		ID:                 r.ID,
		TaskID:             r.TaskID,
		Sequence:           r.Sequence,
		Title:              r.Title,
		Description:        r.Description,
		Type:               r.Type,
		BudgetPercent:      r.BudgetPercent,
		Budget:             r.Budget,
		EstimatedHours:     r.EstimatedHours,
		AcceptanceCriteria: []string(r.AcceptanceCriteria),
		Status:             valueobject.SubunitStatus(r.Status),
		HolderID:           r.HolderID,
		LeaseExpiresAt:     r.LeaseExpiresAt,
		Shares:             shares,
		Epoch:              r.Epoch,
		RejectedHolderID:   r.RejectedHolderID,
		Outcome:            valueobject.DisputeOutcome(r.Outcome),
		ClaimedAt:          r.ClaimedAt,
		SubmittedAt:        r.SubmittedAt,
		SettledAt:          r.SettledAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		Version:            r.Version,
	}, nil
}

func encodeShares(shares []split.Share) ([]byte, error) {
	if shares == nil {
		shares = []split.Share{}
	}
	return json.Marshal(shares)
}

type submissionRow struct {
	ID             uuid.UUID      `db:"id"`
	SubunitID      uuid.UUID      `db:"subunit_id"`
	SubmitterID    uuid.UUID      `db:"submitter_id"`
	Epoch          int64          `db:"epoch"`
	ContentSummary string         `db:"content_summary"`
	ContentRef     string         `db:"content_ref"`
	ArtifactHash   *string        `db:"artifact_hash"`
	ArtifactType   *string        `db:"artifact_type"`
	Status         string         `db:"status"`
	ReviewerID     *uuid.UUID     `db:"reviewer_id"`
	ReviewNotes    *string        `db:"review_notes"`
	PayoutRefs     pq.StringArray `db:"payout_refs"`
	ReviewedAt     *time.Time     `db:"reviewed_at"`
	CreatedAt      time.Time      `db:"created_at"`
}

func (r submissionRow) toEntity() *entity.Submission {
	var refs []string
	if len(r.PayoutRefs) > 0 {
		refs = []string(r.PayoutRefs)
	}
	return &entity.Submission{
		ID:             r.ID,
		SubunitID:      r.SubunitID,
		SubmitterID:    r.SubmitterID,
		Epoch:          r.Epoch,
		ContentSummary: r.ContentSummary,
		ContentRef:     r.ContentRef,
		ArtifactHash:   r.ArtifactHash,
		ArtifactType:   r.ArtifactType,
		Status:         valueobject.SubmissionStatus(r.Status),
		ReviewerID:     r.ReviewerID,
		ReviewNotes:    r.ReviewNotes,
		PayoutRefs:     refs,
		ReviewedAt:     r.ReviewedAt,
		CreatedAt:      r.CreatedAt,
	}
}

type disputeRow struct {
	ID           uuid.UUID           `db:"id"`
	TaskID       uuid.UUID           `db:"task_id"`
	SubunitID    uuid.UUID           `db:"subunit_id"`
	RaisedBy     uuid.UUID           `db:"raised_by"`
	Reason       string              `db:"reason"`
	Status       string              `db:"status"`
	WinnerID     *uuid.UUID          `db:"winner_id"`
	PayoutAmount *valueobject.Amount `db:"payout_amount"`
	Resolution   *string             `db:"resolution"`
	ResolvedBy   *uuid.UUID          `db:"resolved_by"`
	ResolvedAt   *time.Time          `db:"resolved_at"`
	LedgerRef    *string             `db:"ledger_ref"`
	CreatedAt    time.Time           `db:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at"`
}

func (r disputeRow) toEntity() *entity.Dispute {
	return &entity.Dispute{
		ID:           r.ID,
		TaskID:       r.TaskID,
		SubunitID:    r.SubunitID,
		RaisedBy:     r.RaisedBy,
		Reason:       r.Reason,
		Status:       valueobject.DisputeStatus(r.Status),
		WinnerID:     r.WinnerID,
		PayoutAmount: r.PayoutAmount,
		Resolution:   r.Resolution,
		ResolvedBy:   r.ResolvedBy,
		ResolvedAt:   r.ResolvedAt,
		LedgerRef:    r.LedgerRef,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type eventRow struct {
	ID        uuid.UUID  `db:"id"`
	TaskID    uuid.UUID  `db:"task_id"`
	SubunitID *uuid.UUID `db:"subunit_id"`
	ActorID   *uuid.UUID `db:"actor_id"`
	Type      string     `db:"type"`
	Payload   []byte     `db:"payload"`
	CreatedAt time.Time  `db:"created_at"`
}

func (r eventRow) toEntity() (entity.Event, error) {
	var payload map[string]any
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return entity.Event{}, fmt.Errorf("workflow store: событие %s: %w", r.ID, err)
		}
	}
	return entity.Event{
		ID:        r.ID,
		TaskID:    r.TaskID,
		SubunitID: r.SubunitID,
		ActorID:   r.ActorID,
		Type:      entity.EventType(r.Type),
		Payload:   payload,
		CreatedAt: r.CreatedAt,
	}, nil
}

type operationRow struct {
	Key          string             `db:"key"`
	Method       string             `db:"method"`
	TaskRef      string             `db:"task_ref"`
	SubunitIndex int                `db:"subunit_index"`
	Recipient    string             `db:"recipient"`
	Amount       valueobject.Amount `db:"amount"`
	Status       string             `db:"status"`
	TxRef        *string            `db:"tx_ref"`
	Attempts     int                `db:"attempts"`
	LastError    *string            `db:"last_error"`
	CreatedAt    time.Time          `db:"created_at"`
	UpdatedAt    time.Time          `db:"updated_at"`
}

func (r operationRow) toOperation() *ledger.Operation {
	return &ledger.Operation{
		Key:          r.Key,
		Method:       ledger.Method(r.Method),
		TaskRef:      r.TaskRef,
		SubunitIndex: r.SubunitIndex,
		Recipient:    r.Recipient,
		Amount:       r.Amount,
		Status:       ledger.Status(r.Status),
		TxRef:        r.TxRef,
		Attempts:     r.Attempts,
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}
