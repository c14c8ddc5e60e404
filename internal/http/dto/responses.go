package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
)

type TaskResponse struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Budget      string     `json:"budget"`
	Allocated   string     `json:"allocated"`
	Remaining   string     `json:"remaining"`
	Status      string     `json:"status"`
	FundingRef  *string    `json:"funding_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FundedAt    *time.Time `json:"funded_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func ToTaskResponse(t *entity.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		OwnerID:     t.OwnerID,
		Title:       t.Title,
		Description: t.Description,
		Budget:      t.Budget.String(),
		Allocated:   t.Allocated.String(),
		Remaining:   t.Remaining().String(),
		Status:      string(t.Status),
		FundingRef:  t.FundingRef,
		CreatedAt:   t.CreatedAt,
		FundedAt:    t.FundedAt,
		CompletedAt: t.CompletedAt,
		CancelledAt: t.CancelledAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func ToTaskResponses(tasks []*entity.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, ToTaskResponse(t))
	}
	return out
}

type ShareResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Percent int       `json:"percent"`
}

type SubunitResponse struct {
	ID                 uuid.UUID       `json:"id"`
	TaskID             uuid.UUID       `json:"task_id"`
	Sequence           int             `json:"sequence"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Type               string          `json:"type,omitempty"`
	BudgetPercent      int             `json:"budget_percent,omitempty"`
	Budget             string          `json:"budget"`
	EstimatedHours     float64         `json:"estimated_hours,omitempty"`
	AcceptanceCriteria []string        `json:"acceptance_criteria"`
	Status             string          `json:"status"`
	HolderID           *uuid.UUID      `json:"holder_id,omitempty"`
	LeaseExpiresAt     *time.Time      `json:"lease_expires_at,omitempty"`
	Shares             []ShareResponse `json:"shares,omitempty"`
	Epoch              int64           `json:"epoch"`
	Outcome            string          `json:"outcome,omitempty"`
	ClaimedAt          *time.Time      `json:"claimed_at,omitempty"`
	SubmittedAt        *time.Time      `json:"submitted_at,omitempty"`
	SettledAt          *time.Time      `json:"settled_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func ToSubunitResponse(su *entity.Subunit) SubunitResponse {
	criteria := su.AcceptanceCriteria
	if criteria == nil {
		criteria = []string{}
	}
	resp := SubunitResponse{
		ID:                 su.ID,
		TaskID:             su.TaskID,
		Sequence:           su.Sequence,
		Title:              su.Title,
		Description:        su.Description,
		Type:               su.Type,
		BudgetPercent:      su.BudgetPercent,
		Budget:             su.Budget.String(),
		EstimatedHours:     su.EstimatedHours,
		AcceptanceCriteria: criteria,
		Status:             string(su.Status),
		HolderID:           su.HolderID,
		LeaseExpiresAt:     su.LeaseExpiresAt,
		Epoch:              su.Epoch,
		Outcome:            string(su.Outcome),
		ClaimedAt:          su.ClaimedAt,
		SubmittedAt:        su.SubmittedAt,
		SettledAt:          su.SettledAt,
		UpdatedAt:          su.UpdatedAt,
	}
	for _, s := range su.Shares {
		resp.Shares = append(resp.Shares, ShareResponse{UserID: s.UserID, Percent: s.Percent})
	}
	return resp
}

func ToSubunitResponses(subs []*entity.Subunit) []SubunitResponse {
	out := make([]SubunitResponse, 0, len(subs))
	for _, su := range subs {
		out = append(out, ToSubunitResponse(su))
	}
	return out
}

type SubmissionResponse struct {
	ID             uuid.UUID  `json:"id"`
	SubunitID      uuid.UUID  `json:"subunit_id"`
	SubmitterID    uuid.UUID  `json:"submitter_id"`
	Epoch          int64      `json:"epoch"`
	ContentSummary string     `json:"content_summary,omitempty"`
	ContentRef     string     `json:"content_ref,omitempty"`
	ArtifactHash   *string    `json:"artifact_hash,omitempty"`
	ArtifactType   *string    `json:"artifact_type,omitempty"`
	Status         string     `json:"status"`
	ReviewerID     *uuid.UUID `json:"reviewer_id,omitempty"`
	ReviewNotes    *string    `json:"review_notes,omitempty"`
	PayoutRefs     []string   `json:"payout_refs,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func ToSubmissionResponse(s *entity.Submission) SubmissionResponse {
	return SubmissionResponse{
		ID:             s.ID,
		SubunitID:      s.SubunitID,
		SubmitterID:    s.SubmitterID,
		Epoch:          s.Epoch,
		ContentSummary: s.ContentSummary,
		ContentRef:     s.ContentRef,
		ArtifactHash:   s.ArtifactHash,
		ArtifactType:   s.ArtifactType,
		Status:         string(s.Status),
		ReviewerID:     s.ReviewerID,
		ReviewNotes:    s.ReviewNotes,
		PayoutRefs:     s.PayoutRefs,
		ReviewedAt:     s.ReviewedAt,
		CreatedAt:      s.CreatedAt,
	}
}

func ToSubmissionResponses(subs []*entity.Submission) []SubmissionResponse {
	out := make([]SubmissionResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, ToSubmissionResponse(s))
	}
	return out
}

type DisputeResponse struct {
	ID           uuid.UUID  `json:"id"`
	TaskID       uuid.UUID  `json:"task_id"`
	SubunitID    uuid.UUID  `json:"subunit_id"`
	RaisedBy     uuid.UUID  `json:"raised_by"`
	Reason       string     `json:"reason"`
	Status       string     `json:"status"`
	WinnerID     *uuid.UUID `json:"winner_id,omitempty"`
	PayoutAmount *string    `json:"payout_amount,omitempty"`
	Resolution   *string    `json:"resolution,omitempty"`
	ResolvedBy   *uuid.UUID `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	LedgerRef    *string    `json:"ledger_ref,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func ToDisputeResponse(d *entity.Dispute) DisputeResponse {
	resp := DisputeResponse{
		ID:         d.ID,
		TaskID:     d.TaskID,
		SubunitID:  d.SubunitID,
		RaisedBy:   d.RaisedBy,
		Reason:     d.Reason,
		Status:     string(d.Status),
		WinnerID:   d.WinnerID,
		Resolution: d.Resolution,
		ResolvedBy: d.ResolvedBy,
		ResolvedAt: d.ResolvedAt,
		LedgerRef:  d.LedgerRef,
		CreatedAt:  d.CreatedAt,
	}
	if d.PayoutAmount != nil {
		s := d.PayoutAmount.String()
		resp.PayoutAmount = &s
	}
	return resp
}

func ToDisputeResponses(ds []*entity.Dispute) []DisputeResponse {
	out := make([]DisputeResponse, 0, len(ds))
	for _, d := range ds {
		out = append(out, ToDisputeResponse(d))
	}
	return out
}

type EventResponse struct {
	ID        uuid.UUID      `json:"id"`
	TaskID    uuid.UUID      `json:"task_id"`
	SubunitID *uuid.UUID     `json:"subunit_id,omitempty"`
	ActorID   *uuid.UUID     `json:"actor_id,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func ToEventResponses(events []entity.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, EventResponse{
			ID:        e.ID,
			TaskID:    e.TaskID,
			SubunitID: e.SubunitID,
			ActorID:   e.ActorID,
			Type:      string(e.Type),
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}
