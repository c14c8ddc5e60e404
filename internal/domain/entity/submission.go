package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-flow/internal/pkg/apperror"
)

type Submission struct {
	ID             uuid.UUID
	SubunitID      uuid.UUID
	SubmitterID    uuid.UUID
	Epoch          int64
	ContentSummary string
	ContentRef     string
	ArtifactHash   *string
	ArtifactType   *string
	Status         valueobject.SubmissionStatus
	ReviewerID     *uuid.UUID
	ReviewNotes    *string
	PayoutRefs     []string
	ReviewedAt     *time.Time
	CreatedAt      time.Time
}

// Artifact - файл, сохранённый в хранилище блобов.
type Artifact struct {
	Hash    string
	Locator string
	Type    string
}

func NewSubmission(subunit *Subunit, submitter uuid.UUID, summary string, artifact *Artifact, now time.Time) (*Submission, error) {
	summary = strings.TrimSpace(summary)
	if summary == "" && artifact == nil {
		return nil, apperror.New(apperror.ErrCodeValidation, "нужно описание результата или файл")
	}
	sub := &Submission{
		ID:             uuid.New(),
		SubunitID:      subunit.ID,
		SubmitterID:    submitter,
		Epoch:          subunit.Epoch,
		ContentSummary: summary,
		Status:         valueobject.SubmissionStatusPending,
		CreatedAt:      now,
	}
	if artifact != nil {
		sub.ContentRef = artifact.Locator
		sub.ArtifactHash = &artifact.Hash
		sub.ArtifactType = &artifact.Type
	}
	return sub, nil
}

func (s *Submission) IsPending() bool {
	return s.Status == valueobject.SubmissionStatusPending
}

func (s *Submission) Approve(reviewer uuid.UUID, notes string, payoutRefs []string, now time.Time) error {
	if !s.IsPending() {
		return apperror.ErrNoPendingSubmission
	}
	if len(payoutRefs) == 0 {
		return apperror.New(apperror.ErrCodeInternal, "одобрение без подтверждённой выплаты невозможно")
	}
	s.Status = valueobject.SubmissionStatusApproved
	s.PayoutRefs = payoutRefs
	s.markReviewed(reviewer, notes, now)
	return nil
}

func (s *Submission) Reject(reviewer uuid.UUID, notes string, now time.Time) error {
	if !s.IsPending() {
		return apperror.ErrNoPendingSubmission
	}
	s.Status = valueobject.SubmissionStatusRejected
	s.markReviewed(reviewer, notes, now)
	return nil
}

func (s *Submission) markReviewed(reviewer uuid.UUID, notes string, now time.Time) {
	s.ReviewerID = &reviewer
	if notes = strings.TrimSpace(notes); notes != "" {
		s.ReviewNotes = &notes
	}
	s.ReviewedAt = &now
}
