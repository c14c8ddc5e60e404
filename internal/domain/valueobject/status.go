package valueobject

import "github.com/ignatzorin/escrow-flow/internal/pkg/apperror"

type TaskStatus string

const (
	TaskStatusDraft      TaskStatus = "draft"
	TaskStatusFunded     TaskStatus = "funded"
	TaskStatusDecomposed TaskStatus = "decomposed"
	TaskStatusActive     TaskStatus = "active"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusDisputed   TaskStatus = "disputed"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusDraft:      {TaskStatusFunded, TaskStatusCancelled},
	TaskStatusFunded:     {TaskStatusDecomposed, TaskStatusCancelled},
	TaskStatusDecomposed: {TaskStatusActive, TaskStatusInReview, TaskStatusDisputed, TaskStatusCancelled},
	TaskStatusActive:     {TaskStatusInReview, TaskStatusCompleted, TaskStatusDisputed},
	TaskStatusInReview:   {TaskStatusActive, TaskStatusCompleted, TaskStatusDisputed},
	// Спор снимается только разрешением, после чего задача возвращается в работу.
	TaskStatusDisputed:  {TaskStatusActive, TaskStatusInReview, TaskStatusCompleted},
	TaskStatusCompleted: {},
	TaskStatusCancelled: {},
}

func (s TaskStatus) IsValid() bool {
	_, ok := taskTransitions[s]
	return ok
}

func (s TaskStatus) CanTransitionTo(newStatus TaskStatus) bool {
	return contains(taskTransitions[s], newStatus)
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

func NewTaskStatus(status string) (TaskStatus, error) {
	s := TaskStatus(status)
	if !s.IsValid() {
		return "", apperror.New(apperror.ErrCodeValidation, "некорректный статус задачи")
	}
	return s, nil
}

type SubunitStatus string

const (
	SubunitStatusOpen      SubunitStatus = "open"
	SubunitStatusLeased    SubunitStatus = "leased"
	SubunitStatusSubmitted SubunitStatus = "submitted"
	SubunitStatusApproved  SubunitStatus = "approved"
	SubunitStatusRejected  SubunitStatus = "rejected"
	SubunitStatusDisputed  SubunitStatus = "disputed"
	SubunitStatusResolved  SubunitStatus = "resolved"
)

var subunitTransitions = map[SubunitStatus][]SubunitStatus{
	SubunitStatusOpen:      {SubunitStatusLeased},
	SubunitStatusLeased:    {SubunitStatusSubmitted, SubunitStatusOpen, SubunitStatusDisputed},
	SubunitStatusSubmitted: {SubunitStatusApproved, SubunitStatusRejected, SubunitStatusDisputed},
	SubunitStatusRejected:  {SubunitStatusOpen},
	SubunitStatusDisputed:  {SubunitStatusResolved},
	SubunitStatusApproved:  {},
	SubunitStatusResolved:  {},
}

func (s SubunitStatus) IsValid() bool {
	_, ok := subunitTransitions[s]
	return ok
}

func (s SubunitStatus) CanTransitionTo(newStatus SubunitStatus) bool {
	return contains(subunitTransitions[s], newStatus)
}

// IsSettled сообщает, что по подзадаче больше не будет движения средств.
func (s SubunitStatus) IsSettled() bool {
	return s == SubunitStatusApproved || s == SubunitStatusResolved
}

func NewSubunitStatus(status string) (SubunitStatus, error) {
	s := SubunitStatus(status)
	if !s.IsValid() {
		return "", apperror.New(apperror.ErrCodeValidation, "некорректный статус подзадачи")
	}
	return s, nil
}

type SubmissionStatus string

const (
	SubmissionStatusPending  SubmissionStatus = "pending"
	SubmissionStatusApproved SubmissionStatus = "approved"
	SubmissionStatusRejected SubmissionStatus = "rejected"
)

func (s SubmissionStatus) IsValid() bool {
	switch s {
	case SubmissionStatusPending, SubmissionStatusApproved, SubmissionStatusRejected:
		return true
	}
	return false
}

type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "open"
	DisputeStatusResolved DisputeStatus = "resolved"
)

func (s DisputeStatus) IsValid() bool {
	return s == DisputeStatusOpen || s == DisputeStatusResolved
}

func NewDisputeStatus(status string) (DisputeStatus, error) {
	s := DisputeStatus(status)
	if !s.IsValid() {
		return "", apperror.New(apperror.ErrCodeValidation, "некорректный статус спора")
	}
	return s, nil
}

// DisputeOutcome фиксирует, в чью пользу разрешён спор.
type DisputeOutcome string

const (
	DisputeOutcomeNone   DisputeOutcome = ""
	DisputeOutcomeWorker DisputeOutcome = "approved_by_dispute"
	DisputeOutcomeFunder DisputeOutcome = "rejected_by_dispute"
)

type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "approve"
	ReviewReject  ReviewDecision = "reject"
)

func NewReviewDecision(decision string) (ReviewDecision, error) {
	d := ReviewDecision(decision)
	if d != ReviewApprove && d != ReviewReject {
		return "", apperror.New(apperror.ErrCodeValidation, "решение должно быть approve или reject")
	}
	return d, nil
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
