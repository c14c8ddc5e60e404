package entity

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventTaskCreated       EventType = "task.created"
	EventTaskFunded        EventType = "task.funded"
	EventTaskDecomposed    EventType = "task.decomposed"
	EventTaskStatusChanged EventType = "task.status_changed"
	EventTaskCancelled     EventType = "task.cancelled"
	EventSubunitClaimed    EventType = "subunit.claimed"
	EventSubunitReleased   EventType = "subunit.released"
	EventSubunitSubmitted  EventType = "subunit.submitted"
	EventSubunitApproved   EventType = "subunit.approved"
	EventSubunitRejected   EventType = "subunit.rejected"
	EventLeaseExpired      EventType = "subunit.lease_expired"
	EventDisputeRaised     EventType = "dispute.raised"
	EventDisputeResolved   EventType = "dispute.resolved"
)

// Event - запись журнала изменений, пишется в той же транзакции, что и изменение.
type Event struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	SubunitID *uuid.UUID
	ActorID   *uuid.UUID
	Type      EventType
	Payload   map[string]any
	CreatedAt time.Time
}

func NewEvent(taskID uuid.UUID, subunitID, actorID *uuid.UUID, typ EventType, payload map[string]any, now time.Time) Event {
	return Event{
		ID:        uuid.New(),
		TaskID:    taskID,
		SubunitID: subunitID,
		ActorID:   actorID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: now,
	}
}
