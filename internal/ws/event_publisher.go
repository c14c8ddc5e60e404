package ws

import (
	"time"

	"github.com/google/uuid"

	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
)

// EventMessage - событие процесса в формате WebSocket.
type EventMessage struct {
	ID        uuid.UUID      `json:"id"`
	TaskID    uuid.UUID      `json:"task_id"`
	SubunitID *uuid.UUID     `json:"subunit_id,omitempty"`
	ActorID   *uuid.UUID     `json:"actor_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventPublisher рассылает события процесса заказчику и исполнителям через хаб.
type EventPublisher struct {
	hub *Hub
}

func NewEventPublisher(hub *Hub) *EventPublisher {
	return &EventPublisher{hub: hub}
}

func (p *EventPublisher) Publish(recipients []uuid.UUID, event entity.Event) {
	msg := EventMessage{
		ID:        event.ID,
		TaskID:    event.TaskID,
		SubunitID: event.SubunitID,
		ActorID:   event.ActorID,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	}
	for _, userID := range recipients {
		if err := p.hub.BroadcastToUser(userID, string(event.Type), msg); err != nil {
			p.hub.log.WithError(err).WithField("event_id", event.ID).Warn("Не удалось отправить событие")
		}
	}
}
