package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-flow/internal/domain/entity"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewHub(ctx)
	go h.Run()
	return h
}

func receive(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case raw := <-c.send:
		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
		return nil
	}
}

func TestPublisherDeliversToRecipients(t *testing.T) {
	h := startHub(t)
	owner, worker, stranger := uuid.New(), uuid.New(), uuid.New()

	cOwner := NewClient(nil, h, owner)
	cWorker := NewClient(nil, h, worker)
	cStranger := NewClient(nil, h, stranger)
	h.Register(cOwner)
	h.Register(cWorker)
	h.Register(cStranger)

	taskID := uuid.New()
	ev := entity.NewEvent(taskID, nil, &owner, entity.EventTaskFunded, map[string]any{"amount": "5.00"}, time.Now())
	NewEventPublisher(h).Publish([]uuid.UUID{owner, worker}, ev)

	for _, c := range []*Client{cOwner, cWorker} {
		msg := receive(t, c)
		assert.Equal(t, "task.funded", msg["type"])
		data := msg["data"].(map[string]any)
		assert.Equal(t, taskID.String(), data["task_id"])
	}

	select {
	case <-cStranger.send:
		t.Fatal("stranger must not receive task events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	h := startHub(t)
	user := uuid.New()
	c := NewClient(nil, h, user)
	h.Register(c)
	require.Eventually(t, func() bool { return h.Online(user) == 1 }, time.Second, 5*time.Millisecond)

	c.Close()
	c.Close()

	require.Eventually(t, func() bool { return h.Online(user) == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-c.send
	assert.False(t, ok)
}

func TestBroadcastDoesNotBlockWithoutRunLoop(t *testing.T) {
	h := NewHub(context.Background())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = h.BroadcastToUser(uuid.New(), "x", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked")
	}
}
