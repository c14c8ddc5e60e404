// Package lease хранит, кто держит подзадачу и до какого момента.
//
// Менеджер не трогает машину состояний: планировщик забирает результат
// SweepExpired и передаёт его в workflow.Engine.ExpireLease, который
// перепроверяет статус под блокировкой подзадачи.
package lease

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Lease struct {
	SubunitID uuid.UUID
	HolderID  uuid.UUID
	ExpiresAt time.Time
}

type entry struct {
	lease Lease
	// gen отличает актуальную запись кучи от устаревших после повторной выдачи.
	gen uint64
}

type expiryHeap []entry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].lease.ExpiresAt.Before(h[j].lease.ExpiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Manager - индекс аренд с мин-кучей по сроку истечения.
// Clear и повторный Grant не удаляют запись из кучи, она отбрасывается лениво.
type Manager struct {
	mu     sync.Mutex
	active map[uuid.UUID]entry
	queue  expiryHeap
	seq    uint64
}

func NewManager() *Manager {
	return &Manager{active: make(map[uuid.UUID]entry)}
}

// Grant регистрирует или заменяет аренду подзадачи.
func (m *Manager) Grant(subunitID, holderID uuid.UUID, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	e := entry{lease: Lease{SubunitID: subunitID, HolderID: holderID, ExpiresAt: expiresAt}, gen: m.seq}
	m.active[subunitID] = e
	heap.Push(&m.queue, e)
}

// Clear снимает аренду. Отсутствие аренды не ошибка.
func (m *Manager) Clear(subunitID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, subunitID)
	m.compact()
}

// Holder возвращает текущую аренду подзадачи.
func (m *Manager) Holder(subunitID uuid.UUID) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[subunitID]
	return e.lease, ok
}

// SweepExpired возвращает подзадачи, чей срок строго меньше now.
// Аренды остаются в индексе до Clear: если ExpireLease не сработал
// (например, успела прийти сдача), следующий проход увидит их снова.
func (m *Manager) SweepExpired(now time.Time) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []uuid.UUID
	var keep []entry
	for m.queue.Len() > 0 {
		top := m.queue[0]
		if !now.After(top.lease.ExpiresAt) {
			break
		}
		heap.Pop(&m.queue)
		cur, ok := m.active[top.lease.SubunitID]
		if !ok || cur.gen != top.gen {
			continue
		}
		expired = append(expired, top.lease.SubunitID)
		keep = append(keep, top)
	}
	for _, e := range keep {
		heap.Push(&m.queue, e)
	}
	return expired
}

// Len - число активных аренд.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// compact пересобирает кучу, когда устаревших записей стало больше половины.
func (m *Manager) compact() {
	if len(m.queue) < 64 || len(m.queue) < 2*len(m.active) {
		return
	}
	fresh := make(expiryHeap, 0, len(m.active))
	for _, e := range m.active {
		fresh = append(fresh, e)
	}
	heap.Init(&fresh)
	m.queue = fresh
}
