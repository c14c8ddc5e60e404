package workflow

import (
	"sync"

	"github.com/google/uuid"
)

// keyedMutex выдаёт мьютекс на ключ и удаляет его, когда ждущих не осталось.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Порядок захвата: сначала подзадача, потом задача.
func subunitKey(id uuid.UUID) string { return "subunit:" + id.String() }
func taskKey(id uuid.UUID) string    { return "task:" + id.String() }
