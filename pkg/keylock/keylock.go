// Package keylock provides a mutex per key that is freed once nobody holds or waits for it.
package keylock

import (
	"sync"

	"github.com/google/uuid"

	"relaychat-backend/pkg/shard"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

type stripe struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*entry
}

// Map serializes work per key while unrelated keys proceed in parallel
type Map struct {
	stripes [shard.Count]*stripe
}

// New creates an empty lock map
func New() *Map {
	m := &Map{}
	for i := range m.stripes {
		m.stripes[i] = &stripe{locks: make(map[uuid.UUID]*entry)}
	}
	return m
}

// Lock blocks until key is held and returns the matching unlock function
func (m *Map) Lock(key uuid.UUID) (unlock func()) {
	s := m.stripes[shard.Of(key)]

	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited
func (m *Map) Len() int {
	n := 0
	for _, s := range m.stripes {
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
