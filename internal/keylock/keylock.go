// Package keylock provides a mutex per string key.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map serializes work per key. Entries are dropped once no goroutine holds or waits
// for them, so the map only grows with concurrently contended keys.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New returns an empty Map.
func New() *Map {
	return &Map{
		mu:    sync.Mutex{},
		locks: make(map[string]*entry),
	}
}

// Lock blocks until key is free and returns the function that releases it.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()

	e, ok := m.locks[key]
	if !ok {
		e = &entry{mu: sync.Mutex{}, refs: 0}
		m.locks[key] = e
	}

	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--

		if e.refs == 0 {
			delete(m.locks, key)
		}

		m.mu.Unlock()
	}
}

// Len reports how many keys are currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.locks)
}
