// Package lock provides the per-room state lock described in §3/§5: a
// named mutex, one per room, held while a writer commits a new resolved
// state. Two concurrent admissions to the same room are thereby
// serialized; admissions to different rooms proceed fully in parallel.
package lock

import "sync"

// ByRoom hands out one *sync.Mutex per room id, lazily created on first
// use and never removed — matching the process-wide interned-ID lifecycle
// described for short IDs, which this lock map rides alongside.
type ByRoom struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewByRoom constructs an empty per-room lock map.
func NewByRoom() *ByRoom {
	return &ByRoom{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for roomID, creating it if necessary.
func (b *ByRoom) Lock(roomID string) {
	b.forRoom(roomID).Lock()
}

// Unlock releases the mutex for roomID. roomID must already have an entry
// (i.e. Lock was called first) or this panics, same as sync.Mutex.
func (b *ByRoom) Unlock(roomID string) {
	b.forRoom(roomID).Unlock()
}

func (b *ByRoom) forRoom(roomID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.locks[roomID]
	if !ok {
		m = &sync.Mutex{}
		b.locks[roomID] = m
	}
	return m
}
