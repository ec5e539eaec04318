// Package state implements the Short-ID Interner, State Compressor,
// Auth-Chain Index, and State Resolver contract (§4.3, §4.5, §4.6).
//
// The interner and compressor are, per the Design Notes in §9, "effectively
// global mutable state with a monotonic lifecycle" — a single Interner and
// a single Compressor are constructed once and passed by reference
// everywhere; they are never duplicated.
package state

import (
	"sync"

	"github.com/meshline-im/meshline/roomserver/types"
)

// Interner assigns and caches compact integer IDs for (event_type,
// state_key) tuples. Allocation happens at most once per distinct tuple
// for the lifetime of the process (backed durably by Backend).
type Interner struct {
	backend Backend

	mu      sync.Mutex
	byTuple map[types.StateKeyTuple]types.ShortStateKey
	byShort map[types.ShortStateKey]types.StateKeyTuple
}

// Backend is the minimal persistence contract the interner needs; the
// concrete implementation lives in roomserver/storage.
type Backend interface {
	LookupStateKeyNID(tuple types.StateKeyTuple) (types.ShortStateKey, bool, error)
	AssignStateKeyNID(tuple types.StateKeyTuple) (types.ShortStateKey, error)
}

// NewInterner constructs an Interner over backend, with an empty in-memory
// cache — the cache is populated lazily as tuples are looked up.
func NewInterner(backend Backend) *Interner {
	return &Interner{
		backend: backend,
		byTuple: make(map[types.StateKeyTuple]types.ShortStateKey),
		byShort: make(map[types.ShortStateKey]types.StateKeyTuple),
	}
}

// ShortStateKey returns the interned id for tuple, allocating one on first
// use. Concurrent allocation is safe: lookup and allocation run under the
// interner's mutex, the backend is the source of truth and the in-memory
// maps are simply a cache in front of it.
func (i *Interner) ShortStateKey(tuple types.StateKeyTuple) (types.ShortStateKey, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if nid, ok := i.byTuple[tuple]; ok {
		return nid, nil
	}

	nid, ok, err := i.backend.LookupStateKeyNID(tuple)
	if err != nil {
		return 0, err
	}
	if !ok {
		nid, err = i.backend.AssignStateKeyNID(tuple)
		if err != nil {
			return 0, err
		}
	}

	i.byTuple[tuple] = nid
	i.byShort[nid] = tuple
	return nid, nil
}

// Tuple reverses a previously-assigned ShortStateKey back to its tuple.
// Returns false if the id was never seen by this Interner instance (the
// caller should fall back to the backend for a cold lookup).
func (i *Interner) Tuple(nid types.ShortStateKey) (types.StateKeyTuple, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.byShort[nid]
	return t, ok
}
