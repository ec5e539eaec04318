package state

import (
	"sort"

	"github.com/meshline-im/meshline/roomserver/types"
)

// SnapshotBackend persists compressed state snapshots and event NIDs,
// keyed by content so that equal state maps always yield the same
// shortstatehash, per the invariant in §4.5.
type SnapshotBackend interface {
	LookupEventNID(eventID string) (types.ShortEventID, bool, error)
	AssignEventNID(eventID string) (types.ShortEventID, error)
	LookupEventID(nid types.ShortEventID) (string, bool, error)

	// LookupSnapshot returns an existing shortstatehash for this exact
	// entry set if one is already stored, for content-addressing.
	LookupSnapshot(entries []types.CompressedStateEntry) (types.ShortStateHash, bool, error)
	StoreSnapshot(entries []types.CompressedStateEntry) (types.ShortStateHash, error)
	SnapshotEntries(hash types.ShortStateHash) ([]types.CompressedStateEntry, error)
}

// Compressor implements the State Compressor (§4.5): compress/save_state/
// state_full_ids over compressed (shortstatekey, event_id) entries.
type Compressor struct {
	interner *Interner
	backend  SnapshotBackend
}

// NewCompressor constructs a Compressor sharing interner (for
// shortstatekey resolution) and backend (for snapshot persistence).
func NewCompressor(interner *Interner, backend SnapshotBackend) *Compressor {
	return &Compressor{interner: interner, backend: backend}
}

// Compress turns a (shortstatekey, event_id) pair into its fixed-width
// compressed entry, interning the event id as needed.
func (c *Compressor) Compress(key types.ShortStateKey, eventID string) (types.CompressedStateEntry, error) {
	nid, ok, err := c.backend.LookupEventNID(eventID)
	if err != nil {
		return types.CompressedStateEntry{}, err
	}
	if !ok {
		nid, err = c.backend.AssignEventNID(eventID)
		if err != nil {
			return types.CompressedStateEntry{}, err
		}
	}
	return types.CompressedStateEntry{StateKeyNID: key, EventNID: nid}, nil
}

// SaveState persists resolved (the full current state map), returning its
// shortstatehash plus the added/removed entries relative to prior — a set
// difference against the prior snapshot, per §4.5.
func (c *Compressor) SaveState(prior types.ShortStateHash, resolved types.StateMap) (
	newHash types.ShortStateHash, added, removed []types.CompressedStateEntry, err error,
) {
	entries := make([]types.CompressedStateEntry, 0, len(resolved))
	for tuple, eventID := range resolved {
		key, ierr := c.interner.ShortStateKey(tuple)
		if ierr != nil {
			return 0, nil, nil, ierr
		}
		entry, cerr := c.Compress(key, eventID)
		if cerr != nil {
			return 0, nil, nil, cerr
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)

	newHash, ok, lerr := c.backend.LookupSnapshot(entries)
	if lerr != nil {
		return 0, nil, nil, lerr
	}
	if !ok {
		newHash, err = c.backend.StoreSnapshot(entries)
		if err != nil {
			return 0, nil, nil, err
		}
	}

	var priorEntries []types.CompressedStateEntry
	if prior != 0 {
		priorEntries, err = c.backend.SnapshotEntries(prior)
		if err != nil {
			return 0, nil, nil, err
		}
	}
	added, removed = diff(priorEntries, entries)
	return newHash, added, removed, nil
}

// StateFullIDs expands a shortstatehash back into a full
// (shortstatekey -> event_id) style state map.
func (c *Compressor) StateFullIDs(hash types.ShortStateHash) (types.StateMap, error) {
	entries, err := c.backend.SnapshotEntries(hash)
	if err != nil {
		return nil, err
	}
	out := make(types.StateMap, len(entries))
	for _, e := range entries {
		tuple, ok := c.interner.Tuple(e.StateKeyNID)
		if !ok {
			continue
		}
		eventID, ok, err := c.backend.LookupEventID(e.EventNID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out[tuple] = eventID
	}
	return out, nil
}

func sortEntries(entries []types.CompressedStateEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].StateKeyNID != entries[j].StateKeyNID {
			return entries[i].StateKeyNID < entries[j].StateKeyNID
		}
		return entries[i].EventNID < entries[j].EventNID
	})
}

// diff returns entries present in next but not prior (added) and entries
// present in prior but not next (removed), using set lookups, so neither
// slice needs to be sorted. Each result keeps the order of its source
// slice.
func diff(prior, next []types.CompressedStateEntry) (added, removed []types.CompressedStateEntry) {
	priorSet := make(map[types.CompressedStateEntry]struct{}, len(prior))
	for _, e := range prior {
		priorSet[e] = struct{}{}
	}
	nextSet := make(map[types.CompressedStateEntry]struct{}, len(next))
	for _, e := range next {
		nextSet[e] = struct{}{}
	}
	for _, e := range next {
		if _, ok := priorSet[e]; !ok {
			added = append(added, e)
		}
	}
	for _, e := range prior {
		if _, ok := nextSet[e]; !ok {
			removed = append(removed, e)
		}
	}
	return added, removed
}
