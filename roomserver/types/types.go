// Package types defines the core data model of the event ingestion and
// state resolution engine: PDUs, room versions, state maps, and the
// interned short-ID representations used to keep state snapshots compact.
package types

import (
	"encoding/json"
	"time"
)

// RoomVersion names the auth rules, redaction rules, and state-resolution
// algorithm variant in force for a room. Fixed for the room's lifetime.
type RoomVersion string

const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV10 RoomVersion = "10"
)

// StateKeyTuple identifies a state slot: an (event_type, state_key) pair.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// ShortStateKey is a process-interned ID for a StateKeyTuple. Allocated on
// first use, immutable thereafter.
type ShortStateKey uint64

// ShortEventID is a process-interned ID for a stored event, used as the
// compact half of a CompressedStateEntry.
type ShortEventID uint64

// ShortStateHash identifies a specific state-map snapshot.
type ShortStateHash uint64

// StateMap maps each state slot to the event_id currently holding it.
type StateMap map[StateKeyTuple]string

// CompressedStateEntry is the fixed-width (shortstatekey, event_id) pairing
// that makes set-difference between snapshots O(1) per entry.
type CompressedStateEntry struct {
	StateKeyNID ShortStateKey
	EventNID    ShortEventID
}

// PDU is a signed persistent data unit: one event in a room's DAG.
type PDU struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Kind           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	PrevEvents     []string        `json:"prev_events"`
	AuthEvents     []string        `json:"auth_events"`
	Depth          int64           `json:"depth"`
	Signatures     json.RawMessage `json:"signatures"`
	Hashes         json.RawMessage `json:"hashes"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`

	RoomVersion RoomVersion `json:"-"`
}

// IsStateEvent reports whether this PDU carries a state_key and therefore
// contributes to room state.
func (p *PDU) IsStateEvent() bool {
	return p.StateKey != nil
}

// StateTuple returns the (type, state_key) slot this PDU occupies, valid
// only when IsStateEvent is true.
func (p *PDU) StateTuple() StateKeyTuple {
	sk := ""
	if p.StateKey != nil {
		sk = *p.StateKey
	}
	return StateKeyTuple{EventType: p.Kind, StateKey: sk}
}

// OriginServerTime returns OriginServerTS as a time.Time.
func (p *PDU) OriginServerTime() time.Time {
	return time.UnixMilli(p.OriginServerTS)
}

// RatelimitEntry is a single row of a bad-event or bad-signature
// ratelimiter: the last attempt time and the number of consecutive
// failures observed for some id.
type RatelimitEntry struct {
	LastAttempt time.Time
	Tries       int
}

// StoredEvent is an admitted PDU together with its storage-local metadata.
// Outliers have Timeline == false; promotion flips it exactly once.
type StoredEvent struct {
	PDU           *PDU
	CanonicalJSON []byte
	Timeline      bool
	SoftFailed    bool
	RejectionErr  error
}

// RoomInfo is the minimal per-room metadata the engine needs to process
// events without re-deriving them from the PDU store on every call.
type RoomInfo struct {
	RoomID               string
	RoomVersion           RoomVersion
	RoomNID              int64
	FederationDisabled   bool
	FirstPDUOriginTS     int64
}

// StateAtEvent captures the shortstatehash in force immediately before an
// event, plus whether that snapshot should overwrite (rather than merge
// into) the room's stored state.
type StateAtEvent struct {
	BeforeStateSnapshot ShortStateHash
	Overwrite           bool
}

// DeduplicateStateEntries removes any CompressedStateEntry sharing a
// StateKeyNID with an earlier entry, keeping the first occurrence — mirrors
// the semantics of a StateMap built by iterating entries in order.
func DeduplicateStateEntries(entries []CompressedStateEntry) []CompressedStateEntry {
	seen := make(map[ShortStateKey]struct{}, len(entries))
	out := make([]CompressedStateEntry, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.StateKeyNID]; ok {
			continue
		}
		seen[e.StateKeyNID] = struct{}{}
		out = append(out, e)
	}
	return out
}
