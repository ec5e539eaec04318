// Package storage defines the PDU Store contract (§3, §6): content-
// addressed persistence of admitted PDUs (timeline) and outliers, plus the
// indexes the rest of the engine needs (event-id -> pdu, auth-event
// backrefs, soft-fail marks, forward extremities, shortstatehash tables,
// the membership index and the signing key cache). It keeps no timeline
// order index and no prev-event backrefs, and ratelimiter state is not
// persisted.
//
// Two concrete backends implement Database: storage/postgres and
// storage/sqlite, mirroring the teacher's dual-backend convention.
package storage

import (
	"context"

	"github.com/meshline-im/meshline/roomserver/internal/keyfetcher"
	"github.com/meshline-im/meshline/roomserver/internal/membership"
	"github.com/meshline-im/meshline/roomserver/types"
)

// Database is the full PDU Store surface the engine depends on.
type Database interface {
	// Events

	EventByID(ctx context.Context, eventID string) (*types.StoredEvent, error)
	EventsByIDs(ctx context.Context, eventIDs []string) ([]*types.StoredEvent, error)
	StoreOutlier(ctx context.Context, event *types.StoredEvent) error
	PromoteToTimeline(ctx context.Context, eventID string, extremities []string, stateHash types.ShortStateHash, softFail bool) error
	IsInTimeline(ctx context.Context, eventID string) (bool, error)
	MarkSoftFailed(ctx context.Context, eventID string) error
	IsSoftFailed(ctx context.Context, eventID string) (bool, error)

	// Rooms

	RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error)
	CreateRoomInfo(ctx context.Context, info *types.RoomInfo) error
	FirstPDUInRoom(ctx context.Context, roomID string) (*types.PDU, error)
	ForwardExtremities(ctx context.Context, roomID string) ([]string, error)
	SetForwardExtremities(ctx context.Context, roomID string, extremities []string) error

	// State

	StateAtEvent(ctx context.Context, eventID string) (types.ShortStateHash, bool, error)
	SetStateAtEvent(ctx context.Context, eventID string, hash types.ShortStateHash) error
	CurrentStateHash(ctx context.Context, roomID string) (types.ShortStateHash, bool, error)
	SetCurrentStateHash(ctx context.Context, roomID string, hash types.ShortStateHash) error

	// Auth chain

	AuthEventIDs(ctx context.Context, eventID string) ([]string, error)

	// Short-ID interner / compressor backends are exposed directly since
	// roomserver/state consumes them through its own narrower Backend/
	// SnapshotBackend interfaces; a Database implementation satisfies
	// both by construction.
	InternerBackend() InternerBackend
	SnapshotBackend() SnapshotBackend
	MembershipBackend() membership.Store
	KeyBackend() keyfetcher.Store
}

// InternerBackend is the durable half of roomserver/state.Interner.
type InternerBackend interface {
	LookupStateKeyNID(tuple types.StateKeyTuple) (types.ShortStateKey, bool, error)
	AssignStateKeyNID(tuple types.StateKeyTuple) (types.ShortStateKey, error)
}

// SnapshotBackend is the durable half of roomserver/state.Compressor.
type SnapshotBackend interface {
	LookupEventNID(eventID string) (types.ShortEventID, bool, error)
	AssignEventNID(eventID string) (types.ShortEventID, error)
	LookupEventID(nid types.ShortEventID) (string, bool, error)
	LookupSnapshot(entries []types.CompressedStateEntry) (types.ShortStateHash, bool, error)
	StoreSnapshot(entries []types.CompressedStateEntry) (types.ShortStateHash, error)
	SnapshotEntries(hash types.ShortStateHash) ([]types.CompressedStateEntry, error)
}
