// Package api defines the external interfaces of the roomserver: the
// Federation Client contract (§6), and the request/response shapes used
// to drive the Event Handler from outside the roomserver package.
package api

import (
	"context"
	"time"

	"github.com/meshline-im/meshline/roomserver/internal/keyfetcher"
	"github.com/meshline-im/meshline/roomserver/types"
)

// InputKind distinguishes a brand-new incoming PDU from one being
// replayed (e.g. a historical prev-event fetched to satisfy §4.8 step 7)
// or an outlier-only admission.
type InputKind int

const (
	KindNew InputKind = iota
	KindOld
	KindOutlier
)

// InputRoomEvent is what a caller hands to the Event Handler to admit one
// PDU, mirroring the teacher's api.InputRoomEvent shape.
type InputRoomEvent struct {
	Kind          InputKind
	Origin        string
	Event         *types.PDU
	CanonicalJSON []byte
	// HasState indicates the caller already knows the state at this
	// event (e.g. a federated join response) and it should not be
	// recomputed from prev_events.
	HasState      bool
	StateEventIDs []string
	IsTimelineEvent bool
	TransactionID   string
	SendAsServer    string
}

// GetEventResponse is the shape of a federation get_event response (§6).
type GetEventResponse struct {
	PDU *types.PDU
}

// GetRoomStateIDsResponse is the shape of get_room_state_ids (§6).
type GetRoomStateIDsResponse struct {
	PDUIDs       []string
	AuthChainIDs []string
}

// FederationClient is the opaque async request sender to named remote
// servers described in §2 component 10 and §6. It is injected; this
// module never implements it (out of scope per spec.md §1).
type FederationClient interface {
	GetEvent(ctx context.Context, origin, roomID, eventID string) (GetEventResponse, error)
	GetRoomStateIDs(ctx context.Context, origin, roomID, eventID string) (GetRoomStateIDsResponse, error)
	GetServerKeys(ctx context.Context, origin string) (keyfetcher.ServerKeys, error)
	GetRemoteServerKeys(ctx context.Context, notary, target string, keyIDs []string, minValidUntil time.Time) (keyfetcher.ServerKeys, error)
	GetRemoteServerKeyBatch(ctx context.Context, notary string, req map[string][]string) (map[string]keyfetcher.ServerKeys, error)
}
