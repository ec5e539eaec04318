// Package membership implements the Membership Projector / State Cache
// (§4.7): on every admitted state change to an m.room.member event, it
// updates per-room, per-user membership indexes and exposes the predicate
// and iterator surface other components query.
//
// Semantics are grounded directly on the original implementation's
// update_membership (state_cache/mod.rs): ignored-user-list invite
// suppression, additive once_joined tracking, and predecessor-room
// tag/direct-chat-flag copying gated on first-ever-join.
package membership

import (
	"encoding/json"
	"sync"

	"github.com/meshline-im/meshline/internal/logging"
)

// Membership is the exclusive per-(room,user) state: at most one of
// joined/invited/left holds at a time, per the invariant in §4.7/§8.
type Membership int

const (
	None Membership = iota
	Joined
	Invited
	Left
)

// MemberContent is the subset of an m.room.member event's content this
// projector needs.
type MemberContent struct {
	Membership string `json:"membership"`
}

// RoomCreateContent is the subset of m.room.create's content needed to
// find a room's predecessor for upgrade handling.
type RoomCreateContent struct {
	Predecessor *struct {
		RoomID string `json:"room_id"`
	} `json:"predecessor,omitempty"`
}

// AccountData abstracts the per-user account-data store (tags, m.direct,
// m.ignored_user_list) this projector reads and writes when handling joins
// and invites. It is a narrow collaborator interface, not a full account
// data service, since that component is out of this module's scope.
type AccountData interface {
	IgnoredUsers(userID string) (map[string]struct{}, error)
	RoomTags(roomID, userID string) (json.RawMessage, bool, error)
	SetRoomTags(roomID, userID string, tags json.RawMessage) error
	DirectRooms(userID string) (map[string][]string, error)
	SetDirectRooms(userID string, direct map[string][]string) error
}

// DeactivationChecker reports whether a remote user has been locally
// flagged as deactivated; membership bookkeeping continues for such users
// but local notification side effects should not fire. Defaults to
// always-false when no real account registry is wired (this module has no
// in-scope user directory), per SPEC_FULL.md §4.7.
type DeactivationChecker interface {
	IsDeactivated(userID string) bool
}

type noopDeactivationChecker struct{}

func (noopDeactivationChecker) IsDeactivated(string) bool { return false }

// InMemoryAccountData is a process-local AccountData implementation for
// deployments that have not wired a real account-data service (out of this
// module's scope per SPEC_FULL.md). It satisfies the interface with plain
// maps rather than no-ops, so the upgrade-copy and ignored-user-invite
// suppression paths still exercise real logic in a single-process setup.
type InMemoryAccountData struct {
	mu      sync.Mutex
	ignored map[string]map[string]struct{}
	tags    map[string]json.RawMessage
	direct  map[string]map[string][]string
}

// NewInMemoryAccountData constructs an empty InMemoryAccountData store.
func NewInMemoryAccountData() *InMemoryAccountData {
	return &InMemoryAccountData{
		ignored: make(map[string]map[string]struct{}),
		tags:    make(map[string]json.RawMessage),
		direct:  make(map[string]map[string][]string),
	}
}

func (a *InMemoryAccountData) IgnoredUsers(userID string) (map[string]struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ignored[userID], nil
}

// SetIgnoredUsers lets a caller seed or update userID's ignored list.
func (a *InMemoryAccountData) SetIgnoredUsers(userID string, ignored map[string]struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ignored[userID] = ignored
}

func (a *InMemoryAccountData) RoomTags(roomID, userID string) (json.RawMessage, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tags, ok := a.tags[roomID+"\x00"+userID]
	return tags, ok, nil
}

func (a *InMemoryAccountData) SetRoomTags(roomID, userID string, tags json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tags[roomID+"\x00"+userID] = tags
	return nil
}

func (a *InMemoryAccountData) DirectRooms(userID string) (map[string][]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]string, len(a.direct[userID]))
	for k, v := range a.direct[userID] {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (a *InMemoryAccountData) SetDirectRooms(userID string, d map[string][]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.direct[userID] = d
	return nil
}

// Store persists the membership index itself.
type Store interface {
	MarkAsJoined(userID, roomID string) error
	MarkAsInvited(userID, roomID string) error
	MarkAsLeft(userID, roomID string) error
	MarkAsOnceJoined(userID, roomID string) error
	OnceJoined(userID, roomID string) (bool, error)
	CurrentMembership(userID, roomID string) (Membership, error)
	UpdateJoinedCount(roomID string) error

	RoomsJoined(userID string) ([]string, error)
	RoomsInvited(userID string) ([]string, error)
	RoomsLeft(userID string) ([]string, error)
	RoomMembers(roomID string) ([]string, error)
	RoomServers(roomID string) ([]string, error)
	ServerRooms(serverName string) ([]string, error)
}

// RoomCreateLookup resolves a room's RoomCreate content, used to find a
// predecessor room on upgrade.
type RoomCreateLookup func(roomID string) (RoomCreateContent, bool, error)

// Projector is the Membership Projector / State Cache.
type Projector struct {
	store        Store
	accountData  AccountData
	lookupCreate RoomCreateLookup
	deactivation DeactivationChecker

	mu sync.Mutex
}

// New constructs a Projector. deactivation may be nil, in which case a
// no-op (always-false) checker is used.
func New(store Store, accountData AccountData, lookupCreate RoomCreateLookup, deactivation DeactivationChecker) *Projector {
	if deactivation == nil {
		deactivation = noopDeactivationChecker{}
	}
	return &Projector{store: store, accountData: accountData, lookupCreate: lookupCreate, deactivation: deactivation}
}

// UpdateMembership applies an admitted m.room.member event's content to
// the membership index for (roomID, targetUserID), per §4.7.
func (p *Projector) UpdateMembership(roomID, targetUserID, senderUserID string, content MemberContent, updateJoinedCount bool) error {
	log := logging.Logger("membership").WithField("room_id", roomID).WithField("user_id", targetUserID)

	// Serialize once_joined-check + predecessor-copy + mark_as_joined as
	// one critical section so two concurrent joins for the same user/room
	// can't both observe once_joined == false and double-copy
	// predecessor state.
	p.mu.Lock()
	defer p.mu.Unlock()

	switch content.Membership {
	case "join":
		onceJoined, err := p.store.OnceJoined(targetUserID, roomID)
		if err != nil {
			return err
		}
		if !onceJoined {
			if err := p.store.MarkAsOnceJoined(targetUserID, roomID); err != nil {
				return err
			}
			if err := p.copyPredecessorState(roomID, targetUserID); err != nil {
				log.WithError(err).Warn("failed to copy predecessor room state on upgrade join")
			}
		}
		if err := p.store.MarkAsJoined(targetUserID, roomID); err != nil {
			return err
		}

	case "invite":
		ignored, err := p.accountData.IgnoredUsers(targetUserID)
		if err != nil {
			log.WithError(err).Warn("failed to read ignored-user list, not suppressing invite")
		} else if _, isIgnored := ignored[senderUserID]; isIgnored {
			// The sender is ignored by the recipient: skip the invite
			// entirely, per §4.7's "Invite ignores" rule.
			return nil
		}
		if err := p.store.MarkAsInvited(targetUserID, roomID); err != nil {
			return err
		}

	case "leave", "ban":
		if err := p.store.MarkAsLeft(targetUserID, roomID); err != nil {
			return err
		}

	default:
		// Unknown membership value: no index change, matches the
		// original's catch-all no-op arm.
	}

	if updateJoinedCount {
		if err := p.store.UpdateJoinedCount(roomID); err != nil {
			return err
		}
	}
	return nil
}

// copyPredecessorState copies per-user room tags and the m.direct flag
// from a room's predecessor (named in its RoomCreate content) to roomID,
// run only on a user's first-ever join, per §4.7's "Room upgrade" rule.
func (p *Projector) copyPredecessorState(roomID, userID string) error {
	create, ok, err := p.lookupCreate(roomID)
	if err != nil || !ok || create.Predecessor == nil {
		return err
	}
	predecessorRoomID := create.Predecessor.RoomID

	if tags, ok, err := p.accountData.RoomTags(predecessorRoomID, userID); err == nil && ok {
		_ = p.accountData.SetRoomTags(roomID, userID, tags)
	}

	direct, err := p.accountData.DirectRooms(userID)
	if err == nil {
		updated := false
		for key, rooms := range direct {
			for _, r := range rooms {
				if r == predecessorRoomID {
					direct[key] = append(rooms, roomID)
					updated = true
					break
				}
			}
		}
		if updated {
			_ = p.accountData.SetDirectRooms(userID, direct)
		}
	}
	return nil
}

// IsJoined, IsInvited, IsLeft test the exclusive per-(room,user) state.
func (p *Projector) IsJoined(userID, roomID string) (bool, error) {
	m, err := p.store.CurrentMembership(userID, roomID)
	return m == Joined, err
}

func (p *Projector) IsInvited(userID, roomID string) (bool, error) {
	m, err := p.store.CurrentMembership(userID, roomID)
	return m == Invited, err
}

func (p *Projector) IsLeft(userID, roomID string) (bool, error) {
	m, err := p.store.CurrentMembership(userID, roomID)
	return m == Left, err
}

// OnceJoined reports whether userID has ever joined roomID (additive,
// never cleared).
func (p *Projector) OnceJoined(userID, roomID string) (bool, error) {
	return p.store.OnceJoined(userID, roomID)
}

func (p *Projector) RoomsJoined(userID string) ([]string, error)  { return p.store.RoomsJoined(userID) }
func (p *Projector) RoomsInvited(userID string) ([]string, error) { return p.store.RoomsInvited(userID) }
func (p *Projector) RoomsLeft(userID string) ([]string, error)    { return p.store.RoomsLeft(userID) }
func (p *Projector) RoomMembers(roomID string) ([]string, error)  { return p.store.RoomMembers(roomID) }
func (p *Projector) RoomServers(roomID string) ([]string, error)  { return p.store.RoomServers(roomID) }

// ServerInRoom reports whether any known member of roomID belongs to
// serverName.
func (p *Projector) ServerInRoom(serverName, roomID string) (bool, error) {
	servers, err := p.store.RoomServers(roomID)
	if err != nil {
		return false, err
	}
	for _, s := range servers {
		if s == serverName {
			return true, nil
		}
	}
	return false, nil
}

// ServerSeesUser reports whether serverName shares a room with userID in
// which userID is joined — i.e. serverName can see userID exists.
func (p *Projector) ServerSeesUser(serverName, userID string) (bool, error) {
	rooms, err := p.store.ServerRooms(serverName)
	if err != nil {
		return false, err
	}
	for _, roomID := range rooms {
		if joined, _ := p.IsJoined(userID, roomID); joined {
			return true, nil
		}
	}
	return false, nil
}

// UserSeesUser reports whether userA and userB share at least one room
// (both joined), minimizing point-queries by iterating whichever user has
// fewer joined rooms first, matching the original's optimization.
func (p *Projector) UserSeesUser(userA, userB string) (bool, error) {
	roomsA, err := p.RoomsJoined(userA)
	if err != nil {
		return false, err
	}
	roomsB, err := p.RoomsJoined(userB)
	if err != nil {
		return false, err
	}
	small, big := roomsA, userB
	if len(roomsB) < len(roomsA) {
		small, big = roomsB, userA
	}
	for _, roomID := range small {
		if joined, _ := p.IsJoined(big, roomID); joined {
			return true, nil
		}
	}
	return false, nil
}
