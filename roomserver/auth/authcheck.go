package auth

import (
	"encoding/json"
	"fmt"

	"github.com/meshline-im/meshline/roomserver/types"
)

// powerLevelsContent is the subset of m.room.power_levels this checker
// consults. Unset integer fields keep Matrix's documented defaults.
type powerLevelsContent struct {
	Ban           *int64           `json:"ban"`
	Kick          *int64           `json:"kick"`
	Redact        *int64           `json:"redact"`
	Invite        *int64           `json:"invite"`
	StateDefault  *int64           `json:"state_default"`
	EventsDefault *int64           `json:"events_default"`
	UsersDefault  *int64           `json:"users_default"`
	Users         map[string]int64 `json:"users"`
	Events        map[string]int64 `json:"events"`
}

func (c powerLevelsContent) userLevel(userID string) int64 {
	if lvl, ok := c.Users[userID]; ok {
		return lvl
	}
	if c.UsersDefault != nil {
		return *c.UsersDefault
	}
	return 0
}

func (c powerLevelsContent) eventLevel(eventType string, isState bool) int64 {
	if lvl, ok := c.Events[eventType]; ok {
		return lvl
	}
	if isState {
		if c.StateDefault != nil {
			return *c.StateDefault
		}
		return 50
	}
	if c.EventsDefault != nil {
		return *c.EventsDefault
	}
	return 0
}

func (c powerLevelsContent) levelOr(p *int64, def int64) int64 {
	if p != nil {
		return *p
	}
	return def
}

type memberContent struct {
	Membership string `json:"membership"`
}

// EventFetcher resolves an event id to its full PDU, used to read the
// content of whatever m.room.power_levels event is currently in authState
// (a map of event ids, not parsed content).
type EventFetcher func(eventID string) (*types.PDU, error)

// DefaultChecker implements roomserver/internal/input.AuthChecker with a
// pragmatic subset of the Matrix auth rules: authState must contain an
// m.room.create entry, and the sender (or, for invite/kick/ban, the
// effective actor) must hold sufficient power per the state's
// m.room.power_levels. It does not check which auth event types an event
// declares, and it does not implement every
// room-version nuance (e.g. third-party invites, restricted joins); those
// are out of this module's scope, see DESIGN.md.
type DefaultChecker struct {
	fetch EventFetcher
}

// NewDefaultChecker constructs a DefaultChecker. fetch resolves power
// levels/member event ids to their content; callers typically wrap
// storage.Database.EventByID.
func NewDefaultChecker(fetch EventFetcher) *DefaultChecker {
	return &DefaultChecker{fetch: fetch}
}

// CheckAuth implements roomserver/internal/input.AuthChecker.
func (c *DefaultChecker) CheckAuth(roomVersion types.RoomVersion, event *types.PDU, authState types.StateMap) error {
	if event.Kind == "m.room.create" {
		// The create event authorizes itself; there is nothing in
		// authState to check it against.
		return nil
	}

	createID, ok := authState[types.StateKeyTuple{EventType: "m.room.create", StateKey: ""}]
	if !ok || createID == "" {
		return fmt.Errorf("auth: no m.room.create in state, cannot authorize %s", event.EventID)
	}

	pls, err := c.readPowerLevels(authState)
	if err != nil {
		return fmt.Errorf("auth: reading power levels: %w", err)
	}
	senderLevel := pls.userLevel(event.Sender)

	switch event.Kind {
	case "m.room.member":
		return checkMembership(event, authState, pls, senderLevel)
	default:
		required := pls.eventLevel(event.Kind, event.IsStateEvent())
		if senderLevel < required {
			return fmt.Errorf("auth: %s requires power level %d, sender %s has %d", event.Kind, required, event.Sender, senderLevel)
		}
		return nil
	}
}

func checkMembership(event *types.PDU, authState types.StateMap, pls powerLevelsContent, senderLevel int64) error {
	var content memberContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return fmt.Errorf("auth: malformed m.room.member content: %w", err)
	}
	target := ""
	if event.StateKey != nil {
		target = *event.StateKey
	}
	targetLevel := pls.userLevel(target)

	switch content.Membership {
	case "join":
		if target != event.Sender {
			return fmt.Errorf("auth: join event's state_key must equal its sender")
		}
		return nil

	case "invite":
		required := pls.levelOr(pls.Invite, 0)
		if senderLevel < required {
			return fmt.Errorf("auth: invite requires power level %d, sender %s has %d", required, event.Sender, senderLevel)
		}
		return nil

	case "ban":
		required := pls.levelOr(pls.Ban, 50)
		if senderLevel < required || senderLevel <= targetLevel {
			return fmt.Errorf("auth: ban of %s by %s not authorized (levels %d/%d, required %d)", target, event.Sender, senderLevel, targetLevel, required)
		}
		return nil

	case "leave":
		if target == event.Sender {
			// Any member may leave of their own accord.
			return nil
		}
		required := pls.levelOr(pls.Kick, 50)
		if senderLevel < required || senderLevel <= targetLevel {
			return fmt.Errorf("auth: kick of %s by %s not authorized (levels %d/%d, required %d)", target, event.Sender, senderLevel, targetLevel, required)
		}
		return nil

	default:
		return fmt.Errorf("auth: unknown membership value %q", content.Membership)
	}
}

// readPowerLevels resolves and parses the room's current m.room.power_levels
// event, if any. A room with no such event yet runs on Matrix's hard-coded
// defaults (state_default=50, ban=50, kick=50, everything else 0), which is
// exactly what the zero-value powerLevelsContent yields.
func (c *DefaultChecker) readPowerLevels(authState types.StateMap) (powerLevelsContent, error) {
	id, ok := authState[types.StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""}]
	if !ok || id == "" {
		return powerLevelsContent{}, nil
	}
	pdu, err := c.fetch(id)
	if err != nil {
		return powerLevelsContent{}, err
	}
	if pdu == nil {
		return powerLevelsContent{}, nil
	}
	var pls powerLevelsContent
	if err := json.Unmarshal(pdu.Content, &pls); err != nil {
		return powerLevelsContent{}, fmt.Errorf("malformed m.room.power_levels content: %w", err)
	}
	return pls, nil
}
