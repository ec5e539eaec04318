package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshline-im/meshline/roomserver/types"
)

func strPtr(s string) *string { return &s }

func memberEvent(eventID, sender, target, membership string) *types.PDU {
	content, _ := json.Marshal(map[string]string{"membership": membership})
	return &types.PDU{
		EventID:  eventID,
		Sender:   sender,
		Kind:     "m.room.member",
		StateKey: strPtr(target),
		Content:  content,
	}
}

func powerLevelsEvent(eventID string, users map[string]int64) *types.PDU {
	content, _ := json.Marshal(powerLevelsContent{Users: users})
	return &types.PDU{
		EventID:  eventID,
		Kind:     "m.room.power_levels",
		StateKey: strPtr(""),
		Content:  content,
	}
}

func baseState(createID, plEventID string) types.StateMap {
	state := types.StateMap{
		{EventType: "m.room.create", StateKey: ""}: createID,
	}
	if plEventID != "" {
		state[types.StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""}] = plEventID
	}
	return state
}

func TestCheckAuth_CreateEventAlwaysAuthorized(t *testing.T) {
	checker := NewDefaultChecker(func(string) (*types.PDU, error) { return nil, nil })
	event := &types.PDU{EventID: "$create", Kind: "m.room.create", Sender: "@alice:example.org"}
	assert.NoError(t, checker.CheckAuth("1", event, types.StateMap{}))
}

func TestCheckAuth_MissingCreateEventRejected(t *testing.T) {
	checker := NewDefaultChecker(func(string) (*types.PDU, error) { return nil, nil })
	event := memberEvent("$join", "@alice:example.org", "@alice:example.org", "join")
	err := checker.CheckAuth("1", event, types.StateMap{})
	assert.Error(t, err)
}

func TestCheckAuth_JoinMustMatchSender(t *testing.T) {
	state := baseState("$create", "")
	checker := NewDefaultChecker(func(string) (*types.PDU, error) { return nil, nil })

	ok := memberEvent("$join", "@alice:example.org", "@alice:example.org", "join")
	assert.NoError(t, checker.CheckAuth("1", ok, state))

	bad := memberEvent("$join2", "@alice:example.org", "@bob:example.org", "join")
	assert.Error(t, checker.CheckAuth("1", bad, state))
}

func TestCheckAuth_InviteDefaultPowerLevelIsZero(t *testing.T) {
	plID := "$pl"
	state := baseState("$create", plID)
	fetch := func(id string) (*types.PDU, error) {
		if id == plID {
			return powerLevelsEvent(plID, map[string]int64{"@mod:example.org": 50}), nil
		}
		return nil, nil
	}
	checker := NewDefaultChecker(fetch)

	invite := memberEvent("$invite", "@mod:example.org", "@carol:example.org", "invite")
	assert.NoError(t, checker.CheckAuth("1", invite, state))

	lowPower := memberEvent("$invite2", "@dave:example.org", "@carol:example.org", "invite")
	assert.NoError(t, checker.CheckAuth("1", lowPower, state), "default invite power level is 0")
}

func TestCheckAuth_BanRequiresHigherPowerThanTarget(t *testing.T) {
	plID := "$pl"
	state := baseState("$create", plID)
	fetch := func(id string) (*types.PDU, error) {
		return powerLevelsEvent(plID, map[string]int64{
			"@mod:example.org":   50,
			"@admin:example.org": 100,
		}), nil
	}
	checker := NewDefaultChecker(fetch)

	banByAdmin := memberEvent("$ban1", "@admin:example.org", "@mod:example.org", "ban")
	assert.NoError(t, checker.CheckAuth("1", banByAdmin, state))

	banByPeer := memberEvent("$ban2", "@mod:example.org", "@admin:example.org", "ban")
	assert.Error(t, checker.CheckAuth("1", banByPeer, state), "equal or lower power may not ban")

	banByOutsider := memberEvent("$ban3", "@rando:example.org", "@mod:example.org", "ban")
	assert.Error(t, checker.CheckAuth("1", banByOutsider, state))
}

func TestCheckAuth_LeaveSelfAlwaysAllowed(t *testing.T) {
	state := baseState("$create", "")
	checker := NewDefaultChecker(func(string) (*types.PDU, error) { return nil, nil })

	leave := memberEvent("$leave", "@alice:example.org", "@alice:example.org", "leave")
	assert.NoError(t, checker.CheckAuth("1", leave, state))
}

func TestCheckAuth_KickRequiresPowerOverTarget(t *testing.T) {
	plID := "$pl"
	state := baseState("$create", plID)
	fetch := func(string) (*types.PDU, error) {
		return powerLevelsEvent(plID, map[string]int64{"@mod:example.org": 50}), nil
	}
	checker := NewDefaultChecker(fetch)

	kick := memberEvent("$kick", "@mod:example.org", "@carol:example.org", "leave")
	assert.NoError(t, checker.CheckAuth("1", kick, state))

	kickByRando := memberEvent("$kick2", "@rando:example.org", "@carol:example.org", "leave")
	assert.Error(t, checker.CheckAuth("1", kickByRando, state))
}

func TestCheckAuth_StateEventRequiresStateDefaultLevel(t *testing.T) {
	state := baseState("$create", "")
	checker := NewDefaultChecker(func(string) (*types.PDU, error) { return nil, nil })

	content, _ := json.Marshal(map[string]string{"topic": "hello"})
	event := &types.PDU{
		EventID:  "$topic",
		Sender:   "@alice:example.org",
		Kind:     "m.room.topic",
		StateKey: strPtr(""),
		Content:  content,
	}
	// default state_default is 50, @alice has power 0
	assert.Error(t, checker.CheckAuth("1", event, state))
}

func TestCheckAuth_UnknownMembershipRejected(t *testing.T) {
	state := baseState("$create", "")
	checker := NewDefaultChecker(func(string) (*types.PDU, error) { return nil, nil })
	event := memberEvent("$weird", "@alice:example.org", "@alice:example.org", "knock")
	require.Error(t, checker.CheckAuth("1", event, state))
}
