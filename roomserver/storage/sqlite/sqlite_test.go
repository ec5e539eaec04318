package sqlite

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshline-im/meshline/roomserver/internal/keyfetcher"
	"github.com/meshline-im/meshline/roomserver/internal/membership"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	return db
}

func TestKeyBackend_StoreAndRetrieveKeys(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, pub1, _ := ed25519.GenerateKey(nil)
	err := db.KeyBackend().StoreKeys(ctx, "origin.example.org", keyfetcher.ServerKeys{"ed25519:1": pub1})
	require.NoError(t, err)

	stored, err := db.KeyBackend().StoredKeys(ctx, "origin.example.org")
	require.NoError(t, err)
	require.Contains(t, stored, "ed25519:1")
	assert.Equal(t, pub1, stored["ed25519:1"])
}

func TestKeyBackend_StoreKeysMergesRatherThanClobbers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, pub1, _ := ed25519.GenerateKey(nil)
	_, pub2, _ := ed25519.GenerateKey(nil)

	require.NoError(t, db.KeyBackend().StoreKeys(ctx, "origin.example.org", keyfetcher.ServerKeys{"ed25519:1": pub1}))
	require.NoError(t, db.KeyBackend().StoreKeys(ctx, "origin.example.org", keyfetcher.ServerKeys{"ed25519:2": pub2}))

	stored, err := db.KeyBackend().StoredKeys(ctx, "origin.example.org")
	require.NoError(t, err)
	assert.Len(t, stored, 2, "a later partial fetch must not drop previously stored keys")
	assert.Equal(t, pub1, stored["ed25519:1"])
	assert.Equal(t, pub2, stored["ed25519:2"])
}

func TestKeyBackend_StoredKeysEmptyForUnknownServer(t *testing.T) {
	db := openTestDB(t)
	stored, err := db.KeyBackend().StoredKeys(context.Background(), "unknown.example.org")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestMembershipBackend_JoinInviteLeaveLifecycle(t *testing.T) {
	db := openTestDB(t)
	store := db.MembershipBackend()

	const room = "!room:example.org"
	const user = "@alice:example.org"

	joined, err := store.CurrentMembership(user, room)
	require.NoError(t, err)
	assert.Equal(t, membership.None, joined, "no row yet means the zero-value None membership")

	require.NoError(t, store.MarkAsInvited(user, room))
	current, err := store.CurrentMembership(user, room)
	require.NoError(t, err)
	assert.Equal(t, membership.Invited, current)

	require.NoError(t, store.MarkAsJoined(user, room))
	current, err = store.CurrentMembership(user, room)
	require.NoError(t, err)
	assert.Equal(t, membership.Joined, current)

	once, err := store.OnceJoined(user, room)
	require.NoError(t, err)
	assert.False(t, once, "OnceJoined is a separate flag the projector sets explicitly")

	require.NoError(t, store.MarkAsOnceJoined(user, room))
	once, err = store.OnceJoined(user, room)
	require.NoError(t, err)
	assert.True(t, once)

	require.NoError(t, store.MarkAsLeft(user, room))
	current, err = store.CurrentMembership(user, room)
	require.NoError(t, err)
	assert.Equal(t, membership.Left, current)

	// once_joined survives leaving, per its additive/never-cleared contract.
	once, err = store.OnceJoined(user, room)
	require.NoError(t, err)
	assert.True(t, once)
}

func TestMembershipBackend_UpdateJoinedCount(t *testing.T) {
	db := openTestDB(t)
	store := db.MembershipBackend()
	const room = "!room:example.org"

	require.NoError(t, store.MarkAsJoined("@alice:example.org", room))
	require.NoError(t, store.MarkAsJoined("@bob:example.org", room))
	require.NoError(t, store.MarkAsInvited("@carol:example.org", room))

	require.NoError(t, store.UpdateJoinedCount(room))

	members, err := store.RoomMembers(room)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"@alice:example.org", "@bob:example.org"}, members)
}

func TestMembershipBackend_RoomsJoinedInvitedLeft(t *testing.T) {
	db := openTestDB(t)
	store := db.MembershipBackend()
	const user = "@alice:example.org"

	require.NoError(t, store.MarkAsJoined(user, "!joined:example.org"))
	require.NoError(t, store.MarkAsInvited(user, "!invited:example.org"))
	require.NoError(t, store.MarkAsJoined(user, "!left:example.org"))
	require.NoError(t, store.MarkAsLeft(user, "!left:example.org"))

	joined, err := store.RoomsJoined(user)
	require.NoError(t, err)
	assert.Equal(t, []string{"!joined:example.org"}, joined)

	invited, err := store.RoomsInvited(user)
	require.NoError(t, err)
	assert.Equal(t, []string{"!invited:example.org"}, invited)

	left, err := store.RoomsLeft(user)
	require.NoError(t, err)
	assert.Equal(t, []string{"!left:example.org"}, left)
}

func TestMembershipBackend_RoomServersAndServerRooms(t *testing.T) {
	db := openTestDB(t)
	store := db.MembershipBackend()
	const room = "!room:example.org"

	require.NoError(t, store.MarkAsJoined("@alice:example.org", room))
	require.NoError(t, store.MarkAsJoined("@bob:other.org", room))

	servers, err := store.RoomServers(room)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"example.org", "other.org"}, servers)

	rooms, err := store.ServerRooms("other.org")
	require.NoError(t, err)
	assert.Equal(t, []string{room}, rooms)

	rooms, err = store.ServerRooms("nowhere.org")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

