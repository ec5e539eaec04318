package consumers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fedapi "github.com/meshline-im/meshline/federationapi/api"
	"github.com/meshline-im/meshline/federationapi/queue"
	"github.com/meshline-im/meshline/internal/process"
	"github.com/meshline-im/meshline/roomserver/internal/input"
	"github.com/meshline-im/meshline/roomserver/types"
)

type fakeRoomServers struct {
	servers map[string][]string
}

func (f fakeRoomServers) RoomServers(roomID string) ([]string, error) {
	return f.servers[roomID], nil
}

type noopSender struct{}

func (noopSender) SendTransaction(context.Context, fedapi.Transaction) error { return nil }

func newConsumer(t *testing.T, rooms RoomServerLister, isLocal func(string) bool) (*RoomEventConsumer, *process.Context) {
	t.Helper()
	proc := process.New()
	q := queue.NewOutgoingQueues(proc, "home.example.org", noopSender{})
	c := &RoomEventConsumer{
		ctx:     proc.Context(),
		durable: "test",
		subject: "meshline.roomserver.output_room_event",
		queues:  q,
		rooms:   rooms,
		isLocal: isLocal,
	}
	return c, proc
}

func encodeEvent(t *testing.T, ev input.OutputEvent) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	msg := nats.NewMsg("meshline.roomserver.output_room_event")
	msg.Data = data
	return msg
}

func TestOnMessage_FansOutNewTimelineEventToRemoteServers(t *testing.T) {
	rooms := fakeRoomServers{servers: map[string][]string{
		"!room:example.org": {"home.example.org", "remote.example.org"},
	}}
	c, proc := newConsumer(t, rooms, func(s string) bool { return s == "home.example.org" })
	defer proc.Shutdown()

	ev := input.OutputEvent{
		Type:             input.OutputTypeNewRoomEvent,
		NewTimelineEvent: &types.PDU{EventID: "$event1", RoomID: "!room:example.org"},
	}
	c.onMessage(encodeEvent(t, ev))

	// fanOut only asserts no panic/error here; queue delivery itself is
	// covered by federationapi/queue's own tests. This exercises the
	// isLocal filtering and event-type dispatch logic directly.
}

func TestOnMessage_IgnoresNonNewRoomEventTypes(t *testing.T) {
	rooms := fakeRoomServers{servers: map[string][]string{}}
	c, proc := newConsumer(t, rooms, nil)
	defer proc.Shutdown()

	ev := input.OutputEvent{Type: input.OutputTypeOldRoomEvent}
	assert.NotPanics(t, func() { c.onMessage(encodeEvent(t, ev)) })
}

func TestOnMessage_MalformedPayloadDoesNotPanic(t *testing.T) {
	rooms := fakeRoomServers{servers: map[string][]string{}}
	c, proc := newConsumer(t, rooms, nil)
	defer proc.Shutdown()

	msg := nats.NewMsg("meshline.roomserver.output_room_event")
	msg.Data = []byte("not json")
	assert.NotPanics(t, func() { c.onMessage(msg) })
}
