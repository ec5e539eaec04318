// Package consumers implements the federation fan-out side: consuming the
// room server's output stream (internal/output) and queuing each admitted
// PDU for delivery to every server that shares the room, via
// federationapi/queue. Grounded on the corpus's JetStream consumer idiom
// (durable pull consumer, manual ack, one message processed at a time).
package consumers

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/meshline-im/meshline/federationapi/queue"
	"github.com/meshline-im/meshline/internal/logging"
	"github.com/meshline-im/meshline/internal/output"
	"github.com/meshline-im/meshline/internal/process"
	"github.com/meshline-im/meshline/roomserver/internal/input"
	"github.com/meshline-im/meshline/roomserver/types"
)

// RoomServerLister resolves which remote servers currently share a room,
// the destination set a new event must be sent to. Backed by
// roomserver/internal/membership.Projector.RoomServers in production.
type RoomServerLister interface {
	RoomServers(roomID string) ([]string, error)
}

// RoomEventConsumer consumes input.OutputEvent messages and enqueues new
// timeline events for outbound delivery.
type RoomEventConsumer struct {
	ctx       context.Context
	js        nats.JetStreamContext
	durable   string
	subject   string
	queues    *queue.OutgoingQueues
	rooms     RoomServerLister
	isLocal   func(serverName string) bool
}

// NewRoomEventConsumer constructs a RoomEventConsumer. isLocal reports
// whether a server name is this deployment's own, used to avoid sending an
// event to ourselves.
func NewRoomEventConsumer(
	proc *process.Context,
	js nats.JetStreamContext,
	durable, prefix string,
	queues *queue.OutgoingQueues,
	rooms RoomServerLister,
	isLocal func(serverName string) bool,
) *RoomEventConsumer {
	subject := output.OutputRoomEventSubject
	if prefix != "" {
		subject = prefix + "." + subject
	}
	return &RoomEventConsumer{
		ctx:     proc.Context(),
		js:      js,
		durable: durable,
		subject: subject,
		queues:  queues,
		rooms:   rooms,
		isLocal: isLocal,
	}
}

// Start begins consuming from the output stream.
func (c *RoomEventConsumer) Start() error {
	_, err := c.js.Subscribe(c.subject, c.onMessage, nats.Durable(c.durable), nats.ManualAck(), nats.DeliverAll())
	return err
}

func (c *RoomEventConsumer) onMessage(msg *nats.Msg) {
	log := c.logger()
	var ev input.OutputEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		sentry.CaptureException(err)
		log.WithError(err).Error("failed to unmarshal output event")
		_ = msg.Ack()
		return
	}

	if ev.Type == input.OutputTypeNewRoomEvent && ev.NewTimelineEvent != nil {
		c.fanOut(ev.NewTimelineEvent)
	}
	_ = msg.Ack()
}

// fanOut sends pdu to every server currently sharing its room except the
// ones isLocal reports as this deployment's own. The server the event was
// received from is not excluded and is sent the event as well.
func (c *RoomEventConsumer) fanOut(pdu *types.PDU) {
	log := c.logger().WithField("event_id", pdu.EventID).WithField("room_id", pdu.RoomID)

	servers, err := c.rooms.RoomServers(pdu.RoomID)
	if err != nil {
		sentry.CaptureException(err)
		log.WithError(err).Error("failed to resolve room servers for fan-out")
		return
	}

	var destinations []string
	for _, s := range servers {
		if c.isLocal != nil && c.isLocal(s) {
			continue
		}
		destinations = append(destinations, s)
	}
	if len(destinations) == 0 {
		return
	}
	c.queues.SendEvent(pdu, destinations)
}

func (c *RoomEventConsumer) logger() *logrus.Entry {
	return logging.Logger("federationapi.consumers")
}
