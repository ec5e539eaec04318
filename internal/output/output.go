// Package output publishes admitted/redacted room events onto the
// OutputRoomEvent JetStream subject, the same fan-out point the teacher's
// roomserver uses to hand events to the rest of the homeserver. This
// module's own Event Handler (roomserver/internal/input) is the only
// producer; federationapi/consumers is the in-scope consumer.
package output

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/meshline-im/meshline/internal/logging"
	"github.com/meshline-im/meshline/roomserver/internal/input"
)

// OutputRoomEventSubject is the JetStream subject carrying
// input.OutputEvent payloads, mirroring the teacher's
// jetstream.OutputRoomEvent topic naming.
const OutputRoomEventSubject = "meshline.roomserver.output_room_event"

// Writer publishes input.OutputEvent values to JetStream, implementing
// roomserver/internal/input.OutputWriter.
type Writer struct {
	js     nats.JetStreamContext
	prefix string
}

// NewWriter constructs a Writer. prefix namespaces the subject the way the
// teacher's config.JetStream.Prefixed does for multi-tenant deployments.
func NewWriter(js nats.JetStreamContext, prefix string) *Writer {
	return &Writer{js: js, prefix: prefix}
}

func (w *Writer) subject() string {
	if w.prefix == "" {
		return OutputRoomEventSubject
	}
	return w.prefix + "." + OutputRoomEventSubject
}

// WriteOutputEvents publishes each event as an individual JetStream
// message, headered with room_id for subject-less consumer filtering.
func (w *Writer) WriteOutputEvents(roomID string, events []input.OutputEvent) error {
	log := logging.Logger("output").WithField("room_id", roomID)
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("output: marshal event: %w", err)
		}
		msg := nats.NewMsg(w.subject())
		msg.Data = data
		msg.Header.Set("room_id", roomID)
		msg.Header.Set("type", ev.Type)
		if _, err := w.js.PublishMsg(msg); err != nil {
			log.WithError(err).WithField("output_type", ev.Type).Error("failed to publish output event")
			return err
		}
	}
	return nil
}
