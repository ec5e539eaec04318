package input

import (
	"encoding/json"

	"github.com/meshline-im/meshline/roomserver/types"
)

// redactionAllowedKeys lists the envelope fields that survive redaction
// across room versions. redact does not consult it: it keeps every
// envelope field as it is and only clears unsigned and trims content.
var redactionAllowedKeys = map[string]struct{}{
	"event_id": {}, "type": {}, "room_id": {}, "sender": {}, "state_key": {},
	"content": {}, "hashes": {}, "signatures": {}, "depth": {},
	"prev_events": {}, "auth_events": {}, "origin_server_ts": {},
}

// redact clears unsigned and trims content to redactContent's per-type
// allow-list, used by handleOutlierPDU step 2 when the verifier reports
// SignaturesOnly (hash mismatch). The same rules apply to every room
// version; no per-room-version redaction is done.
func redact(event *types.PDU) (*types.PDU, error) {
	redacted := *event
	redacted.Unsigned = nil
	redacted.Content = redactContent(event.Kind, event.Content)
	return &redacted, nil
}

// redactContent keeps only the content keys essential to each event type,
// per the Matrix redaction algorithm's per-type allow-list. Unrecognized
// types redact to an empty object.
func redactContent(eventType string, content json.RawMessage) json.RawMessage {
	allowed := map[string]map[string]struct{}{
		"m.room.create":       {"creator": {}, "room_version": {}, "predecessor": {}},
		"m.room.member":       {"membership": {}},
		"m.room.join_rules":   {"join_rule": {}},
		"m.room.power_levels": {"ban": {}, "events": {}, "events_default": {}, "kick": {}, "redact": {}, "state_default": {}, "users": {}, "users_default": {}},
		"m.room.server_acl":   {"allow": {}, "deny": {}, "allow_ip_literals": {}},
	}
	keep, ok := allowed[eventType]
	if !ok {
		return json.RawMessage(`{}`)
	}
	var full map[string]json.RawMessage
	if err := json.Unmarshal(content, &full); err != nil {
		return json.RawMessage(`{}`)
	}
	out := map[string]json.RawMessage{}
	for k := range keep {
		if v, ok := full[k]; ok {
			out[k] = v
		}
	}
	trimmed, err := json.Marshal(out)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return trimmed
}

// canonicalize re-marshals a PDU with sorted keys and no insignificant
// whitespace, per §6's canonical JSON contract. json.Marshal already
// sorts map keys; since PDU's fields are a fixed struct the declaration
// order is used instead, which is stable and sufficient for internal
// round-tripping (this is not the wire-level canonical form peers sign
// over, which is produced by the out-of-scope canonicalization
// primitive).
func canonicalize(pdu *types.PDU) []byte {
	out, err := json.Marshal(pdu)
	if err != nil {
		return nil
	}
	return out
}
