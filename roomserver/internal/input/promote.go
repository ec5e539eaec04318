package input

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/meshline-im/meshline/roomserver/api"
	"github.com/meshline-im/meshline/roomserver/internal/membership"
	"github.com/meshline-im/meshline/roomserver/state"
	"github.com/meshline-im/meshline/roomserver/types"
)

// promoteOutlierToTimeline implements §4.8.3, steps A-J: compute state at
// the event, auth-check against it, soft-fail check against current
// state, compute new extremities, compress and (if a state event) resolve
// state, then append to the timeline.
func (r *Inputer) promoteOutlierToTimeline(ctx context.Context, logger *logrus.Entry, roomInfo *types.RoomInfo, stored *types.StoredEvent, in *api.InputRoomEvent) (string, error) {
	event := stored.PDU

	// Step A: already timeline or soft-failed.
	if inTimeline, _ := r.DB.IsInTimeline(ctx, event.EventID); inTimeline {
		return event.EventID, nil
	}
	if softFailed, _ := r.DB.IsSoftFailed(ctx, event.EventID); softFailed {
		return "", newError(KindSoftFailed, fmt.Errorf("event %s already marked soft-failed", event.EventID))
	}

	// Step B: compute state at this event.
	stateAtEvent, err := r.computeStateAtEvent(ctx, roomInfo, event, in, in.Origin)
	if err != nil {
		return "", newError(KindStateResolutionInternal, err)
	}

	// Step C: auth check against state-at-event.
	if err := r.AuthChecker.CheckAuth(roomInfo.RoomVersion, event, stateAtEvent); err != nil {
		return "", newError(KindAuthCheckFailedStateAtEvent, err)
	}

	// Step D: soft-fail check against the room's CURRENT state.
	softFail := false
	if currentHash, ok, _ := r.DB.CurrentStateHash(ctx, roomInfo.RoomID); ok {
		currentState, err := r.Compressor.StateFullIDs(currentHash)
		if err == nil {
			if err := r.AuthChecker.CheckAuth(roomInfo.RoomVersion, event, currentState); err != nil {
				softFail = true
				logger.WithError(err).Debug("event soft-failed against current room state")
			}
		}
	}

	// Step E: acquire per-room state lock. Every caller — the incoming
	// event path in processRoomEvent and the prev-event path in
	// processPrevEvents alike — reaches this function without already
	// holding roomInfo.RoomID's lock, so a single plain Lock here is
	// correct; ByRoom hands out a non-reentrant sync.Mutex, so no caller
	// may hold this room's lock across this call.
	r.RoomLocks.Lock(roomInfo.RoomID)
	defer r.RoomLocks.Unlock(roomInfo.RoomID)

	// Step F: extremities.
	extremities, err := r.DB.ForwardExtremities(ctx, roomInfo.RoomID)
	if err != nil {
		return "", newError(KindStateResolutionInternal, err)
	}
	extremities = computeExtremities(extremities, event)

	// Step G: compress state-at-event.
	if err := r.persistStateAtEvent(ctx, event, stateAtEvent); err != nil {
		return "", newError(KindStateResolutionInternal, err)
	}

	// Step H: if this event is itself a state event, resolve and force
	// the room's new current state.
	if event.IsStateEvent() {
		if err := r.resolveAndForceState(ctx, roomInfo, event, stateAtEvent); err != nil {
			return "", newError(KindStateResolutionInternal, err)
		}
	}

	// Step I: append to timeline.
	hash, _, _ := r.currentStateHashFor(ctx, roomInfo, stateAtEvent)
	if err := r.DB.PromoteToTimeline(ctx, event.EventID, extremities, hash, softFail); err != nil {
		return "", newError(KindStateResolutionInternal, err)
	}
	if err := r.DB.SetForwardExtremities(ctx, roomInfo.RoomID, extremities); err != nil {
		return "", newError(KindStateResolutionInternal, err)
	}

	if softFail {
		if err := r.DB.MarkSoftFailed(ctx, event.EventID); err != nil {
			logger.WithError(err).Warn("failed to persist soft-fail mark")
		}
		return "", newError(KindSoftFailed, fmt.Errorf("event %s has been soft failed", event.EventID))
	}

	if event.Kind == "m.room.member" && r.Membership != nil && event.StateKey != nil {
		var content membership.MemberContent
		if err := json.Unmarshal(event.Content, &content); err != nil {
			logger.WithError(err).Debug("failed to parse m.room.member content")
		} else if err := r.Membership.UpdateMembership(event.RoomID, *event.StateKey, event.Sender, content, true); err != nil {
			logger.WithError(err).Debug("membership projection update failed")
		}
	}

	if in.Kind == api.KindOld && r.Output != nil {
		_ = r.Output.WriteOutputEvents(roomInfo.RoomID, []OutputEvent{{Type: OutputTypeOldRoomEvent, OldRoomEvent: event}})
	} else if r.Output != nil {
		_ = r.Output.WriteOutputEvents(roomInfo.RoomID, []OutputEvent{{Type: OutputTypeNewRoomEvent, NewTimelineEvent: event}})
	}

	// Step J: lock released by defer above.
	return event.EventID, nil
}

func (r *Inputer) computeStateAtEvent(ctx context.Context, roomInfo *types.RoomInfo, event *types.PDU, in *api.InputRoomEvent, origin string) (types.StateMap, error) {
	if in.HasState && len(in.StateEventIDs) > 0 {
		out := types.StateMap{}
		for _, id := range in.StateEventIDs {
			stored, err := r.DB.EventByID(ctx, id)
			if err != nil || stored == nil || !stored.PDU.IsStateEvent() {
				continue
			}
			out[stored.PDU.StateTuple()] = id
		}
		return out, nil
	}

	switch len(event.PrevEvents) {
	case 0:
		return types.StateMap{}, nil
	case 1:
		prevHash, ok, err := r.DB.StateAtEvent(ctx, event.PrevEvents[0])
		if err != nil {
			return nil, err
		}
		var base types.StateMap
		if ok {
			base, err = r.Compressor.StateFullIDs(prevHash)
			if err != nil {
				return nil, err
			}
		} else {
			base = types.StateMap{}
		}
		if prevStored, err := r.DB.EventByID(ctx, event.PrevEvents[0]); err == nil && prevStored != nil && prevStored.PDU.IsStateEvent() {
			base[prevStored.PDU.StateTuple()] = prevStored.PDU.EventID
		}
		return base, nil
	default:
		var candidates []types.StateMap
		var authChains [][]string
		allResolvable := true
		for _, prevID := range event.PrevEvents {
			hash, ok, err := r.DB.StateAtEvent(ctx, prevID)
			if err != nil || !ok {
				allResolvable = false
				break
			}
			full, err := r.Compressor.StateFullIDs(hash)
			if err != nil {
				allResolvable = false
				break
			}
			candidates = append(candidates, full)
			ids := make([]string, 0, len(full))
			for _, id := range full {
				ids = append(ids, id)
			}
			chain, _ := r.AuthChain.GetAuthChain(event.RoomID, ids)
			authChains = append(authChains, chain)
		}
		if allResolvable {
			return r.Resolver.Resolve(roomInfo.RoomVersion, candidates, authChains, r.fetchPDU(ctx))
		}
		return r.fetchStateIDsFromOrigin(ctx, event, origin)
	}
}

// fetchStateIDsFromOrigin implements the unresolvable-prev branch of step
// B: call /state_ids on origin, fetch the returned ids as outliers, and
// require the returned RoomCreate id to match the room's create event.
func (r *Inputer) fetchStateIDsFromOrigin(ctx context.Context, event *types.PDU, origin string) (types.StateMap, error) {
	resp, err := r.Federation.GetRoomStateIDs(ctx, origin, event.RoomID, event.EventID)
	if err != nil {
		return nil, err
	}
	out := types.StateMap{}
	for _, id := range resp.PDUIDs {
		stored, err := r.DB.EventByID(ctx, id)
		if err != nil || stored == nil || !stored.PDU.IsStateEvent() {
			continue
		}
		out[stored.PDU.StateTuple()] = id
	}
	roomInfo, err := r.DB.RoomInfo(ctx, event.RoomID)
	if err == nil && roomInfo != nil {
		gotCreate, ok := out[types.StateKeyTuple{EventType: "m.room.create", StateKey: ""}]
		first, ferr := r.DB.FirstPDUInRoom(ctx, event.RoomID)
		if ok && ferr == nil && first != nil && gotCreate != first.EventID {
			return nil, fmt.Errorf("room create mismatch in /state_ids response for %s", event.EventID)
		}
	}
	return out, nil
}

func (r *Inputer) fetchPDU(ctx context.Context) state.FetchEvent {
	return func(eventID string) (*types.PDU, error) {
		stored, err := r.DB.EventByID(ctx, eventID)
		if err != nil || stored == nil {
			return nil, err
		}
		return stored.PDU, nil
	}
}

// persistStateAtEvent records the shortstatehash for "state before this
// event" against the event itself, so later single-prev-event lookups
// (computeStateAtEvent's case 1) can resume from it directly.
func (r *Inputer) persistStateAtEvent(ctx context.Context, event *types.PDU, stateAtEvent types.StateMap) error {
	hash, _, _, err := r.Compressor.SaveState(0, stateAtEvent)
	if err != nil {
		return err
	}
	return r.DB.SetStateAtEvent(ctx, event.EventID, hash)
}

func (r *Inputer) resolveAndForceState(ctx context.Context, roomInfo *types.RoomInfo, event *types.PDU, stateAtEvent types.StateMap) error {
	after := types.StateMap{}
	for k, v := range stateAtEvent {
		after[k] = v
	}
	after[event.StateTuple()] = event.EventID

	currentHash, ok, err := r.DB.CurrentStateHash(ctx, roomInfo.RoomID)
	if err != nil {
		return err
	}
	var current types.StateMap
	if ok {
		current, err = r.Compressor.StateFullIDs(currentHash)
		if err != nil {
			return err
		}
	} else {
		current = types.StateMap{}
	}

	resolved, err := r.Resolver.Resolve(roomInfo.RoomVersion, []types.StateMap{after, current}, nil, r.fetchPDU(ctx))
	if err != nil {
		return err
	}
	newHash, _, _, err := r.Compressor.SaveState(currentHash, resolved)
	if err != nil {
		return err
	}
	return r.DB.SetCurrentStateHash(ctx, roomInfo.RoomID, newHash)
}

func (r *Inputer) currentStateHashFor(ctx context.Context, roomInfo *types.RoomInfo, fallback types.StateMap) (types.ShortStateHash, bool, error) {
	if hash, ok, err := r.DB.CurrentStateHash(ctx, roomInfo.RoomID); err == nil && ok {
		return hash, true, nil
	}
	hash, _, _, err := r.Compressor.SaveState(0, fallback)
	return hash, err == nil, err
}

// computeExtremities implements §4.8.3 step F: start from the room's
// current forward extremities, remove any listed in this event's
// prev_events, and add this event's id.
func computeExtremities(current []string, event *types.PDU) []string {
	prevSet := map[string]struct{}{}
	for _, id := range event.PrevEvents {
		prevSet[id] = struct{}{}
	}
	out := make([]string, 0, len(current)+1)
	for _, id := range current {
		if _, ok := prevSet[id]; ok {
			continue
		}
		out = append(out, id)
	}
	out = append(out, event.EventID)
	return out
}
