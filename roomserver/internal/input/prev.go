package input

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/meshline-im/meshline/roomserver/api"
	"github.com/meshline-im/meshline/roomserver/types"
)

// fetchUnknownPrevEvents implements §4.8 step 7: build the set of unknown
// ancestors reachable via prev_events, stopping at events older than
// first, handling each as an outlier, and capping the traversal at
// MaxFetchPrevEvents (synthesizing an empty-prev node to terminate the
// graph on overflow).
func (r *Inputer) fetchUnknownPrevEvents(ctx context.Context, logger *logrus.Entry, origin string, event *types.PDU, first *types.PDU) ([]*types.PDU, error) {
	seen := map[string]struct{}{event.EventID: {}}
	var frontier []string
	frontier = append(frontier, event.PrevEvents...)
	var collected []*types.PDU
	collected = append(collected, event)

	limit := r.MaxFetchPrevEvents
	if limit <= 0 {
		limit = 100
	}

	for len(frontier) > 0 && len(collected) < limit {
		id := frontier[0]
		frontier = frontier[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		if existing, _ := r.DB.EventByID(ctx, id); existing != nil {
			continue
		}

		resp, err := r.Federation.GetEvent(ctx, origin, event.RoomID, id)
		if err != nil {
			logger.WithError(err).WithField("prev_event_id", id).Debug("failed to fetch prev event")
			continue
		}
		pdu := resp.PDU
		if first != nil && pdu.OriginServerTS < first.OriginServerTS {
			continue
		}

		stored, err := r.handleOutlierPDU(ctx, logger, origin, pdu, canonicalize(pdu), false)
		if err != nil {
			logger.WithError(err).WithField("prev_event_id", id).Debug("prev event failed outlier admission")
			continue
		}
		collected = append(collected, stored.PDU)
		frontier = append(frontier, pdu.PrevEvents...)
	}

	if len(frontier) > 0 {
		// Cap reached: synthesize an empty-prev terminator so the graph
		// traversal has a well-defined edge rather than dangling
		// references to events we gave up fetching, per §4.8 step 7.
		collected = append(collected, &types.PDU{
			EventID:    "$synthetic-prev-terminator:" + event.RoomID,
			RoomID:     event.RoomID,
			PrevEvents: nil,
			Depth:      0,
		})
	}
	return collected, nil
}

// processPrevEvents implements §4.8 step 9: process each prev event in
// topological order, consulting the bad-event ratelimiter, escalating to
// mark-as-failed after 5 accumulated errors, and promoting each via steps
// 11-14. Failures are isolated per §7 and never abort the batch.
func (r *Inputer) processPrevEvents(ctx context.Context, logger *logrus.Entry, origin, roomID string, ordered []*types.PDU) {
	errorCount := 0
	for _, pdu := range ordered {
		if pdu.EventID == "" {
			continue
		}
		if r.BadEvents.InBackoff(pdu.EventID) {
			continue
		}
		if errorCount >= 5 {
			// Past the accumulated-error threshold: stop attempting and
			// just mark remaining prevs as failed, per §4.8 step 9.
			r.BadEvents.Fail(pdu.EventID)
			continue
		}

		// promoteOutlierToTimeline takes r.RoomLocks itself (step E); do
		// not hold it here too, or the second Lock for the same room id
		// deadlocks against ByRoom's plain non-reentrant sync.Mutex.
		stored, err := r.DB.EventByID(ctx, pdu.EventID)
		roomInfo, rerr := r.DB.RoomInfo(ctx, roomID)
		var perr error
		if err == nil && stored != nil && rerr == nil && roomInfo != nil {
			_, perr = r.promoteOutlierToTimeline(ctx, logger, roomInfo, stored, &api.InputRoomEvent{
				Kind:   api.KindOld,
				Origin: origin,
				Event:  pdu,
			})
		} else if err != nil {
			perr = err
		} else if rerr != nil {
			perr = rerr
		}

		if perr != nil {
			errorCount++
			r.BadEvents.Fail(pdu.EventID)
			logger.WithError(perr).WithField("prev_event_id", pdu.EventID).Debug("failed to promote prev event to timeline")
		}
	}
}
