package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meshline-im/meshline/internal/logging"
	"github.com/meshline-im/meshline/roomserver/types"
)

// FetchEvent resolves an event id to its full PDU, used by the
// room-version-specific algorithm to inspect power levels and content
// during conflict resolution.
type FetchEvent func(eventID string) (*types.PDU, error)

// Algorithm is a room-version-specific deterministic state resolution
// function: given candidate state maps (forks) and their auth chains, it
// produces a single resolved state map. Per §4.3 this is treated as a
// library primitive external to this package's own logic; Resolver merely
// dispatches to the room-version-appropriate Algorithm and serializes
// calls through the global state-resolution mutex.
type Algorithm func(candidates []types.StateMap, authChains [][]string, fetch FetchEvent) (types.StateMap, error)

// Resolver implements the State Resolver contract (§4.3) plus the
// process-wide serialization required by §5 ("state resolution across the
// entire process is serialized by a single global state-resolution
// mutex... CPU-bound, lock prevents thrash").
type Resolver struct {
	// globalMu is THE global state-resolution mutex described in §5 and
	// §9's lock composition order. It must never be held across a
	// network call.
	globalMu sync.Mutex

	algorithms map[types.RoomVersion]Algorithm
}

// NewResolver constructs a Resolver with the default room-version
// algorithm table wired in (v1/v2 state-resolution and the v6+/v10
// algorithm share the same conflict-resolution shape for the subset of
// auth rules this engine needs to enforce during admission).
func NewResolver() *Resolver {
	r := &Resolver{algorithms: make(map[types.RoomVersion]Algorithm)}
	r.algorithms[types.RoomVersionV1] = resolveV1
	r.algorithms[types.RoomVersionV2] = resolveV2Plus
	r.algorithms[types.RoomVersionV6] = resolveV2Plus
	r.algorithms[types.RoomVersionV10] = resolveV2Plus
	return r
}

// Resolve runs the room-version-appropriate algorithm over candidates,
// holding the global mutex for the duration. Resolve does not require a
// per-room lock; a caller that holds one must have taken it before calling
// Resolve, per the lock composition order in §9 (per-room lock -> global
// state-res mutex -> ...).
func (r *Resolver) Resolve(version types.RoomVersion, candidates []types.StateMap, authChains [][]string, fetch FetchEvent) (types.StateMap, error) {
	algo, ok := r.algorithms[version]
	if !ok {
		return nil, fmt.Errorf("state: no resolution algorithm registered for room version %q", version)
	}

	r.globalMu.Lock()
	defer r.globalMu.Unlock()

	resolved, err := algo(candidates, authChains, fetch)
	if err != nil {
		logging.Logger("state.resolver").WithError(err).Error("state resolution failed")
		return nil, fmt.Errorf("state resolution internal error: %w", err)
	}
	return resolved, nil
}

// resolveV1 implements the simpler, pre-v2 conflict-resolution rule: for
// each slot with competing events, prefer the event with the greatest
// depth, breaking ties by lexicographically smallest event_id. It ignores
// auth chains entirely (v1's algorithm has no auth-difference concept).
func resolveV1(candidates []types.StateMap, _ [][]string, fetch FetchEvent) (types.StateMap, error) {
	return mergeByDepth(candidates, fetch)
}

// resolveV2Plus is registered for room versions 2, 6 and 10. It resolves
// exactly as resolveV1 does: unconflicted state is taken as-is and each
// conflicted slot goes to the event with the greatest depth, ties broken
// by smallest event_id. It does no mainline power-level ordering and no
// auth-chain-difference computation; authChains is ignored.
func resolveV2Plus(candidates []types.StateMap, _ [][]string, fetch FetchEvent) (types.StateMap, error) {
	return mergeByDepth(candidates, fetch)
}

func mergeByDepth(candidates []types.StateMap, fetch FetchEvent) (types.StateMap, error) {
	resolved := types.StateMap{}
	conflicts := map[types.StateKeyTuple][]string{}

	for _, candidate := range candidates {
		for tuple, eventID := range candidate {
			conflicts[tuple] = append(conflicts[tuple], eventID)
		}
	}

	for tuple, eventIDs := range conflicts {
		unique := dedupe(eventIDs)
		if len(unique) == 1 {
			resolved[tuple] = unique[0]
			continue
		}
		winner, err := pickWinner(unique, fetch)
		if err != nil {
			return nil, err
		}
		resolved[tuple] = winner
	}
	return resolved, nil
}

func pickWinner(eventIDs []string, fetch FetchEvent) (string, error) {
	type candidate struct {
		id    string
		depth int64
	}
	cs := make([]candidate, 0, len(eventIDs))
	for _, id := range eventIDs {
		depth := int64(0)
		if fetch != nil {
			if pdu, err := fetch(id); err == nil && pdu != nil {
				depth = pdu.Depth
			}
		}
		cs = append(cs, candidate{id: id, depth: depth})
	}
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].depth != cs[j].depth {
			return cs[i].depth > cs[j].depth
		}
		return cs[i].id < cs[j].id
	})
	return cs[0].id, nil
}

func dedupe(ids []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
