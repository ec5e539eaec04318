package state

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// EventAuthLookup resolves an event id to the auth_events it declares;
// supplied by roomserver/storage.
type EventAuthLookup interface {
	AuthEventIDs(eventID string) ([]string, error)
}

// AuthChainIndex implements the Auth-Chain Index (§4.6): for any set of
// events, returns their transitive auth-event closure, memoizing each
// event's direct auth_events per (room_id, event_id) to avoid repeated
// storage lookups.
type AuthChainIndex struct {
	lookup EventAuthLookup
	cache  *lru.Cache[string, []string]
}

// NewAuthChainIndex constructs an index over lookup with a bounded
// memoization cache.
func NewAuthChainIndex(lookup EventAuthLookup) (*AuthChainIndex, error) {
	cache, err := lru.New[string, []string](4096)
	if err != nil {
		return nil, err
	}
	return &AuthChainIndex{lookup: lookup, cache: cache}, nil
}

// GetAuthChain computes the transitive closure of auth_events reachable
// from startingEvents, for roomID. Each event's direct auth_events list is
// memoized per (room_id, event_id), so repeated calls across overlapping
// event sets skip the storage lookups; the closure itself is walked again
// on every call.
func (a *AuthChainIndex) GetAuthChain(roomID string, startingEvents []string) ([]string, error) {
	seen := map[string]struct{}{}
	var result []string

	var visit func(eventID string) error
	visit = func(eventID string) error {
		if _, ok := seen[eventID]; ok {
			return nil
		}
		seen[eventID] = struct{}{}

		cacheKey := roomID + "|" + eventID
		if cached, ok := a.cache.Get(cacheKey); ok {
			for _, id := range cached {
				if err := visit(id); err != nil {
					return err
				}
			}
			result = append(result, eventID)
			return nil
		}

		authIDs, err := a.lookup.AuthEventIDs(eventID)
		if err != nil {
			return err
		}
		a.cache.Add(cacheKey, authIDs)
		for _, id := range authIDs {
			if err := visit(id); err != nil {
				return err
			}
		}
		result = append(result, eventID)
		return nil
	}

	for _, id := range startingEvents {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return result, nil
}
