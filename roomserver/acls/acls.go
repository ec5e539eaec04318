// Package acls implements the ACL Evaluator (§4.4): reads a room's current
// m.room.server_acl state event and decides whether a given origin server
// is permitted to participate in the room.
package acls

import (
	"encoding/json"
	"sync"

	"github.com/gobwas/glob"
)

// aclContent is the shape of m.room.server_acl's content field.
type aclContent struct {
	Allow    []string `json:"allow"`
	Deny     []string `json:"deny"`
	AllowIPs bool      `json:"allow_ip_literals"`
}

type compiled struct {
	allow    []glob.Glob
	deny     []glob.Glob
	allowIPs bool
	// broken is true when the allow list is present but empty: per
	// §4.4, such an ACL is treated as malformed and ignored entirely
	// (defaults to allow), mirroring the original implementation's
	// acl_check handling of an empty allow list.
	broken bool
}

// Evaluator evaluates server ACLs, caching compiled glob sets per room per
// shortstatehash generation so that re-checking many PDUs against an
// unchanged ACL event never recompiles patterns.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]compiledEntry // room_id -> last compiled state
}

type compiledEntry struct {
	stateGeneration string
	compiled        compiled
}

// New constructs an empty Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]compiledEntry)}
}

// IsAllowed reports whether origin may participate in roomID, given the
// raw content (may be nil if no ACL event exists) and a generation token
// identifying the state snapshot the content was read from (typically the
// shortstatehash, stringified) used for cache invalidation.
func (e *Evaluator) IsAllowed(roomID, stateGeneration string, aclEventContent []byte, origin string) bool {
	c := e.compiledFor(roomID, stateGeneration, aclEventContent)
	if c.broken {
		return true
	}
	for _, d := range c.deny {
		if d.Match(origin) {
			return false
		}
	}
	for _, a := range c.allow {
		if a.Match(origin) {
			return true
		}
	}
	// No ACL event at all compiles to a zero-value compiled{} with both
	// lists empty and broken=false; absent-ACL defaults to allow per
	// §4.4, handled by the caller passing nil content (see compile).
	return len(c.allow) == 0 && len(c.deny) == 0
}

func (e *Evaluator) compiledFor(roomID, stateGeneration string, content []byte) compiled {
	e.mu.RLock()
	entry, ok := e.cache[roomID]
	e.mu.RUnlock()
	if ok && entry.stateGeneration == stateGeneration {
		return entry.compiled
	}

	c := compile(content)
	e.mu.Lock()
	e.cache[roomID] = compiledEntry{stateGeneration: stateGeneration, compiled: c}
	e.mu.Unlock()
	return c
}

func compile(content []byte) compiled {
	if len(content) == 0 {
		return compiled{}
	}
	var parsed aclContent
	if err := json.Unmarshal(content, &parsed); err != nil {
		// Malformed event: default to allow, same as an absent ACL.
		return compiled{}
	}
	if len(parsed.Allow) == 0 {
		// Present but empty allow list: the ACL is broken and ignored
		// entirely, per §4.4 and the original's acl_check.
		return compiled{broken: true}
	}

	c := compiled{allowIPs: parsed.AllowIPs}
	for _, pattern := range parsed.Allow {
		if g, err := glob.Compile(pattern); err == nil {
			c.allow = append(c.allow, g)
		}
	}
	for _, pattern := range parsed.Deny {
		if g, err := glob.Compile(pattern); err == nil {
			c.deny = append(c.deny, g)
		}
	}
	return c
}
