// Package ratelimit implements the bad-event and bad-signature
// ratelimiters: process-wide maps from id to (last_attempt_time,
// consecutive_failures) driving exponential backoff, per §4.8.4.
//
// The schedule is fixed: min_wait = 5 minutes * tries^2, capped at 24
// hours. Entries are never removed on success — they age out implicitly
// once elapsed time exceeds the computed wait, per the Open Question
// decision recorded in DESIGN.md to match the original implementation
// rather than clear on success.
package ratelimit

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meshline-im/meshline/internal/logging"
	"github.com/meshline-im/meshline/roomserver/types"
)

const (
	baseWait = 5 * time.Minute
	capWait  = 24 * time.Hour
	// entries whose last attempt is older than this are GC'd entirely by
	// the periodic cleanup task — they're long past backing off and are
	// just taking up memory.
	gcAge = 48 * time.Hour
)

// Limiter is a single process-wide bad-{event,signature} ratelimiter
// keyed by arbitrary string ids (event ids, or a joined key-id set for
// signature failures).
type Limiter struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

type entry struct {
	lastAttempt time.Time
	tries       int
}

// New constructs an empty Limiter.
func New() *Limiter {
	return &Limiter{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Wait returns how much longer the caller must wait before retrying id, or
// zero if it is clear to proceed now.
func (l *Limiter) Wait(id string) time.Duration {
	l.mu.RLock()
	e, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	backoff := backoffFor(e.tries)
	elapsed := l.now().Sub(e.lastAttempt)
	if elapsed >= backoff {
		return 0
	}
	return backoff - elapsed
}

// InBackoff reports whether id is currently within its backoff window.
func (l *Limiter) InBackoff(id string) bool {
	return l.Wait(id) > 0
}

// Fail records a failure for id: either creates a (now, 1) entry or
// increments an existing one's try count, per §4.8.4.
func (l *Limiter) Fail(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		l.entries[id] = entry{lastAttempt: l.now(), tries: 1}
		return
	}
	e.lastAttempt = l.now()
	e.tries++
	l.entries[id] = e
}

// Tries returns the current consecutive-failure count for id (0 if none).
func (l *Limiter) Tries(id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[id].tries
}

// Entries returns a snapshot of every tracked id. Nothing in this module
// calls it yet; cmd/meshline-admin has no ratelimiter command.
func (l *Limiter) Entries() map[string]types.RatelimitEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]types.RatelimitEntry, len(l.entries))
	for id, e := range l.entries {
		out[id] = types.RatelimitEntry{LastAttempt: e.lastAttempt, Tries: e.tries}
	}
	return out
}

// Reset drops id's entry entirely, letting the next attempt proceed
// immediately regardless of its prior failure count. Like Entries, it has
// no caller in cmd/meshline-admin.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
}

func backoffFor(tries int) time.Duration {
	if tries <= 0 {
		return 0
	}
	wait := baseWait * time.Duration(tries*tries)
	if wait > capWait {
		return capWait
	}
	return wait
}

// gc drops entries whose last attempt is old enough that they can no
// longer be in backoff under any try count, freeing memory from servers
// that have gone away for good.
func (l *Limiter) gc() {
	cutoff := l.now().Add(-gcAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.entries {
		if e.lastAttempt.Before(cutoff) {
			delete(l.entries, id)
		}
	}
}

// StartCleanupTask registers a cron job that periodically garbage-collects
// stale ratelimiter entries across both the bad-event and bad-signature
// limiters. Returns the running cron.Cron so the caller can Stop it on
// shutdown.
func StartCleanupTask(badEvents, badSignatures *Limiter, schedule string) *cron.Cron {
	log := logging.Logger("ratelimit")
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		badEvents.gc()
		badSignatures.gc()
		log.Debug("ratelimiter cleanup sweep complete")
	})
	if err != nil {
		log.WithError(err).Error("failed to schedule ratelimiter cleanup")
		return c
	}
	c.Start()
	return c
}
