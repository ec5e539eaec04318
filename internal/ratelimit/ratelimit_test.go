package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWait_NoEntryIsClear(t *testing.T) {
	l := New()
	assert.False(t, l.InBackoff("server.example.org"))
	assert.Equal(t, time.Duration(0), l.Wait("server.example.org"))
}

func TestFail_Backs_Off_Per_Try(t *testing.T) {
	now := time.Now()
	l := New()
	l.now = func() time.Time { return now }

	l.Fail("server.example.org")
	assert.Equal(t, 1, l.Tries("server.example.org"))
	assert.True(t, l.InBackoff("server.example.org"))
	assert.Equal(t, baseWait, l.Wait("server.example.org"))

	l.Fail("server.example.org")
	assert.Equal(t, 2, l.Tries("server.example.org"))
	assert.Equal(t, baseWait*4, l.Wait("server.example.org"))
}

func TestFail_CapsAt24Hours(t *testing.T) {
	now := time.Now()
	l := New()
	l.now = func() time.Time { return now }
	for i := 0; i < 100; i++ {
		l.Fail("server.example.org")
	}
	assert.Equal(t, capWait, l.Wait("server.example.org"))
}

func TestWait_ClearsOnceElapsed(t *testing.T) {
	current := time.Now()
	l := New()
	l.now = func() time.Time { return current }
	l.Fail("server.example.org")
	require.True(t, l.InBackoff("server.example.org"))

	current = current.Add(baseWait + time.Second)
	assert.False(t, l.InBackoff("server.example.org"))
}

func TestFail_NeverClearedOnSuccess(t *testing.T) {
	l := New()
	l.Fail("server.example.org")
	l.Fail("server.example.org")
	// There's no "Succeed" method: per §4.8.4, entries only ever age out
	// by elapsed time, never by an explicit success signal.
	assert.Equal(t, 2, l.Tries("server.example.org"))
}

func TestEntries_SnapshotsAllIDs(t *testing.T) {
	l := New()
	l.Fail("a.example.org")
	l.Fail("b.example.org")
	l.Fail("b.example.org")

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries["a.example.org"].Tries)
	assert.Equal(t, 2, entries["b.example.org"].Tries)
}

func TestReset_ClearsEntryImmediately(t *testing.T) {
	l := New()
	l.Fail("server.example.org")
	require.True(t, l.InBackoff("server.example.org"))

	l.Reset("server.example.org")
	assert.False(t, l.InBackoff("server.example.org"))
	assert.Equal(t, 0, l.Tries("server.example.org"))
}

func TestGC_DropsStaleEntries(t *testing.T) {
	current := time.Now()
	l := New()
	l.now = func() time.Time { return current }
	l.Fail("stale.example.org")

	current = current.Add(gcAge + time.Hour)
	l.gc()

	assert.Equal(t, 0, l.Tries("stale.example.org"))
	assert.Empty(t, l.Entries())
}
