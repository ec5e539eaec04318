package acls

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAllowed_NoACLEventDefaultsToAllow(t *testing.T) {
	e := New()
	assert.True(t, e.IsAllowed("!room:example.org", "1", nil, "anything.example.org"))
}

func TestIsAllowed_MalformedContentDefaultsToAllow(t *testing.T) {
	e := New()
	assert.True(t, e.IsAllowed("!room:example.org", "1", []byte("not json"), "anything.example.org"))
}

func TestIsAllowed_EmptyAllowListIsBrokenAndDefaultsToAllow(t *testing.T) {
	e := New()
	content := []byte(`{"allow":[],"deny":["*.evil.org"]}`)
	assert.True(t, e.IsAllowed("!room:example.org", "1", content, "server.evil.org"),
		"an empty allow list makes the whole ACL broken, including its deny list")
}

func TestIsAllowed_DenyTakesPrecedenceOverAllow(t *testing.T) {
	e := New()
	content := []byte(`{"allow":["*"],"deny":["*.evil.org"]}`)
	assert.False(t, e.IsAllowed("!room:example.org", "1", content, "server.evil.org"))
	assert.True(t, e.IsAllowed("!room:example.org", "1", content, "server.good.org"))
}

func TestIsAllowed_OnlyMatchingAllowPasses(t *testing.T) {
	e := New()
	content := []byte(`{"allow":["*.trusted.org"]}`)
	assert.True(t, e.IsAllowed("!room:example.org", "1", content, "fed.trusted.org"))
	assert.False(t, e.IsAllowed("!room:example.org", "1", content, "fed.untrusted.org"))
}

func TestIsAllowed_CachesCompiledPatternsPerGeneration(t *testing.T) {
	e := New()
	content := []byte(`{"allow":["*.trusted.org"]}`)

	// Prime the cache.
	assert.True(t, e.IsAllowed("!room:example.org", "gen1", content, "fed.trusted.org"))

	// Same generation token with different (even malformed) content must
	// reuse the cached compile, not recompile — this is the whole point
	// of keying the cache on the state generation rather than content.
	assert.True(t, e.IsAllowed("!room:example.org", "gen1", []byte("garbage"), "fed.trusted.org"))

	// A new generation token must recompile against the new content.
	newContent := []byte(`{"allow":["*.other.org"]}`)
	assert.False(t, e.IsAllowed("!room:example.org", "gen2", newContent, "fed.trusted.org"))
	assert.True(t, e.IsAllowed("!room:example.org", "gen2", newContent, "fed.other.org"))
}
