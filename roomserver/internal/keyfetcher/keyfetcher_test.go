package keyfetcher

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshline-im/meshline/internal/ratelimit"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]ServerKeys
}

func newMemStore() *memStore { return &memStore{data: make(map[string]ServerKeys)} }

func (s *memStore) StoredKeys(_ context.Context, server string) (ServerKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[server], nil
}

func (s *memStore) StoreKeys(_ context.Context, server string, keys ServerKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.data[server]
	if existing == nil {
		existing = ServerKeys{}
	}
	for k, v := range keys {
		existing[k] = v
	}
	s.data[server] = existing
	return nil
}

type fakeSource struct {
	originKeys  map[string]ServerKeys
	originCalls int
	notaryCalls int
}

func (f *fakeSource) GetServerKeys(_ context.Context, server string) (ServerKeys, error) {
	f.originCalls++
	return f.originKeys[server], nil
}

func (f *fakeSource) GetRemoteServerKeys(_ context.Context, notary, target string, keyIDs []string, _ time.Time) (ServerKeys, error) {
	f.notaryCalls++
	return f.originKeys[target], nil
}

func (f *fakeSource) GetRemoteServerKeyBatch(_ context.Context, notary string, req map[string][]string) (map[string]ServerKeys, error) {
	f.notaryCalls++
	out := make(map[string]ServerKeys, len(req))
	for server := range req {
		out[server] = f.originKeys[server]
	}
	return out, nil
}

func testKey() ed25519.PublicKey {
	_, pub, _ := ed25519.GenerateKey(nil)
	return pub
}

func TestFetchSigningKeys_HitsStoreBeforeSource(t *testing.T) {
	store := newMemStore()
	key := testKey()
	require.NoError(t, store.StoreKeys(context.Background(), "origin.example.org", ServerKeys{"ed25519:1": key}))

	source := &fakeSource{originKeys: map[string]ServerKeys{}}
	f, err := New(Config{}, source, store, ratelimit.New())
	require.NoError(t, err)

	keys, err := f.FetchSigningKeys(context.Background(), "origin.example.org", []string{"ed25519:1"})
	require.NoError(t, err)
	assert.Equal(t, key, keys["ed25519:1"])
	assert.Equal(t, 0, source.originCalls, "a full store hit should never reach the source")
}

func TestFetchSigningKeys_FallsBackToOrigin(t *testing.T) {
	store := newMemStore()
	key := testKey()
	source := &fakeSource{originKeys: map[string]ServerKeys{"origin.example.org": {"ed25519:1": key}}}
	f, err := New(Config{}, source, store, ratelimit.New())
	require.NoError(t, err)

	keys, err := f.FetchSigningKeys(context.Background(), "origin.example.org", []string{"ed25519:1"})
	require.NoError(t, err)
	assert.Equal(t, key, keys["ed25519:1"])
	assert.Equal(t, 1, source.originCalls)

	stored, err := store.StoredKeys(context.Background(), "origin.example.org")
	require.NoError(t, err)
	assert.Contains(t, stored, "ed25519:1", "a successful fetch persists to the durable store")
}

func TestFetchSigningKeys_NotaryFirstPrefersNotary(t *testing.T) {
	store := newMemStore()
	key := testKey()
	source := &fakeSource{originKeys: map[string]ServerKeys{"origin.example.org": {"ed25519:1": key}}}
	f, err := New(Config{TrustedServers: []string{"notary.example.org"}, QueryTrustedKeyServersFirst: true}, source, store, ratelimit.New())
	require.NoError(t, err)

	keys, err := f.FetchSigningKeys(context.Background(), "origin.example.org", []string{"ed25519:1"})
	require.NoError(t, err)
	assert.Equal(t, key, keys["ed25519:1"])
	assert.Equal(t, 1, source.notaryCalls)
	assert.Equal(t, 0, source.originCalls, "notary-first should satisfy the request without ever falling through to origin")
}

func TestFetchSigningKeys_FailureEntersBackoff(t *testing.T) {
	store := newMemStore()
	source := &fakeSource{originKeys: map[string]ServerKeys{}}
	bad := ratelimit.New()
	f, err := New(Config{}, source, store, bad)
	require.NoError(t, err)

	_, err = f.FetchSigningKeys(context.Background(), "missing.example.org", []string{"ed25519:1"})
	assert.Error(t, err)

	_, err = f.FetchSigningKeys(context.Background(), "missing.example.org", []string{"ed25519:1"})
	assert.Error(t, err, "a second attempt while in backoff must also fail")
}

func TestCacheInspection_ShowsFetchedServers(t *testing.T) {
	store := newMemStore()
	key := testKey()
	source := &fakeSource{originKeys: map[string]ServerKeys{"origin.example.org": {"ed25519:1": key}}}
	f, err := New(Config{}, source, store, ratelimit.New())
	require.NoError(t, err)

	_, err = f.FetchSigningKeys(context.Background(), "origin.example.org", []string{"ed25519:1"})
	require.NoError(t, err)

	assert.Contains(t, f.CachedServers(), "origin.example.org")
	cached, ok := f.CacheEntry("origin.example.org")
	require.True(t, ok)
	assert.Equal(t, key, cached["ed25519:1"])

	f.EvictCache("origin.example.org")
	_, ok = f.CacheEntry("origin.example.org")
	assert.False(t, ok)
}

func TestBatchFetch_FetchesEachOriginIndependently(t *testing.T) {
	store := newMemStore()
	keyA, keyB := testKey(), testKey()
	source := &fakeSource{originKeys: map[string]ServerKeys{
		"a.example.org": {"ed25519:1": keyA},
		"b.example.org": {"ed25519:1": keyB},
	}}
	f, err := New(Config{}, source, store, ratelimit.New())
	require.NoError(t, err)

	results, err := f.BatchFetch(context.Background(), map[string][]string{
		"a.example.org": {"ed25519:1"},
		"b.example.org": {"ed25519:1"},
	})
	require.NoError(t, err)
	assert.Equal(t, keyA, results["a.example.org"]["ed25519:1"])
	assert.Equal(t, keyB, results["b.example.org"]["ed25519:1"])
}
