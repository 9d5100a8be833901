package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-labs/loa-finn/internal/core"
)

func genES256Key(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func marshalJWKSDoc(t *testing.T, keys map[string]*ecdsa.PublicKey) []byte {
	t.Helper()
	set := jwkSet{}
	for kid, pub := range keys {
		set.Keys = append(set.Keys, jwkKey{
			Kty: "EC", Crv: "P-256", Kid: kid,
			X: ecCoordinate(pub.X), Y: ecCoordinate(pub.Y),
			Alg: "ES256", Use: "sig",
		})
	}
	doc, err := json.Marshal(set)
	require.NoError(t, err)
	return doc
}

// fakeClock lets tests drive staleness transitions without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func TestStateTransitionsByAge(t *testing.T) {
	key := genES256Key(t)
	doc := marshalJWKSDoc(t, map[string]*ecdsa.PublicKey{"kid-1": &key.PublicKey})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(doc)
	}))
	defer srv.Close()

	clock := newFakeClock()
	cache := NewJWKSCache(JWKSConfig{URL: srv.URL, Now: clock.now})

	assert.Equal(t, JWKSDegraded, cache.State(), "no fetch yet")

	require.NoError(t, cache.Refresh(context.Background()))
	assert.Equal(t, JWKSHealthy, cache.State())

	clock.advance(16 * time.Minute)
	assert.Equal(t, JWKSStale, cache.State())

	clock.advance(25 * time.Hour)
	assert.Equal(t, JWKSDegraded, cache.State())
}

func TestDegradedPolicyKnownAndUnknownKid(t *testing.T) {
	key := genES256Key(t)
	doc := marshalJWKSDoc(t, map[string]*ecdsa.PublicKey{"kid-1": &key.PublicKey})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(doc)
	}))
	defer srv.Close()

	clock := newFakeClock()
	cache := NewJWKSCache(JWKSConfig{URL: srv.URL, Now: clock.now})
	require.NoError(t, cache.Refresh(context.Background()))
	fetchesAfterRefresh := hits.Load()

	clock.advance(25 * time.Hour)
	require.Equal(t, JWKSDegraded, cache.State())

	// Known kid still validates.
	got, err := cache.KeyFor(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.True(t, got.Equal(&key.PublicKey))

	// Unknown kid is rejected without a network call.
	_, err = cache.KeyFor(context.Background(), "kid-unknown")
	require.Error(t, err)
	assert.Equal(t, core.KindJWKSDegraded, core.KindOf(err))
	assert.Equal(t, fetchesAfterRefresh, hits.Load())
}

func TestUnknownKidTriggersOneRefresh(t *testing.T) {
	oldKey := genES256Key(t)
	newKey := genES256Key(t)
	rotated := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys := map[string]*ecdsa.PublicKey{"kid-old": &oldKey.PublicKey}
		if rotated.Load() {
			keys["kid-new"] = &newKey.PublicKey
		}
		w.Write(marshalJWKSDoc(t, keys))
	}))
	defer srv.Close()

	clock := newFakeClock()
	cache := NewJWKSCache(JWKSConfig{URL: srv.URL, Now: clock.now})
	require.NoError(t, cache.Refresh(context.Background()))

	// Rotation happens upstream; the next unknown-kid lookup refreshes.
	rotated.Store(true)
	clock.advance(2 * time.Second)

	got, err := cache.KeyFor(context.Background(), "kid-new")
	require.NoError(t, err)
	assert.True(t, got.Equal(&newKey.PublicKey))
}

func TestRefreshThrottledToOncePerSecond(t *testing.T) {
	var hits atomic.Int32
	key := genES256Key(t)
	doc := marshalJWKSDoc(t, map[string]*ecdsa.PublicKey{"kid-1": &key.PublicKey})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(doc)
	}))
	defer srv.Close()

	clock := newFakeClock()
	cache := NewJWKSCache(JWKSConfig{URL: srv.URL, Now: clock.now})

	for i := 0; i < 5; i++ {
		require.NoError(t, cache.Refresh(context.Background()))
	}
	assert.Equal(t, int32(1), hits.Load(), "refreshes inside one second collapse")

	clock.advance(2 * time.Second)
	require.NoError(t, cache.Refresh(context.Background()))
	assert.Equal(t, int32(2), hits.Load())
}

func TestFailureCircuitReturnsCachedSet(t *testing.T) {
	key := genES256Key(t)
	doc := marshalJWKSDoc(t, map[string]*ecdsa.PublicKey{"kid-1": &key.PublicKey})
	failing := atomic.Bool{}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(doc)
	}))
	defer srv.Close()

	clock := newFakeClock()
	cache := NewJWKSCache(JWKSConfig{URL: srv.URL, Now: clock.now})
	require.NoError(t, cache.Refresh(context.Background()))

	failing.Store(true)
	for i := 0; i < 5; i++ {
		clock.advance(2 * time.Second)
		require.Error(t, cache.Refresh(context.Background()))
	}
	tripped := hits.Load()

	// Circuit open: refreshes return the cached set unchanged, no fetch.
	clock.advance(2 * time.Second)
	require.NoError(t, cache.Refresh(context.Background()))
	assert.Equal(t, tripped, hits.Load())

	// The cached key still serves.
	got, err := cache.KeyFor(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.True(t, got.Equal(&key.PublicKey))
}

func TestInvalidateForcesDegraded(t *testing.T) {
	key := genES256Key(t)
	doc := marshalJWKSDoc(t, map[string]*ecdsa.PublicKey{"kid-1": &key.PublicKey})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(doc)
	}))
	defer srv.Close()

	cache := NewJWKSCache(JWKSConfig{URL: srv.URL})
	require.NoError(t, cache.Refresh(context.Background()))
	require.Equal(t, JWKSHealthy, cache.State())

	cache.Invalidate(context.Background())
	assert.Equal(t, JWKSDegraded, cache.State())

	// Known keys survive invalidation.
	_, err := cache.KeyFor(context.Background(), "kid-1")
	assert.NoError(t, err)
}

func TestParseSkipsNonES256Keys(t *testing.T) {
	key := genES256Key(t)
	set := jwkSet{Keys: []jwkKey{
		{Kty: "RSA", Kid: "rsa-1"},
		{Kty: "EC", Crv: "P-384", Kid: "p384-1"},
		{Kty: "EC", Crv: "P-256", Kid: "good", X: ecCoordinate(key.X), Y: ecCoordinate(key.Y)},
	}}
	doc, err := json.Marshal(set)
	require.NoError(t, err)

	keys, err := parseJWKS(doc)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Contains(t, keys, "good")
}

func TestParseRejectsEmptySet(t *testing.T) {
	_, err := parseJWKS([]byte(`{"keys":[{"kty":"RSA","kid":"only-rsa"}]}`))
	assert.Error(t, err)
}

func TestSnapshotRoundTrips(t *testing.T) {
	key := genES256Key(t)
	doc := marshalJWKSDoc(t, map[string]*ecdsa.PublicKey{"kid-1": &key.PublicKey})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(doc)
	}))
	defer srv.Close()

	cache := NewJWKSCache(JWKSConfig{URL: srv.URL})
	require.NoError(t, cache.Refresh(context.Background()))

	snap, err := cache.SnapshotJWKS()
	require.NoError(t, err)

	parsed, err := parseJWKS(snap)
	require.NoError(t, err)
	assert.True(t, parsed["kid-1"].Equal(&key.PublicKey))
}
