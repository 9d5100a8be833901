package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loa-labs/loa-finn/internal/circuitbreaker"
	"github.com/loa-labs/loa-finn/internal/core"
)

// JWKSState classifies how fresh the trusted key set is.
type JWKSState int

const (
	// JWKSDegraded: no usable fetch yet, staleness beyond the hard limit,
	// or an explicit invalidation. Unknown kids are rejected without
	// touching the network.
	JWKSDegraded JWKSState = iota
	// JWKSHealthy: fetched recently; unknown kids trigger a refresh.
	JWKSHealthy
	// JWKSStale: past the quiescence threshold but still trusted.
	JWKSStale
)

func (s JWKSState) String() string {
	switch s {
	case JWKSHealthy:
		return "HEALTHY"
	case JWKSStale:
		return "STALE"
	case JWKSDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// eventPublisher is the slice of the store the cache needs for broadcast.
type eventPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// JWKSConfig configures the key cache.
type JWKSConfig struct {
	URL            string
	StaleThreshold time.Duration // default 15m
	MaxStaleness   time.Duration // default 24h; 1h in compromised mode
	HTTPClient     *http.Client  // default: 3s timeout
	Publisher      eventPublisher
	Now            func() time.Time
}

// JWKSCache holds the trusted public keys and classifies its own freshness.
// The key set is copy-on-write: readers take an immutable snapshot; refresh
// swaps the snapshot atomically.
type JWKSCache struct {
	url            string
	staleThreshold time.Duration
	maxStaleness   time.Duration
	httpClient     *http.Client
	publisher      eventPublisher
	now            func() time.Time
	breaker        *circuitbreaker.CircuitBreaker

	keys          atomic.Value // map[string]*ecdsa.PublicKey
	lastSuccessMs atomic.Int64 // 0 = never fetched / invalidated

	refreshMu   sync.Mutex
	lastAttempt time.Time
}

// NewJWKSCache starts in DEGRADED: nothing is trusted until the first fetch.
func NewJWKSCache(cfg JWKSConfig) *JWKSCache {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 15 * time.Minute
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = 24 * time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 3 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &JWKSCache{
		url:            cfg.URL,
		staleThreshold: cfg.StaleThreshold,
		maxStaleness:   cfg.MaxStaleness,
		httpClient:     cfg.HTTPClient,
		publisher:      cfg.Publisher,
		now:            cfg.Now,
		breaker:        circuitbreaker.New(circuitbreaker.RefreshConfig("jwks-refresh")),
	}
	c.keys.Store(map[string]*ecdsa.PublicKey{})
	return c
}

func (c *JWKSCache) snapshot() map[string]*ecdsa.PublicKey {
	return c.keys.Load().(map[string]*ecdsa.PublicKey)
}

// State derives the freshness class from the last successful fetch.
func (c *JWKSCache) State() JWKSState {
	last := c.lastSuccessMs.Load()
	if last == 0 {
		return JWKSDegraded
	}
	elapsed := c.now().Sub(time.UnixMilli(last))
	switch {
	case elapsed > c.maxStaleness:
		return JWKSDegraded
	case elapsed > c.staleThreshold:
		return JWKSStale
	default:
		return JWKSHealthy
	}
}

// KeyFor resolves a kid under the per-state policy: known kids are always
// accepted; unknown kids await at most one refresh, except in DEGRADED where
// no network call may hang the request.
func (c *JWKSCache) KeyFor(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	if key, ok := c.snapshot()[kid]; ok {
		return key, nil
	}

	// DEGRADED never touches the network on the request path; bootstrap
	// and recovery are the startup fetch and the scheduled refresh task.
	if c.State() == JWKSDegraded {
		return nil, core.Ef(core.KindJWKSDegraded, "unknown key id %q while key set is degraded", kid)
	}

	// HEALTHY and STALE await at most one refresh before rejecting: the
	// kid may belong to a freshly rotated key.
	if err := c.Refresh(ctx); err != nil {
		slog.Warn("[JWKSCache] refresh failed", "error", err)
	}
	if key, ok := c.snapshot()[kid]; ok {
		return key, nil
	}
	return nil, core.Ef(core.KindJWTInvalid, "unknown key id %q", kid)
}

// Refresh fetches the key set, at most once per second, behind the failure
// circuit. While the circuit is open (five consecutive failures) refreshes
// return the cached set unchanged.
func (c *JWKSCache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	now := c.now()
	if now.Sub(c.lastAttempt) < time.Second {
		return nil
	}
	c.lastAttempt = now

	_, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.fetch(ctx)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return nil
	}
	return err
}

func (c *JWKSCache) fetch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read jwks body: %w", err)
	}

	keys, err := parseJWKS(body)
	if err != nil {
		return err
	}

	c.keys.Store(keys)
	c.lastSuccessMs.Store(c.now().UnixMilli())
	slog.Info("[JWKSCache] refreshed", "keys", len(keys))
	return nil
}

// Invalidate forces DEGRADED. The cached keys stay usable for known kids;
// unknown kids are rejected until a fresh fetch succeeds.
func (c *JWKSCache) Invalidate(ctx context.Context) {
	c.lastSuccessMs.Store(0)
	slog.Warn("[JWKSCache] invalidated, key set degraded until next successful fetch")
	if c.publisher != nil {
		payload, _ := json.Marshal(map[string]string{
			"type": "jwks.invalidated",
			"at":   c.now().UTC().Format(time.RFC3339),
		})
		if err := c.publisher.Publish(ctx, "finn.jwks.invalidated", payload); err != nil {
			slog.Warn("[JWKSCache] publish invalidation event failed", "error", err)
		}
	}
}

// Status is the health-surface view of the cache.
type Status struct {
	State       string    `json:"state"`
	KeyCount    int       `json:"key_count"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

func (c *JWKSCache) Status() Status {
	st := Status{State: c.State().String(), KeyCount: len(c.snapshot())}
	if last := c.lastSuccessMs.Load(); last != 0 {
		st.LastSuccess = time.UnixMilli(last).UTC()
	}
	return st
}

// jwkKey is one entry of a JWK set document. Only ES256 keys are trusted.
type jwkKey struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Kid string `json:"kid"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
}

type jwkSet struct {
	Keys []jwkKey `json:"keys"`
}

func parseJWKS(data []byte) (map[string]*ecdsa.PublicKey, error) {
	var set jwkSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse jwks document: %w", err)
	}

	keys := make(map[string]*ecdsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "EC" || k.Crv != "P-256" || k.Kid == "" {
			slog.Warn("[JWKSCache] skipping unsupported key", "kty", k.Kty, "crv", k.Crv, "kid", k.Kid)
			continue
		}
		pub, err := parseECKey(k)
		if err != nil {
			slog.Warn("[JWKSCache] skipping malformed key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks document contains no usable ES256 keys")
	}
	return keys, nil
}

func parseECKey(k jwkKey) (*ecdsa.PublicKey, error) {
	xb, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xb),
		Y:     new(big.Int).SetBytes(yb),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("point not on P-256")
	}
	return pub, nil
}

// SnapshotJWKS re-serializes the trusted set for the /.well-known mirror.
func (c *JWKSCache) SnapshotJWKS() ([]byte, error) {
	snap := c.snapshot()
	set := jwkSet{Keys: make([]jwkKey, 0, len(snap))}
	for kid, pub := range snap {
		set.Keys = append(set.Keys, jwkKey{
			Kty: "EC",
			Crv: "P-256",
			Kid: kid,
			X:   ecCoordinate(pub.X),
			Y:   ecCoordinate(pub.Y),
			Alg: "ES256",
			Use: "sig",
		})
	}
	return json.Marshal(set)
}

func ecCoordinate(v *big.Int) string {
	buf := make([]byte, 32)
	v.FillBytes(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
