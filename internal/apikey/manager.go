package apikey

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loa-labs/loa-finn/internal/core"
)

// eventPublisher is the slice of the store used to broadcast revocations so
// sibling processes can drop their cache entries.
type eventPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Manager is the API-key front: creation, validation with the TTL cache,
// revocation, and the atomic debit. The pepper is handed in once at
// construction; nothing re-reads the environment.
type Manager struct {
	store     KeyStore
	cache     *validationCache
	pepper    []byte
	publisher eventPublisher
}

// ManagerConfig wires the manager. Publisher may be nil (tests).
type ManagerConfig struct {
	Store     KeyStore
	Pepper    []byte
	Publisher eventPublisher
	Now       func() time.Time
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:     cfg.Store,
		cache:     newValidationCache(cfg.Now),
		pepper:    cfg.Pepper,
		publisher: cfg.Publisher,
	}
}

// Create mints a key for tenantID with the given starting balance. The
// returned plaintext is shown once and never stored.
func (m *Manager) Create(ctx context.Context, tenantID, label string, balanceMicro int64) (*GeneratedKey, error) {
	gen, err := Generate()
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "generate api key", err)
	}
	verifier, err := HashSecret(gen.Secret)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "hash api key secret", err)
	}

	rec := &Record{
		KeyID:        gen.KeyID,
		TenantID:     tenantID,
		LookupHash:   LookupHash(m.pepper, gen.Plaintext),
		VerifierHash: verifier,
		Label:        label,
		BalanceMicro: balanceMicro,
	}
	if err := m.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	slog.Info("[ApiKeyManager] key created", "key_id", gen.KeyID, "tenant_id", tenantID)
	return gen, nil
}

// Validate resolves a plaintext key to its secret-free view. The cache is
// consulted before the store; a revoked sentinel hit refuses without any
// store read. Shape failures and verifier mismatches are both
// API_KEY_INVALID so the response does not reveal which half was wrong.
func (m *Manager) Validate(ctx context.Context, plaintext string) (*ValidatedKey, error) {
	_, secret, ok := ParsePlaintext(plaintext)
	if !ok {
		return nil, core.E(core.KindAPIKeyInvalid, "malformed api key")
	}

	lookupHash := LookupHash(m.pepper, plaintext)
	if entry, hit := m.cache.get(lookupHash); hit {
		if entry.revoked {
			return nil, core.E(core.KindAPIKeyRevoked, "api key is revoked")
		}
		return entry.key, nil
	}

	rec, err := m.store.GetByLookupHash(ctx, lookupHash)
	if err != nil {
		if core.KindOf(err) == core.KindKeyNotFound {
			return nil, core.E(core.KindAPIKeyInvalid, "unknown api key")
		}
		return nil, err
	}
	if rec.Revoked {
		m.cache.putRevoked(lookupHash)
		return nil, core.E(core.KindAPIKeyRevoked, "api key is revoked")
	}
	if !VerifySecret(secret, rec.VerifierHash) {
		return nil, core.E(core.KindAPIKeyInvalid, "api key verification failed")
	}

	valid := &ValidatedKey{
		KeyID:        rec.KeyID,
		TenantID:     rec.TenantID,
		Label:        rec.Label,
		BalanceMicro: rec.BalanceMicro,
	}
	m.cache.putValid(lookupHash, valid)
	return valid, nil
}

// Revoke marks the key revoked, writes the cache sentinel, and broadcasts
// the revocation. Only the owning tenant may revoke; a foreign key id reads
// as not found so key ids are not probeable.
func (m *Manager) Revoke(ctx context.Context, tenantID, keyID string) error {
	rec, err := m.store.GetByKeyID(ctx, keyID)
	if err != nil {
		return err
	}
	if rec.TenantID != tenantID {
		return core.E(core.KindKeyNotFound, "api key not found")
	}

	if err := m.store.Revoke(ctx, keyID); err != nil {
		return err
	}
	m.cache.putRevoked(rec.LookupHash)

	slog.Info("[ApiKeyManager] key revoked", "key_id", keyID, "tenant_id", tenantID)
	if m.publisher != nil {
		payload, _ := json.Marshal(map[string]string{"type": "apikey.revoked", "key_id": keyID})
		if err := m.publisher.Publish(ctx, "finn.apikey.revoked", payload); err != nil {
			slog.Warn("[ApiKeyManager] publish revocation failed", "key_id", keyID, "error", err)
		}
	}
	return nil
}

// Balance reads the current balance for a tenant-owned key.
func (m *Manager) Balance(ctx context.Context, tenantID, keyID string) (int64, error) {
	rec, err := m.store.GetByKeyID(ctx, keyID)
	if err != nil {
		return 0, err
	}
	if rec.TenantID != tenantID {
		return 0, core.E(core.KindKeyNotFound, "api key not found")
	}
	return rec.BalanceMicro, nil
}

// Debit atomically charges costMicro against keyID, keyed by requestID for
// idempotency. The cache entry is invalidated so the next validation sees
// the fresh balance.
func (m *Manager) Debit(ctx context.Context, keyID, requestID string, costMicro int64, eventType string) (*DebitResult, error) {
	res, err := m.store.Debit(ctx, keyID, requestID, costMicro, eventType)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SweepCache drops expired cache entries; the scheduler calls this.
func (m *Manager) SweepCache() {
	if n := m.cache.sweep(); n > 0 {
		slog.Debug("[ApiKeyManager] cache sweep", "removed", n)
	}
}

// DropCached removes the cache entry for a lookup hash; the pub/sub listener
// calls this when a sibling process revokes a key.
func (m *Manager) DropCached(lookupHash string) {
	m.cache.invalidate(lookupHash)
}
