// Package apikey manages the paid-tier API keys: dk_-prefixed plaintext
// format, peppered lookup hashes, argon2id verifier hashes, a short TTL
// cache with a revoked sentinel, and the atomic credit debit with idempotent
// billing events.
package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Plaintext format: dk_<keyId>.<secret>. The dk_ prefix is a clear visual
// and programmatic marker; keyId is stable and safe to log, the secret is
// shown exactly once at creation.
const (
	keyIDHexLen  = 16
	secretB64Len = 43 // 32 random bytes, unpadded base64url
)

var keyIDPattern = regexp.MustCompile(`^key_[0-9a-f]{16}$`)

// Record is the persisted api_keys row. BalanceMicro is integer micro-units;
// it never goes negative because the debit is conditional on the check.
type Record struct {
	KeyID        string
	TenantID     string
	LookupHash   string
	VerifierHash string
	Label        string
	BalanceMicro int64
	Revoked      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ValidatedKey is the cacheable, secret-free view handed to admission.
type ValidatedKey struct {
	KeyID        string
	TenantID     string
	Label        string
	BalanceMicro int64
}

// GeneratedKey is the creation result. Plaintext exists only here.
type GeneratedKey struct {
	KeyID     string
	Plaintext string
	Secret    string
}

// Generate draws a fresh key id and secret from crypto/rand.
func Generate() (*GeneratedKey, error) {
	idBytes := make([]byte, keyIDHexLen/2)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("generate key id: %w", err)
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	keyID := "key_" + hex.EncodeToString(idBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	return &GeneratedKey{
		KeyID:     keyID,
		Secret:    secret,
		Plaintext: fmt.Sprintf("dk_%s.%s", keyID, secret),
	}, nil
}

// ParsePlaintext splits dk_<keyId>.<secret> and validates both halves'
// shape. It never touches the store; malformed input fails fast.
func ParsePlaintext(plaintext string) (keyID, secret string, ok bool) {
	rest, found := strings.CutPrefix(plaintext, "dk_")
	if !found {
		return "", "", false
	}
	keyID, secret, found = strings.Cut(rest, ".")
	if !found || !keyIDPattern.MatchString(keyID) || len(secret) != secretB64Len {
		return "", "", false
	}
	if _, err := base64.RawURLEncoding.DecodeString(secret); err != nil {
		return "", "", false
	}
	return keyID, secret, true
}

// LookupHash is the deterministic store index: HMAC-SHA256 of the full
// plaintext keyed by the process-wide pepper, hex encoded. Deterministic so
// lookup is one index read; peppered so a leaked index is uncrackable
// without the pepper.
func LookupHash(pepper []byte, plaintext string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}
