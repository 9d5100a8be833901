package apikey

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-labs/loa-finn/internal/core"
)

var testPepper = []byte("test-pepper-not-a-real-secret")

func newTestManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()
	ms := NewMemoryStore()
	return NewManager(ManagerConfig{Store: ms, Pepper: testPepper}), ms
}

func TestGenerateShape(t *testing.T) {
	gen, err := Generate()
	require.NoError(t, err)

	keyID, secret, ok := ParsePlaintext(gen.Plaintext)
	require.True(t, ok)
	assert.Equal(t, gen.KeyID, keyID)
	assert.Equal(t, gen.Secret, secret)
	assert.Regexp(t, `^key_[0-9a-f]{16}$`, keyID)
	assert.Len(t, secret, 43)
}

func TestParsePlaintextRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"dk_",
		"key_0123456789abcdef.secret",                                 // missing dk_
		"dk_key_0123456789abcdef",                                     // no secret
		"dk_key_012345.AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",  // short key id
		"dk_key_0123456789abcdef.tooshort",                            // short secret
		"dk_key_0123456789ABCDEF.AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", // uppercase hex
	}
	for _, c := range cases {
		_, _, ok := ParsePlaintext(c)
		assert.False(t, ok, "should reject %q", c)
	}
}

func TestLookupHashIsDeterministicAndPeppered(t *testing.T) {
	assert.Equal(t,
		LookupHash(testPepper, "dk_key_aaaaaaaaaaaaaaaa.x"),
		LookupHash(testPepper, "dk_key_aaaaaaaaaaaaaaaa.x"))
	assert.NotEqual(t,
		LookupHash(testPepper, "dk_key_aaaaaaaaaaaaaaaa.x"),
		LookupHash([]byte("other"), "dk_key_aaaaaaaaaaaaaaaa.x"))
}

func TestVerifySecretRoundTrip(t *testing.T) {
	phc, err := HashSecret("s3cret")
	require.NoError(t, err)
	assert.True(t, VerifySecret("s3cret", phc))
	assert.False(t, VerifySecret("wrong", phc))
	assert.False(t, VerifySecret("s3cret", "$bogus$"))
}

func TestCreateAndValidate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	gen, err := m.Create(ctx, "tenant-a", "ci key", 1_000_000)
	require.NoError(t, err)

	valid, err := m.Validate(ctx, gen.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, gen.KeyID, valid.KeyID)
	assert.Equal(t, "tenant-a", valid.TenantID)
	assert.Equal(t, int64(1_000_000), valid.BalanceMicro)
}

func TestValidateUnknownKey(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Validate(context.Background(),
		"dk_key_0123456789abcdef.AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	assert.Equal(t, core.KindAPIKeyInvalid, core.KindOf(err))
}

func TestValidateWrongSecret(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	gen, err := m.Create(ctx, "tenant-a", "", 0)
	require.NoError(t, err)

	// Same key id, different secret: the lookup hash differs, so this reads
	// as an unknown key.
	other, err := Generate()
	require.NoError(t, err)
	_, err = m.Validate(ctx, "dk_"+gen.KeyID+"."+other.Secret)
	assert.Equal(t, core.KindAPIKeyInvalid, core.KindOf(err))
}

func TestRevokedKeyIsCachedSentinel(t *testing.T) {
	m, ms := newTestManager(t)
	ctx := context.Background()

	gen, err := m.Create(ctx, "tenant-a", "", 100)
	require.NoError(t, err)
	_, err = m.Validate(ctx, gen.Plaintext)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, "tenant-a", gen.KeyID))

	// Sentinel answers without a store read: wipe the store to prove it.
	ms.mu.Lock()
	ms.keys = map[string]*Record{}
	ms.byHash = map[string]string{}
	ms.mu.Unlock()

	_, err = m.Validate(ctx, gen.Plaintext)
	assert.Equal(t, core.KindAPIKeyRevoked, core.KindOf(err))
}

func TestRevokeForeignTenantReadsAsNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	gen, err := m.Create(ctx, "tenant-a", "", 100)
	require.NoError(t, err)

	err = m.Revoke(ctx, "tenant-b", gen.KeyID)
	assert.Equal(t, core.KindKeyNotFound, core.KindOf(err))
}

func TestDebitIdempotentByRequestID(t *testing.T) {
	m, ms := newTestManager(t)
	ctx := context.Background()
	gen, err := m.Create(ctx, "tenant-a", "", 1_000_000)
	require.NoError(t, err)

	first, err := m.Debit(ctx, gen.KeyID, "req-1", 100_000, "chat")
	require.NoError(t, err)
	assert.Equal(t, int64(900_000), first.BalanceAfter)
	assert.False(t, first.Duplicate)

	second, err := m.Debit(ctx, gen.KeyID, "req-1", 100_000, "chat")
	require.NoError(t, err)
	assert.Equal(t, int64(900_000), second.BalanceAfter)
	assert.True(t, second.Duplicate)

	ev, ok := ms.Event("req-1")
	require.True(t, ok)
	assert.Equal(t, int64(100_000), ev.AmountMicro)
	assert.Equal(t, int64(900_000), ev.BalanceAfter)
}

// For balance B and N concurrent debits of cost c, exactly ⌊B/c⌋ succeed.
func TestDebitAtomicityUnderConcurrency(t *testing.T) {
	const balance, cost, attempts = 500, 100, 20
	m, _ := newTestManager(t)
	ctx := context.Background()
	gen, err := m.Create(ctx, "tenant-a", "", balance)
	require.NoError(t, err)

	var refused, succeeded atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := m.Debit(ctx, gen.KeyID, fmt.Sprintf("req-%d", n), cost, "chat")
			if err == nil {
				succeeded.Add(1)
			} else if core.KindOf(err) == core.KindInsufficientCredits {
				refused.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(balance/cost), succeeded.Load())
	assert.Equal(t, int64(attempts-balance/cost), refused.Load())

	bal, err := m.Balance(ctx, "tenant-a", gen.KeyID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, bal, int64(0))
}

func TestDebitInsufficientCredits(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	gen, err := m.Create(ctx, "tenant-a", "", 50)
	require.NoError(t, err)

	_, err = m.Debit(ctx, gen.KeyID, "req-x", 100, "chat")
	assert.Equal(t, core.KindInsufficientCredits, core.KindOf(err))

	bal, err := m.Balance(ctx, "tenant-a", gen.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)
}
