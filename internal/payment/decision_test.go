package payment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-labs/loa-finn/internal/apikey"
	"github.com/loa-labs/loa-finn/internal/core"
	"github.com/loa-labs/loa-finn/internal/ratelimit"
	"github.com/loa-labs/loa-finn/internal/store"
)

type fakeVerifier struct {
	receipt *Receipt
	err     error
}

func (f *fakeVerifier) Verify(context.Context, string, string, string) (*Receipt, error) {
	return f.receipt, f.err
}

type deciderFixture struct {
	decider *Decider
	keys    *apikey.Manager
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T, verifier ReceiptVerifier) *deciderFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(rdb, 2*time.Second)
	t.Cleanup(func() { s.Close() })

	keys := apikey.NewManager(apikey.ManagerConfig{
		Store:  apikey.NewMemoryStore(),
		Pepper: []byte("pepper"),
	})
	limiter := ratelimit.New(ratelimit.Config{Store: s, Prefix: "t:"})
	minter := NewChallengeMinter(MinterConfig{
		Secret:      []byte("challenge-secret"),
		AmountMicro: 100000,
		Recipient:   "0xrecipient",
		ChainID:     8453,
		Token:       "USDC",
	})
	d := NewDecider(DeciderConfig{
		FreePaths: []string{"/health", "/llms.txt", "/.well-known/jwks.json"},
		Keys:      keys,
		Limiter:   limiter,
		Verifier:  verifier,
		Minter:    minter,
		Store:     s,
		Prefix:    "t:",
	})
	return &deciderFixture{decider: d, keys: keys, mr: mr}
}

func paidInput() Input {
	return Input{
		Method:    "POST",
		Path:      "/api/v1/agent/chat",
		Body:      []byte(`{"token_id":"1","message":"hi"}`),
		RequestID: "req-1",
		ClientIP:  "1.2.3.4",
		CostMicro: 100000,
		EventType: "chat",
	}
}

func TestFreePathAdmitted(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.decider.Decide(context.Background(), Input{
		Method: "GET", Path: "/health", ClientIP: "1.2.3.4",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Decision)
	assert.Equal(t, BranchFree, out.Decision.Branch)
}

func TestFreePathRateLimited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		_, err := f.decider.Decide(ctx, Input{Method: "GET", Path: "/health", ClientIP: "9.9.9.9"})
		require.NoError(t, err)
	}
	out, err := f.decider.Decide(ctx, Input{Method: "GET", Path: "/health", ClientIP: "9.9.9.9"})
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))
	require.NotNil(t, out.Rate)
	assert.Equal(t, 0, out.Rate.Remaining)
	assert.GreaterOrEqual(t, out.Rate.RetryAfterSec, 1)
}

func TestAmbiguousPaymentRejected(t *testing.T) {
	f := newFixture(t, nil)
	in := paidInput()
	in.HasAPIKey = true
	in.APIKey = "dk_key_0123456789abcdef.AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	in.HasReceipt = true
	in.Receipt = "0xabc"

	_, err := f.decider.Decide(context.Background(), in)
	assert.Equal(t, core.KindAmbiguousPayment, core.KindOf(err))
}

func TestAPIKeyBranchDebitsAndAdmits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	gen, err := f.keys.Create(ctx, "tenant-a", "", 1_000_000)
	require.NoError(t, err)

	in := paidInput()
	in.HasAPIKey = true
	in.APIKey = gen.Plaintext

	out, err := f.decider.Decide(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, out.Decision)
	assert.Equal(t, BranchAPIKey, out.Decision.Branch)
	assert.Equal(t, int64(900_000), out.Decision.Debit.BalanceAfter)
	require.NotNil(t, out.Rate)
	assert.True(t, out.Rate.Allowed)
}

func TestInvalidAPIKeyIsAuthFailure(t *testing.T) {
	f := newFixture(t, nil)
	in := paidInput()
	in.HasAPIKey = true
	in.APIKey = "dk_key_0123456789abcdef.AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

	_, err := f.decider.Decide(context.Background(), in)
	assert.Equal(t, core.KindAPIKeyInvalid, core.KindOf(err))
}

func TestExhaustedCreditsIsPaymentFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	gen, err := f.keys.Create(ctx, "tenant-a", "", 10)
	require.NoError(t, err)

	in := paidInput()
	in.HasAPIKey = true
	in.APIKey = gen.Plaintext

	_, err = f.decider.Decide(ctx, in)
	assert.Equal(t, core.KindInsufficientCredits, core.KindOf(err))
}

func TestRateLimitedKeyIsNeverCharged(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	gen, err := f.keys.Create(ctx, "tenant-a", "", 100_000_000)
	require.NoError(t, err)

	var lastErr error
	for i := 0; i < 61; i++ {
		in := paidInput()
		in.RequestID = fmt.Sprintf("req-%d", i)
		in.HasAPIKey = true
		in.APIKey = gen.Plaintext
		_, lastErr = f.decider.Decide(ctx, in)
	}
	require.Equal(t, core.KindRateLimited, core.KindOf(lastErr))

	// 60 admitted × 100000 spent; the 61st deducted nothing.
	bal, err := f.keys.Balance(ctx, "tenant-a", gen.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000-60*100_000), bal)
}

func TestReceiptBranchAdmits(t *testing.T) {
	f := newFixture(t, &fakeVerifier{receipt: &Receipt{
		TxID: "0xabc", Payer: "0xpayer", AmountMicro: 100000, Confirmations: 3,
	}})
	in := paidInput()
	in.HasReceipt = true
	in.Receipt = "0xabc"
	in.ReceiptNonce = "nonce-1"

	out, err := f.decider.Decide(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, out.Decision)
	assert.Equal(t, BranchReceipt, out.Decision.Branch)
	assert.Equal(t, "0xpayer", out.Decision.Receipt.Payer)
}

func TestReceiptNonceIsSingleUse(t *testing.T) {
	f := newFixture(t, &fakeVerifier{receipt: &Receipt{TxID: "0xabc", Payer: "0xpayer"}})
	ctx := context.Background()
	in := paidInput()
	in.HasReceipt = true
	in.Receipt = "0xabc"
	in.ReceiptNonce = "nonce-once"

	_, err := f.decider.Decide(ctx, in)
	require.NoError(t, err)

	_, err = f.decider.Decide(ctx, in)
	assert.Equal(t, core.KindReceiptReplay, core.KindOf(err))
}

func TestVerifierFailureMapsThrough(t *testing.T) {
	f := newFixture(t, &fakeVerifier{err: core.E(core.KindReceiptInvalid, "no such tx")})
	in := paidInput()
	in.HasReceipt = true
	in.Receipt = "0xbad"
	in.ReceiptNonce = "n"

	_, err := f.decider.Decide(context.Background(), in)
	assert.Equal(t, core.KindReceiptInvalid, core.KindOf(err))
}

func TestAnonymousGetsChallenge(t *testing.T) {
	f := newFixture(t, nil)
	in := paidInput()

	out, err := f.decider.Decide(context.Background(), in)
	assert.Equal(t, core.KindPaymentRequired, core.KindOf(err))
	require.NotNil(t, out.Challenge)
	assert.Equal(t, "/api/v1/agent/chat", out.Challenge.RequestPath)
	assert.Equal(t, "POST", out.Challenge.RequestMethod)
	assert.Len(t, out.Challenge.RequestBinding, 16)
	assert.NotEmpty(t, out.Challenge.Nonce)
	assert.NotEmpty(t, out.Challenge.HMAC)
}

func TestChallengeHMACRoundTrip(t *testing.T) {
	m := NewChallengeMinter(MinterConfig{
		Secret: []byte("s"), AmountMicro: 1, Recipient: "r", ChainID: 1, Token: "USDC",
	})
	c := m.Mint("POST", "/api/v1/invoke", []byte(`{}`))
	assert.True(t, m.Verify(c))

	tampered := *c
	tampered.Amount = "999999"
	assert.False(t, m.Verify(&tampered))
}

func TestChallengeExpires(t *testing.T) {
	now := time.Now()
	m := NewChallengeMinter(MinterConfig{
		Secret: []byte("s"), AmountMicro: 1, Recipient: "r", ChainID: 1, Token: "USDC",
		TTL: time.Minute,
		Now: func() time.Time { return now },
	})
	c := m.Mint("GET", "/x", nil)
	require.True(t, m.Verify(c))

	now = now.Add(2 * time.Minute)
	assert.False(t, m.Verify(c))
}

func TestRequestBindingDiffersByBody(t *testing.T) {
	a := RequestBinding("POST", "/p", []byte(`{"a":1}`))
	b := RequestBinding("POST", "/p", []byte(`{"a":2}`))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 16)
}
