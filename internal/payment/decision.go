package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/loa-labs/loa-finn/internal/apikey"
	"github.com/loa-labs/loa-finn/internal/core"
	"github.com/loa-labs/loa-finn/internal/ratelimit"
	"github.com/loa-labs/loa-finn/internal/store"
)

// Branch tags which payment method admitted the request.
type Branch string

const (
	BranchFree    Branch = "free"
	BranchAPIKey  Branch = "api_key"
	BranchReceipt Branch = "receipt"
)

// Decision is the admitted outcome: the branch plus whichever credential
// backed it.
type Decision struct {
	Branch  Branch
	Key     *apikey.ValidatedKey
	Debit   *apikey.DebitResult
	Receipt *Receipt
}

// Outcome accompanies both admission and refusal: the rate decision feeds
// X-RateLimit headers either way, and Challenge rides along with an
// anonymous 402.
type Outcome struct {
	Decision  *Decision
	Rate      *ratelimit.Decision
	Challenge *Challenge
}

// Input is one request as the decider sees it. APIKey is the bearer
// plaintext if the Authorization header carried a dk_ key; HasReceipt is true
// when any X-Payment-* header is present.
type Input struct {
	Method       string
	Path         string
	Body         []byte
	RequestID    string
	ClientIP     string
	APIKey       string
	HasAPIKey    bool
	Receipt      string
	ReceiptNonce string
	ReceiptPayer string
	HasReceipt   bool
	CostMicro    int64
	EventType    string
}

// redeemScript is the nonce's single-use gate: identical shape to the jti
// guard, serialized in the store.
const redeemScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
return 1
`

// Decider evaluates the payment matrix in its fixed order. It returns tagged
// errors; only the HTTP layer turns kinds into status codes.
type Decider struct {
	freePaths map[string]bool
	keys      *apikey.Manager
	limiter   *ratelimit.Limiter
	verifier  ReceiptVerifier
	minter    *ChallengeMinter
	store     store.Store
	prefix    string
	nonceTTL  time.Duration
}

// DeciderConfig wires the decider. Verifier may be nil when the receipt flow
// is not deployed; receipt requests then fail VERIFIER_UNAVAILABLE.
type DeciderConfig struct {
	FreePaths []string
	Keys      *apikey.Manager
	Limiter   *ratelimit.Limiter
	Verifier  ReceiptVerifier
	Minter    *ChallengeMinter
	Store     store.Store
	Prefix    string
	NonceTTL  time.Duration
}

func NewDecider(cfg DeciderConfig) *Decider {
	free := make(map[string]bool, len(cfg.FreePaths))
	for _, p := range cfg.FreePaths {
		free[p] = true
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 10 * time.Minute
	}
	return &Decider{
		freePaths: free,
		keys:      cfg.Keys,
		limiter:   cfg.Limiter,
		verifier:  cfg.Verifier,
		minter:    cfg.Minter,
		store:     cfg.Store,
		prefix:    cfg.Prefix,
		nonceTTL:  cfg.NonceTTL,
	}
}

// Decide runs the matrix. The Outcome is non-nil even on refusal so the HTTP
// layer can attach rate headers and the challenge body.
func (d *Decider) Decide(ctx context.Context, in Input) (*Outcome, error) {
	out := &Outcome{}

	// 1. Free endpoints skip credentials but still pay the per-IP window.
	if d.freePaths[in.Path] {
		rate, err := d.limiter.Check(ctx, ratelimit.TierFreePerIP, in.ClientIP)
		if err != nil {
			return out, err
		}
		out.Rate = &rate
		if !rate.Allowed {
			return out, core.E(core.KindRateLimited, "rate limit exceeded")
		}
		out.Decision = &Decision{Branch: BranchFree}
		return out, nil
	}

	// 2. A request may carry at most one payment method.
	if in.HasAPIKey && in.HasReceipt {
		return out, core.E(core.KindAmbiguousPayment,
			"request carries both an API key and a payment receipt")
	}

	if in.HasAPIKey {
		return d.decideAPIKey(ctx, in, out)
	}
	if in.HasReceipt {
		return d.decideReceipt(ctx, in, out)
	}
	return d.challenge(ctx, in, out)
}

// decideAPIKey: validate (auth), then rate, then debit — in that order, so a
// rate-limited request is never charged.
func (d *Decider) decideAPIKey(ctx context.Context, in Input, out *Outcome) (*Outcome, error) {
	key, err := d.keys.Validate(ctx, in.APIKey)
	if err != nil {
		return out, err
	}

	rate, err := d.limiter.Check(ctx, ratelimit.TierAPIKeyDefault, key.KeyID)
	if err != nil {
		return out, err
	}
	out.Rate = &rate
	if !rate.Allowed {
		return out, core.E(core.KindRateLimited, "rate limit exceeded")
	}

	debit, err := d.keys.Debit(ctx, key.KeyID, in.RequestID, in.CostMicro, in.EventType)
	if err != nil {
		return out, err
	}
	if debit.Duplicate {
		slog.Info("[PaymentDecider] duplicate debit replayed idempotently",
			"request_id", in.RequestID, "key_id", key.KeyID)
	}

	out.Decision = &Decision{Branch: BranchAPIKey, Key: key, Debit: debit}
	return out, nil
}

// decideReceipt: verify with the collaborator, rate-limit per payer wallet,
// then burn the nonce. Burning last means a failed verification does not
// consume the challenge.
func (d *Decider) decideReceipt(ctx context.Context, in Input, out *Outcome) (*Outcome, error) {
	if d.verifier == nil {
		return out, core.E(core.KindVerifierUnavailable, "receipt verification is not configured")
	}
	if in.Receipt == "" || in.ReceiptNonce == "" {
		return out, core.E(core.KindReceiptInvalid, "incomplete payment receipt headers")
	}

	receipt, err := d.verifier.Verify(ctx, in.Receipt, in.ReceiptNonce, in.ReceiptPayer)
	if err != nil {
		return out, err
	}

	rate, err := d.limiter.Check(ctx, ratelimit.TierX402PerWallet, receipt.Payer)
	if err != nil {
		return out, err
	}
	out.Rate = &rate
	if !rate.Allowed {
		return out, core.E(core.KindRateLimited, "rate limit exceeded")
	}

	fresh, err := d.redeemNonce(ctx, in.ReceiptNonce)
	if err != nil {
		return out, err
	}
	if !fresh {
		return out, core.Ef(core.KindReceiptReplay, "nonce %q already redeemed", in.ReceiptNonce)
	}

	out.Decision = &Decision{Branch: BranchReceipt, Receipt: receipt}
	return out, nil
}

// challenge: no credentials at all. Mint a challenge, itself rate-limited
// per IP so anonymous traffic cannot farm nonces.
func (d *Decider) challenge(ctx context.Context, in Input, out *Outcome) (*Outcome, error) {
	rate, err := d.limiter.Check(ctx, ratelimit.TierChallengePerIP, in.ClientIP)
	if err != nil {
		return out, err
	}
	out.Rate = &rate
	if !rate.Allowed {
		return out, core.E(core.KindRateLimited, "rate limit exceeded")
	}

	out.Challenge = d.minter.Mint(in.Method, in.Path, in.Body)
	return out, core.E(core.KindPaymentRequired, "payment required")
}

func (d *Decider) redeemNonce(ctx context.Context, nonce string) (bool, error) {
	res, err := d.store.EvalScript(ctx, redeemScript,
		[]string{d.prefix + "nonce:" + nonce}, d.nonceTTL.Milliseconds())
	if err != nil {
		return false, core.Wrap(core.KindStoreUnavailable, "nonce redemption unavailable", err)
	}
	fresh, ok := res.(int64)
	if !ok {
		return false, core.Ef(core.KindStoreScriptError, "nonce script returned %T", res)
	}
	return fresh == 1, nil
}
