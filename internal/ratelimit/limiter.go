// Package ratelimit implements the multi-tier sliding-window limiter. The
// window lives in the remote store as a sorted set scored by milliseconds;
// one Lua script is the only mutation point, so concurrent checks across
// processes agree on exactly which requests fit the window.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loa-labs/loa-finn/internal/core"
	"github.com/loa-labs/loa-finn/internal/store"
)

// Tier names a limit class. Each (tier, identifier) pair gets its own window.
type Tier string

const (
	TierFreePerIP      Tier = "free_per_ip"
	TierX402PerWallet  Tier = "x402_per_wallet"
	TierChallengePerIP Tier = "challenge_per_ip"
	TierAPIKeyDefault  Tier = "api_key_default"
)

// Limit is one tier's budget.
type Limit struct {
	MaxRequests int
	WindowMs    int64
}

// DefaultLimits are the documented tier budgets; config may override them.
func DefaultLimits() map[Tier]Limit {
	return map[Tier]Limit{
		TierFreePerIP:      {MaxRequests: 60, WindowMs: 60000},
		TierX402PerWallet:  {MaxRequests: 30, WindowMs: 60000},
		TierChallengePerIP: {MaxRequests: 120, WindowMs: 60000},
		TierAPIKeyDefault:  {MaxRequests: 60, WindowMs: 60000},
	}
}

// Decision is the outcome of one check. Remaining and the reset time feed the
// X-RateLimit response headers; RetryAfterSec is set only when denied.
type Decision struct {
	Allowed       bool
	Tier          Tier
	Limit         int
	Remaining     int
	RetryAfterSec int
	ResetUnix     int64
}

// checkScript trims the window, counts what is left, and inserts the new
// entry only if it fits — atomically, so K concurrent arrivals against limit
// M admit exactly min(M, K). PEXPIRE keeps idle windows from accumulating.
const checkScript = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  return {1, count + 1}
end
return {0, count}
`

// Limiter evaluates sliding windows in the store, degrading to a per-process
// 1-request-per-minute clamp when the store is unreachable. The clamp is a
// safety net, not a service level.
type Limiter struct {
	store    store.Store
	prefix   string
	limits   map[Tier]Limit
	fallback *memoryLimiter
	now      func() time.Time
	seq      atomic.Uint64
}

// Config wires a Limiter. Nil Limits means DefaultLimits.
type Config struct {
	Store  store.Store
	Prefix string
	Limits map[Tier]Limit
	Now    func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Limits == nil {
		cfg.Limits = DefaultLimits()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		store:    cfg.Store,
		prefix:   cfg.Prefix,
		limits:   cfg.Limits,
		fallback: newMemoryLimiter(cfg.Now),
		now:      cfg.Now,
	}
}

// Check admits or denies one request for (tier, identifier). A tier the
// limiter does not know is a programming error and is denied outright.
func (l *Limiter) Check(ctx context.Context, tier Tier, identifier string) (Decision, error) {
	limit, ok := l.limits[tier]
	if !ok {
		return Decision{}, core.Ef(core.KindInternal, "unknown rate-limit tier %q", tier)
	}

	nowMs := l.now().UnixMilli()
	cutoff := nowMs - limit.WindowMs
	// nanos+seq keeps members distinct when two arrivals share a millisecond.
	member := fmt.Sprintf("%d-%d", l.now().UnixNano(), l.seq.Add(1))
	key := fmt.Sprintf("%srl:%s:%s", l.prefix, tier, identifier)

	res, err := l.store.EvalScript(ctx, checkScript, []string{key},
		cutoff, limit.MaxRequests, nowMs, member, limit.WindowMs)
	if err != nil {
		if core.KindOf(err) == core.KindStoreUnavailable {
			slog.Warn("[RateLimiter] store unavailable, using in-process fallback",
				"tier", tier, "error", err)
			d := l.fallback.check(string(tier) + ":" + identifier)
			d.Tier = tier
			return d, nil
		}
		return Decision{}, err
	}

	allowed, count, err := parseReply(res)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   allowed,
		Tier:      tier,
		Limit:     limit.MaxRequests,
		Remaining: limit.MaxRequests - int(count),
		ResetUnix: (nowMs + limit.WindowMs) / 1000,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfterSec = int((limit.WindowMs + 999) / 1000)
	}
	return d, nil
}

func parseReply(res interface{}) (bool, int64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0, core.Ef(core.KindStoreScriptError, "rate-limit script returned %T", res)
	}
	allowed, ok1 := arr[0].(int64)
	count, ok2 := arr[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, core.Ef(core.KindStoreScriptError, "rate-limit script returned %v", arr)
	}
	return allowed == 1, count, nil
}
