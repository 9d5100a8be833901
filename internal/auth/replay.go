package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/loa-labs/loa-finn/internal/core"
	"github.com/loa-labs/loa-finn/internal/store"
)

// ReplayGuard records accepted jtis so a second presentation fails.
type ReplayGuard interface {
	// MarkJTI returns true when the namespaced jti was fresh and is now
	// recorded; false when it was already present.
	MarkJTI(ctx context.Context, iss, jti string, ttl time.Duration) (bool, error)
}

// markScript is an atomic set-if-absent: the store is the only cross-process
// serialization point, so two pods racing on the same jti agree on a winner.
const markScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
return 1
`

// StoreReplayGuard keeps jtis in the shared store under a short TTL.
type StoreReplayGuard struct {
	store  store.Store
	prefix string
}

func NewStoreReplayGuard(s store.Store, prefix string) *StoreReplayGuard {
	return &StoreReplayGuard{store: s, prefix: prefix}
}

// JTIKey namespaces a jti by issuer with a decimal length prefix. Without
// the length, iss="evil" jti="fake:victim" and iss="evil:fake" jti="victim"
// would collide on the same key.
func JTIKey(iss, jti string) string {
	return fmt.Sprintf("jti:%d:%s:%s", len(iss), iss, jti)
}

func (g *StoreReplayGuard) MarkJTI(ctx context.Context, iss, jti string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	res, err := g.store.EvalScript(ctx, markScript, []string{g.prefix + JTIKey(iss, jti)}, ttl.Milliseconds())
	if err != nil {
		// Fail closed: an unavailable guard must not admit replays.
		return false, core.Wrap(core.KindStoreUnavailable, "replay guard unavailable", err)
	}
	fresh, ok := res.(int64)
	if !ok {
		return false, core.Ef(core.KindStoreScriptError, "replay guard returned %T", res)
	}
	return fresh == 1, nil
}
