// Package store wraps the shared remote state store behind the minimal
// interface the admission core needs: strings with TTL, integer counters,
// sorted sets, pub/sub, and server-side scripting. EvalScript is the single
// cross-process atomicity point; rate limiting, jti replay guards, and
// challenge-nonce redemption all serialize through it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing key on Get. It is a normal outcome, not a
// store failure; callers that treat absence as a value test for it with
// errors.Is.
var ErrNotFound = errors.New("store: key not found")

// Store is the admission core's view of the remote state store. Operations
// fail with a tagged STORE_UNAVAILABLE error when the store is unreachable
// (transient; retry is the caller's choice) or STORE_SCRIPT_ERROR when the
// store rejected a script (persistent; retrying the same script is useless).
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	IncrementInt(ctx context.Context, key string, delta int64) (int64, error)
	SortedSetAdd(ctx context.Context, key string, score float64, member string) error
	SortedSetRemoveRange(ctx context.Context, key string, minScore, maxScore float64) (int64, error)
	SortedSetCount(ctx context.Context, key string) (int64, error)
	EvalScript(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Ping(ctx context.Context) error
}
