package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loa-labs/loa-finn/internal/core"
)

// RedisStore implements Store on go-redis v9. Every operation runs under its
// own short deadline so a slow store degrades requests instead of hanging
// them.
type RedisStore struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// NewRedisStore connects and verifies the connection with a ping. The caller
// decides whether a connect failure is fatal.
func NewRedisStore(addr, password string, db int, opTimeout time.Duration) (*RedisStore, error) {
	if opTimeout <= 0 {
		opTimeout = 200 * time.Millisecond
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("[Store] Redis connected", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb, opTimeout: opTimeout}, nil
}

// NewRedisStoreFromClient wraps an existing client. Tests use this with an
// in-process server.
func NewRedisStoreFromClient(rdb *redis.Client, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 200 * time.Millisecond
	}
	return &RedisStore{rdb: rdb, opTimeout: opTimeout}
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	val, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", classify("GET", err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return classify("SET", s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return classify("DEL", s.rdb.Del(ctx, keys...).Err())
}

func (s *RedisStore) IncrementInt(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	val, err := s.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, classify("INCRBY", err)
	}
	return val, nil
}

func (s *RedisStore) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return classify("ZADD", s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) SortedSetRemoveRange(ctx context.Context, key string, minScore, maxScore float64) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	removed, err := s.rdb.ZRemRangeByScore(ctx, key, formatScore(minScore), formatScore(maxScore)).Result()
	if err != nil {
		return 0, classify("ZREMRANGEBYSCORE", err)
	}
	return removed, nil
}

func (s *RedisStore) SortedSetCount(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, classify("ZCARD", err)
	}
	return n, nil
}

func (s *RedisStore) EvalScript(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	res, err := s.rdb.Eval(ctx, script, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		var rerr redis.Error
		if errors.As(err, &rerr) {
			return nil, core.Wrap(core.KindStoreScriptError, "script rejected by store", err)
		}
		return nil, core.Wrap(core.KindStoreUnavailable, "EVAL failed", err)
	}
	return res, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return classify("PUBLISH", s.rdb.Publish(ctx, channel, payload).Err())
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()
	return classify("PING", s.rdb.Ping(ctx).Err())
}

// classify maps driver errors onto the store error contract: redis.Nil
// becomes ErrNotFound, everything else is tagged transient. Script replies
// are classified separately in EvalScript.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return core.Wrap(core.KindStoreUnavailable, op+" failed", err)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
