package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLockout shares lockout state between server instances.
type RedisLockout struct {
	rdb    *redis.Client
	policy Policy
	prefix string
}

// NewRedisLockout uses rdb with keys under prefix.
func NewRedisLockout(rdb *redis.Client, p Policy, prefix string) *RedisLockout {
	if prefix == "" {
		prefix = "fleetmon:lockout"
	}
	return &RedisLockout{rdb: rdb, policy: p.normalized(), prefix: prefix}
}

func (r *RedisLockout) key(kind, user string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, kind, user)
}

func (r *RedisLockout) Remaining(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.rdb.PTTL(ctx, r.key("until", key)).Result()
	if err != nil {
		return 0, fmt.Errorf("lockout ttl: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (r *RedisLockout) Fail(ctx context.Context, key string) (Attempt, error) {
	failKey, locksKey := r.key("fail", key), r.key("locks", key)

	var incr *redis.IntCmd
	if _, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, failKey)
		p.Expire(ctx, failKey, r.policy.Forget)
		return nil
	}); err != nil {
		return Attempt{}, fmt.Errorf("lockout fail: %w", err)
	}
	failures := int(incr.Val())
	if failures < r.policy.MaxAttempts {
		return Attempt{AttemptsLeft: r.policy.MaxAttempts - failures}, nil
	}

	var locks *redis.IntCmd
	if _, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, failKey)
		locks = p.Incr(ctx, locksKey)
		p.Expire(ctx, locksKey, r.policy.Forget)
		return nil
	}); err != nil {
		return Attempt{}, fmt.Errorf("lockout lock: %w", err)
	}
	period := r.policy.period(int(locks.Val()))
	if err := r.rdb.Set(ctx, r.key("until", key), 1, period).Err(); err != nil {
		return Attempt{}, fmt.Errorf("lockout set: %w", err)
	}
	return Attempt{LockedFor: period}, nil
}

func (r *RedisLockout) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, r.key("fail", key), r.key("locks", key), r.key("until", key)).Err()
}
