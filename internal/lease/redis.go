package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// Release and extend only act on a key still holding our token.
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisProvider grants leases with SET NX PX and a random ownership token.
type RedisProvider struct {
	client *redis.Client
}

// NewRedisProvider creates a Redis lease provider.
func NewRedisProvider(client *redis.Client) *RedisProvider {
	return &RedisProvider{client: client}
}

// Acquire implements core.LeaseProvider.
func (p *RedisProvider) Acquire(ctx context.Context, jobID string, ttl time.Duration) (core.Lease, error) {
	l := &redisLease{client: p.client, key: leaseKey(jobID), token: uuid.NewString()}
	ok, err := p.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, core.ErrJobLeased
	}
	return l, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

// Extend resets the TTL. Returns core.ErrJobLeased when the lease expired or
// was taken over.
func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	if n == 0 {
		return core.ErrJobLeased
	}
	return nil
}

// Release deletes the key if it is still ours.
func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
