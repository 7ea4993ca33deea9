package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkScript performs the fixed-window decision atomically server-side.
// The counter only moves when the request is admitted, matching MemoryStore.
var checkScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local allowed = 0
if count < max then
	allowed = 1
	count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], window)
	end
end
local ttl = redis.call('PTTL', KEYS[1])
return {allowed, count, ttl}
`)

// RedisStore is the shared fixed-window store for multi-instance
// deployments. Same contract as MemoryStore; counters live in Redis so
// every process instance sees the same window.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store from a client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

func (r *RedisStore) Check(ctx context.Context, key string, window time.Duration, max int) (Result, error) {
	vals, err := checkScript.Run(ctx, r.client, []string{r.prefix + key}, max, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis check: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("ratelimit: redis check: unexpected script reply")
	}

	allowed, count, ttlMillis := vals[0] == 1, int(vals[1]), vals[2]
	return Result{
		Allowed:   allowed,
		Limit:     max,
		Remaining: remaining(max, count),
		ResetAt:   resetFromTTL(ttlMillis, window),
	}, nil
}

func (r *RedisStore) Inspect(ctx context.Context, key string, window time.Duration, max int) (Result, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, r.prefix+key)
	ttlCmd := pipe.PTTL(ctx, r.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Result{}, fmt.Errorf("ratelimit: redis inspect: %w", err)
	}

	count, err := getCmd.Int()
	if err == redis.Nil {
		return Result{
			Allowed:   true,
			Limit:     max,
			Remaining: max,
			ResetAt:   time.Now().Add(window),
		}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis inspect: %w", err)
	}

	return Result{
		Allowed:   count < max,
		Limit:     max,
		Remaining: remaining(max, count),
		ResetAt:   resetFromTTL(ttlCmd.Val().Milliseconds(), window),
	}, nil
}

func (r *RedisStore) Clear(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis clear: %w", err)
	}
	return nil
}

// resetFromTTL converts a PTTL reply to an absolute reset time. A key
// without expiry (fresh window race) falls back to now+window.
func resetFromTTL(ttlMillis int64, window time.Duration) time.Time {
	if ttlMillis <= 0 {
		return time.Now().Add(window)
	}
	return time.Now().Add(time.Duration(ttlMillis) * time.Millisecond)
}

var _ Store = (*RedisStore)(nil)
