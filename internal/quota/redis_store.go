package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrelay/internal/redis"
)

// reserveScript performs the conditional increment in one round trip so the
// check and the write cannot interleave across concurrent requests.
const reserveScript = `
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and count >= limit then
  return {count, 0}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return {count, 1}
`

// RedisCounterStore backs the ledger with redis counters.
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (s *RedisCounterStore) ReserveSlot(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := s.client.Eval(ctx, reserveScript, []string{key}, limit, int64(ttl.Seconds()))
	if err != nil {
		return 0, false, fmt.Errorf("reserve slot: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, errors.New("unexpected reserve script reply")
	}
	count, _ := vals[0].(int64)
	granted, _ := vals[1].(int64)
	return count, granted == 1, nil
}

func (s *RedisCounterStore) ReleaseSlot(ctx context.Context, key string) error {
	count, err := s.client.DecrBy(ctx, key, 1)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	// Guard against decrementing an expired or never-reserved key below zero.
	if count < 0 {
		return s.client.Del(ctx, key)
	}
	return nil
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := s.client.Eval(ctx, reserveScript, []string{key}, 0, int64(ttl.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("incr counter: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, errors.New("unexpected incr script reply")
	}
	count, _ := vals[0].(int64)
	return count, nil
}

func (s *RedisCounterStore) Current(ctx context.Context, key string) (int64, error) {
	raw, err := s.client.Get(ctx, key)
	if err != nil {
		if err == redis.ErrCacheMiss {
			return 0, nil
		}
		return 0, fmt.Errorf("read counter: %w", err)
	}
	var count int64
	if _, err := fmt.Sscanf(raw, "%d", &count); err != nil {
		return 0, fmt.Errorf("parse counter %q: %w", raw, err)
	}
	return count, nil
}
