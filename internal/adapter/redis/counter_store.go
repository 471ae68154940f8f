package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Ciach0/nerimity-server/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const counterKeyPrefix = "ratelimit:"

// incrementScript increments the window counter and starts the window on the first hit.
// A counter left without an expiry (e.g. after a failed PEXPIRE) is given one so it can
// never block forever.
// ARGV: [1]=window_ms
// Returns {count, ttl_ms}.
var incrementScript = goredis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	return {count, tonumber(ARGV[1])}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// CounterStore implements domain.CounterStore on Redis with a single Lua script per call.
type CounterStore struct {
	rdb *goredis.Client
}

var _ domain.CounterStore = (*CounterStore)(nil)

func NewCounterStore(rdb *goredis.Client) *CounterStore {
	return &CounterStore{rdb: rdb}
}

func (s *CounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	values, err := incrementScript.Run(ctx, s.rdb, []string{counterKeyPrefix + key}, strconv.FormatInt(windowMs, 10)).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("increment script failed: %w", err)
	}
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("increment script returned %d values, want 2", len(values))
	}

	return values[0], time.Duration(values[1]) * time.Millisecond, nil
}
