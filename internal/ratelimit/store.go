package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const defaultMemoryCapacity = 1 << 16

// incrementScript increments a counter and gives it a TTL when it has
// none, so a crash between the two commands cannot leave a key that never
// expires.
var incrementScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// CounterStore is a shared counter with atomic increment-and-expire.
// Implementations must be safe for concurrent use.
type CounterStore interface {
	// Increment adds one to key, setting ttl when the key is new, and
	// returns the post-increment count.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Count returns the current value of key, zero when absent.
	Count(ctx context.Context, key string) (int64, error)
}

// RedisStore keeps counters in Redis so every process shares one quota.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing client; the caller owns its lifecycle.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrementScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
}

func (s *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is a single-process CounterStore. The LRU evicts idle keys;
// per-key expiry is tracked separately because re-adding an entry would
// refresh its LRU deadline.
type MemoryStore struct {
	mu       sync.Mutex
	counters *expirable.LRU[string, *memoryCounter]
	clock    func() time.Time
}

// NewMemoryStore constructs a MemoryStore. retention bounds how long an
// idle key is kept before eviction and should exceed the longest TTL used.
func NewMemoryStore(retention time.Duration, clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		counters: expirable.NewLRU[string, *memoryCounter](defaultMemoryCapacity, nil, retention),
		clock:    clock,
	}
}

func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	counter, ok := s.counters.Get(key)
	if !ok || !now.Before(counter.expiresAt) {
		counter = &memoryCounter{expiresAt: now.Add(ttl)}
		s.counters.Add(key, counter)
	}
	counter.count++
	return counter.count, nil
}

func (s *MemoryStore) Count(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters.Get(key)
	if !ok || !s.clock().Before(counter.expiresAt) {
		return 0, nil
	}
	return counter.count, nil
}
