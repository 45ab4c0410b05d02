package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore increments a fixed-window counter and reports the new count
// together with the time left in the window. Increment and expiry must be a
// single atomic step per key.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

var incrementScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: "ipguard:ratelimit:"}
}

func (s *RedisCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

type memoryWindow struct {
	count   int64
	expires time.Time
}

// MemoryCounterStore keeps counters in process memory. It suits a single
// instance deployment.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func NewMemoryCounterStore(cleanupEvery time.Duration) *MemoryCounterStore {
	s := &MemoryCounterStore{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if cleanupEvery > 0 {
		go s.cleanupLoop(cleanupEvery)
	}
	return s
}

func (s *MemoryCounterStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &memoryWindow{expires: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.expires.Sub(now), nil
}

func (s *MemoryCounterStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *MemoryCounterStore) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryCounterStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, w := range s.windows {
		if !now.Before(w.expires) {
			delete(s.windows, key)
		}
	}
}
