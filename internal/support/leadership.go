package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL   = 45 * time.Second
	leadershipRetryDelay   = time.Second
	renewalTimeout         = 5 * time.Second
	minRenewalInterval     = time.Second
	defaultRenewalFraction = 3
)

var (
	leaderCounter atomic.Uint64

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// RunWithLeader acquires a Redis-based leadership lock on the shared client and
// invokes run while the lock is held. See RunWithLeaderClient.
func RunWithLeader(ctx context.Context, key string, ttl time.Duration, run func(context.Context)) error {
	client, err := GetRedisClient()
	if err != nil {
		return fmt.Errorf("support: leader lock redis client: %w", err)
	}
	return RunWithLeaderClient(ctx, client, key, ttl, run)
}

// RunWithLeaderClient blocks until leadership of key is acquired, then calls
// run with a context that is cancelled when leadership is lost or ctx is done.
// The lock is renewed while run executes and released when it returns, after
// which the caller competes for leadership again. It returns only when ctx is
// done.
func RunWithLeaderClient(ctx context.Context, client *redis.Client, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if client == nil {
		return errors.New("support: leader lock requires a redis client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		session, err := acquireLeaderSession(ctx, client, key, ttl)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			log.Warn("leader lock: failed to acquire", "key", key, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(leadershipRetryDelay):
				continue
			}
		}

		log.Debug("leader lock: acquired", "key", key)
		run(session.ctx)
		session.Close()
		log.Debug("leader lock: released", "key", key)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leadershipRetryDelay):
		}
	}
}

// TryRunExclusive runs fn only if the advisory lock for key can be taken
// right now. It reports whether fn ran. The lock is renewed while fn runs so
// long sweeps keep it.
func TryRunExclusive(ctx context.Context, client *redis.Client, key string, ttl time.Duration, fn func(context.Context)) (bool, error) {
	if fn == nil {
		return false, errors.New("support: exclusive run function cannot be nil")
	}
	if client == nil {
		return false, errors.New("support: exclusive run requires a redis client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	value := generateLeaderID()
	ok, err := client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("support: exclusive lock %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	session := newLeaderSession(ctx, client, key, value, ttl)
	defer session.Close()

	fn(session.ctx)
	return true, nil
}

type leaderSession struct {
	client    *redis.Client
	key       string
	value     string
	ttl       time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	stopRenew chan struct{}
	closeOnce sync.Once
}

func newLeaderSession(ctx context.Context, client *redis.Client, key, value string, ttl time.Duration) *leaderSession {
	sessionCtx, cancel := context.WithCancel(ctx)
	session := &leaderSession{
		client:    client,
		key:       key,
		value:     value,
		ttl:       ttl,
		ctx:       sessionCtx,
		cancel:    cancel,
		stopRenew: make(chan struct{}),
	}
	go session.renewLoop()
	return session
}

func acquireLeaderSession(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*leaderSession, error) {
	value := generateLeaderID()

	for {
		ok, err := client.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("leader lock: setnx failed", "key", key, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(leadershipRetryDelay):
				continue
			}
		}

		if ok {
			return newLeaderSession(ctx, client, key, value, ttl), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leadershipRetryDelay):
		}
	}
}

func (ls *leaderSession) Close() {
	ls.closeOnce.Do(func() {
		close(ls.stopRenew)
		ls.cancel()
		if err := ls.releaseLock(); err != nil {
			log.Warn("leader lock: release failed", "key", ls.key, "error", err)
		}
	})
}

func (ls *leaderSession) renewLoop() {
	interval := ls.ttl / defaultRenewalFraction
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ls.stopRenew:
			return
		case <-ls.ctx.Done():
			return
		case <-ticker.C:
			if err := ls.renewLock(); err != nil {
				log.Warn("leader lock: renewal failed", "key", ls.key, "error", err)
				ls.cancel()
				return
			}
		}
	}
}

func (ls *leaderSession) renewLock() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	ttlMs := ls.ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = DefaultLeadershipTTL.Milliseconds()
	}

	res, err := renewScript.Run(ctx, ls.client, []string{ls.key}, ls.value, ttlMs).Result()
	if err != nil {
		return err
	}

	if updated, ok := res.(int64); ok && updated == 0 {
		return errors.New("lock lost")
	}

	return nil
}

func (ls *leaderSession) releaseLock() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, ls.client, []string{ls.key}, ls.value).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func generateLeaderID() string {
	host, _ := os.Hostname()
	counter := leaderCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), counter)
}
