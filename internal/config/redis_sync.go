package config

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "ipguard:config:settings"
	redisConfigChannel = "ipguard:config:updates"
	redisOpTimeout     = 5 * time.Second
)

var errOwnSnapshot = errors.New("config sync: snapshot published by this instance")

// settingsSnapshot is what instances exchange through Redis. Origin lets an
// instance skip its own publications.
type settingsSnapshot struct {
	Origin      string    `json:"origin"`
	PublishedAt time.Time `json:"published_at"`
	Settings    Config    `json:"settings"`
}

// settingsSync shares one settings document between ipguard instances: the
// stored snapshot under redisConfigKey seeds new instances, and every local
// change is published on redisConfigChannel.
type settingsSync struct {
	client *redis.Client
	origin string
	ctx    context.Context
	cancel context.CancelFunc
}

var (
	activeSyncMu sync.RWMutex
	activeSync   *settingsSync
)

// EnableRedisSynchronization adopts the shared snapshot when a valid one
// exists, publishes the local settings otherwise, and then follows updates
// from other instances until ctx ends or DisableRedisSynchronization runs.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	activeSyncMu.Lock()
	if activeSync != nil {
		activeSyncMu.Unlock()
		return
	}
	syncCtx, cancel := context.WithCancel(ctx)
	s := &settingsSync{client: client, origin: newSyncOrigin(), ctx: syncCtx, cancel: cancel}
	activeSync = s
	activeSyncMu.Unlock()

	adopted, err := s.pull()
	switch {
	case err != nil:
		log.Error("Config sync: ignoring shared settings", "error", err)
	case adopted:
		log.Info("Config sync: adopted shared settings")
	}

	if !adopted {
		if err := s.publish(GetConfig()); err != nil {
			log.Error("Config sync: failed to publish local settings", "error", err)
		}
	}

	go s.follow()
}

// DisableRedisSynchronization stops following remote updates. Local changes
// are no longer published afterwards.
func DisableRedisSynchronization() {
	activeSyncMu.Lock()
	s := activeSync
	activeSync = nil
	activeSyncMu.Unlock()

	if s != nil {
		s.cancel()
	}
}

func currentSync() *settingsSync {
	activeSyncMu.RLock()
	defer activeSyncMu.RUnlock()
	return activeSync
}

func newSyncOrigin() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("instance-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// pull applies the stored snapshot. It reports false when Redis holds none
// or the stored one is unusable.
func (s *settingsSync) pull() (bool, error) {
	opCtx, cancel := context.WithTimeout(s.ctx, redisOpTimeout)
	defer cancel()

	payload, err := s.client.Get(opCtx, redisConfigKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read shared settings: %w", err)
	}

	if err := s.accept(payload); err != nil && !errors.Is(err, errOwnSnapshot) {
		return false, err
	}
	return true, nil
}

// accept validates a remote snapshot and applies it locally. Invalid
// settings never replace the running configuration or the settings file.
func (s *settingsSync) accept(payload []byte) error {
	var snapshot settingsSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return fmt.Errorf("decode shared settings: %w", err)
	}
	if snapshot.Origin == s.origin {
		return errOwnSnapshot
	}
	if err := Validate(snapshot.Settings); err != nil {
		return fmt.Errorf("shared settings from %s rejected: %w", snapshot.Origin, err)
	}
	return applyConfigUpdate(snapshot.Settings, configUpdateOptions{persistToFile: true, source: "redis"})
}

func (s *settingsSync) follow() {
	pubsub := s.client.Subscribe(s.ctx, redisConfigChannel)
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			err := s.accept([]byte(msg.Payload))
			switch {
			case err == nil:
				log.Info("Config sync: applied settings from another instance")
			case errors.Is(err, errOwnSnapshot):
			default:
				log.Error("Config sync: rejected remote update", "error", err)
			}
		}
	}
}

// publish stores cfg as the shared snapshot and announces it in one
// transaction.
func (s *settingsSync) publish(cfg Config) error {
	payload, err := json.Marshal(settingsSnapshot{
		Origin:      s.origin,
		PublishedAt: time.Now().UTC(),
		Settings:    cfg,
	})
	if err != nil {
		return fmt.Errorf("encode settings snapshot: %w", err)
	}

	ctx := s.ctx
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	_, err = s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, redisConfigKey, payload, 0)
		pipe.Publish(opCtx, redisConfigChannel, payload)
		return nil
	})
	return err
}

// publishSettings shares cfg with the other instances when synchronization
// is enabled.
func publishSettings(cfg Config) error {
	s := currentSync()
	if s == nil {
		return nil
	}
	return s.publish(cfg)
}
