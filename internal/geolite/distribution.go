package geolite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipguard/internal/geo"
)

const (
	geoLiteRedisKeyPrefix = "ipguard:geolite:file:"
	geoLiteRedisChannel   = "ipguard:geolite:updates"
	geoLiteRedisOpTimeout = 30 * time.Second
)

type geoLiteUpdatePayload struct {
	Files     []string `json:"files"`
	UpdatedAt string   `json:"updated_at,omitempty"`
}

// Distributor replicates downloaded databases between instances through
// redis, so only the instance running the update job talks to MaxMind.
type Distributor struct {
	client  *redis.Client
	dataDir string
	reload  func() error
}

func NewDistributor(client *redis.Client, dataDir string, reload func() error) *Distributor {
	return &Distributor{client: client, dataDir: dataDir, reload: reload}
}

var activeDistributor atomic.Pointer[Distributor]

// EnableRedisDistribution loads any database already shared in redis and
// follows later updates until ctx is done.
func EnableRedisDistribution(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("GeoLite redis distribution disabled: redis client is nil")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d := NewDistributor(client, geo.DataDir, geo.ReloadFromDisk)
	if !activeDistributor.CompareAndSwap(nil, d) {
		return
	}

	go func() {
		if updated, err := d.Pull(ctx, nil); err != nil {
			log.Error("geolite redis sync: initial load failed", "error", err)
		} else if updated {
			log.Info("geolite redis sync: loaded databases from redis")
		}
	}()

	go d.Subscribe(ctx)
}

// PublishGeoLiteDatabases shares files through the active distributor. It is
// a no-op when redis distribution is disabled.
func PublishGeoLiteDatabases(ctx context.Context, filenames []string) error {
	d := activeDistributor.Load()
	if d == nil {
		return nil
	}
	return d.Publish(ctx, filenames)
}

func (d *Distributor) Publish(ctx context.Context, filenames []string) error {
	if len(filenames) == 0 {
		filenames = defaultGeoLiteFilenames()
	}

	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()

	for _, name := range filenames {
		data, err := os.ReadFile(filepath.Join(d.dataDir, name))
		if err != nil {
			return fmt.Errorf("geolite redis sync: read %s: %w", name, err)
		}
		if len(data) == 0 {
			continue
		}
		if err := d.client.Set(opCtx, geoLiteRedisKey(name), data, 0).Err(); err != nil {
			return fmt.Errorf("geolite redis sync: store %s: %w", name, err)
		}
	}

	payload, err := json.Marshal(geoLiteUpdatePayload{
		Files:     filenames,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("geolite redis sync: serialize payload: %w", err)
	}

	return d.client.Publish(opCtx, geoLiteRedisChannel, payload).Err()
}

// Pull writes the shared files into the data directory and reloads the
// reader. It reports whether any file was written.
func (d *Distributor) Pull(ctx context.Context, filenames []string) (bool, error) {
	if len(filenames) == 0 {
		filenames = defaultGeoLiteFilenames()
	}

	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()

	var updated bool
	for _, name := range filenames {
		data, err := d.client.Get(opCtx, geoLiteRedisKey(name)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return false, err
		}
		if len(data) == 0 {
			continue
		}
		if err := writeToFile(filepath.Join(d.dataDir, name), bytes.NewReader(data)); err != nil {
			return false, fmt.Errorf("geolite redis sync: write %s: %w", name, err)
		}
		updated = true
	}

	if updated && d.reload != nil {
		if err := d.reload(); err != nil {
			return false, fmt.Errorf("geolite redis sync: reload databases: %w", err)
		}
	}
	return updated, nil
}

// Subscribe applies published updates until ctx is done.
func (d *Distributor) Subscribe(ctx context.Context) {
	pubsub := d.client.Subscribe(ctx, geoLiteRedisChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("geolite redis sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		var payload geoLiteUpdatePayload
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			log.Error("geolite redis sync: invalid payload", "error", err)
			continue
		}

		if updated, err := d.Pull(ctx, payload.Files); err != nil {
			log.Error("geolite redis sync: failed to apply update", "error", err)
		} else if updated {
			log.Info("geolite redis sync: applied update", "files", payload.Files)
		}
	}
}

func geoLiteRedisKey(filename string) string {
	return geoLiteRedisKeyPrefix + filename
}

func defaultGeoLiteFilenames() []string {
	files := make([]string, 0, len(downloadTargets))
	for _, target := range downloadTargets {
		files = append(files, target.filename)
	}
	return files
}

func redisTimeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= geoLiteRedisOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, geoLiteRedisOpTimeout)
}
