package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	InstanceHeartbeatKeyPrefix = "ipguard:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHeartbeatTTL        = 30 * time.Second

	heartbeatScanCount = 100
)

var instanceID = generateInstanceID()

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano())
}

func InstanceID() string {
	return instanceID
}

// StartInstanceHeartbeat refreshes this instance's presence key until ctx is
// done. The key expires after ttl if the instance dies.
func StartInstanceHeartbeat(ctx context.Context, client *redis.Client, keyPrefix string, interval, ttl time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}
	heartbeatKey := keyPrefix + instanceID

	sendHeartbeat := func() {
		if err := client.SetEx(ctx, heartbeatKey, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to update instance heartbeat", "key", heartbeatKey, "error", err)
		}
	}

	sendHeartbeat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = client.Del(cleanupCtx, heartbeatKey).Err()
			cancel()
			return
		case <-ticker.C:
			sendHeartbeat()
		}
	}
}

func LaunchInstanceHeartbeat(parent context.Context, client *redis.Client) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go StartInstanceHeartbeat(ctx, client, InstanceHeartbeatKeyPrefix, DefaultHeartbeatInterval, DefaultHeartbeatTTL)
	return cancel
}

// ActiveInstances lists the ids of instances with a live heartbeat.
func ActiveInstances(ctx context.Context, client *redis.Client) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var ids []string
	iter := client.Scan(ctx, 0, InstanceHeartbeatKeyPrefix+"*", heartbeatScanCount).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(InstanceHeartbeatKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
