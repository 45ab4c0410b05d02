package runtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/config"
	"ipguard/internal/geolite"
)

const geoLiteUpdateLockKey = "ipguard:leader:geolite_update"

func geoLiteUpdateTask(reason string, force bool) PeriodicTask {
	return PeriodicTask{
		Name:       "geolite_update",
		LockKey:    geoLiteUpdateLockKey,
		Interval:   config.GetGeoLiteUpdateInterval,
		Timeout:    5 * time.Minute,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			return triggerGeoLiteUpdate(ctx, reason, force)
		},
	}
}

func StartGeoLiteUpdateRoutine(ctx context.Context) {
	task := geoLiteUpdateTask("scheduled", false)
	task.Updates = config.GeoLiteUpdateIntervalUpdates()
	StartPeriodic(ctx, task)
}

// RunGeoLiteUpdate runs the updater on demand. When force is false the update
// is only executed if auto updates are enabled.
func RunGeoLiteUpdate(ctx context.Context, reason string, force bool) error {
	_, err := ExecuteOnce(ctx, geoLiteUpdateTask(reason, force), reason)
	return err
}

func triggerGeoLiteUpdate(ctx context.Context, reason string, force bool) error {
	cfg := config.GetConfig()
	if strings.TrimSpace(cfg.GeoLite.APIKey) == "" {
		log.Debug("GeoLite update skipped: API key missing", "reason", reason)
		return nil
	}
	if !force && !cfg.GeoLite.AutoUpdate {
		log.Debug("GeoLite update skipped: auto update disabled", "reason", reason)
		return nil
	}

	updated, err := geolite.UpdateDatabases(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoAPIKey):
		log.Debug("GeoLite update skipped: API key missing", "reason", reason)
		return nil
	case err != nil:
		return err
	case updated:
		log.Info("GeoLite City database updated", "reason", reason)
	}
	return nil
}
