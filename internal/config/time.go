package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultAnomalySweepInterval   = time.Hour
	defaultRetentionSweepInterval = 24 * time.Hour
	defaultGeoLiteUpdateInterval  = 24 * time.Hour
	defaultFeedRefreshInterval    = 6 * time.Hour

	defaultDetectionWindow     = time.Hour
	defaultSuspiciousMaxAge    = 7 * 24 * time.Hour
	defaultGeolocationCacheTTL = 24 * time.Hour
)

// intervalSetting holds a live interval and notifies subscribers when it
// changes.
type intervalSetting struct {
	value     atomic.Value
	fallback  time.Duration
	mu        sync.Mutex
	listeners []chan time.Duration
}

func newIntervalSetting(fallback time.Duration) *intervalSetting {
	s := &intervalSetting{fallback: fallback}
	s.value.Store(fallback)
	return s
}

func (s *intervalSetting) get() time.Duration {
	return s.value.Load().(time.Duration)
}

func (s *intervalSetting) set(interval time.Duration) {
	if interval <= 0 {
		interval = s.fallback
	}
	if s.get() == interval {
		return
	}
	s.value.Store(interval)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- interval:
		default:
		}
	}
}

func (s *intervalSetting) subscribe() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()

	ch <- s.get()
	return ch
}

var (
	anomalySweepInterval   = newIntervalSetting(defaultAnomalySweepInterval)
	retentionSweepInterval = newIntervalSetting(defaultRetentionSweepInterval)
	geoLiteUpdateInterval  = newIntervalSetting(defaultGeoLiteUpdateInterval)
	feedRefreshInterval    = newIntervalSetting(defaultFeedRefreshInterval)
)

func SetBetweenTime() {
	cfg := GetConfig()
	anomalySweepInterval.set(timerOrDefault(cfg.Detection.SweepTimer, defaultAnomalySweepInterval))
	retentionSweepInterval.set(timerOrDefault(cfg.Retention.SweepTimer, defaultRetentionSweepInterval))
	geoLiteUpdateInterval.set(timerOrDefault(cfg.GeoLite.UpdateTimer, defaultGeoLiteUpdateInterval))
	feedRefreshInterval.set(timerOrDefault(cfg.BlocklistFeeds.RefreshTimer, defaultFeedRefreshInterval))
}

// CalculateBetweenTime converts timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

func timerOrDefault(timer Timer, fallback time.Duration) time.Duration {
	if timer.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

func GetAnomalySweepInterval() time.Duration {
	return anomalySweepInterval.get()
}

func AnomalySweepIntervalUpdates() <-chan time.Duration {
	return anomalySweepInterval.subscribe()
}

func GetRetentionSweepInterval() time.Duration {
	return retentionSweepInterval.get()
}

func RetentionSweepIntervalUpdates() <-chan time.Duration {
	return retentionSweepInterval.subscribe()
}

func GetGeoLiteUpdateInterval() time.Duration {
	return geoLiteUpdateInterval.get()
}

func GeoLiteUpdateIntervalUpdates() <-chan time.Duration {
	return geoLiteUpdateInterval.subscribe()
}

func GetFeedRefreshInterval() time.Duration {
	return feedRefreshInterval.get()
}

func FeedRefreshIntervalUpdates() <-chan time.Duration {
	return feedRefreshInterval.subscribe()
}

// GetDetectionWindow is the trailing window scanned by each anomaly sweep.
func GetDetectionWindow() time.Duration {
	return timerOrDefault(GetConfig().Detection.Window, defaultDetectionWindow)
}

// GetSuspiciousMaxAge is the age after which inactive suspicious entries are
// purged.
func GetSuspiciousMaxAge() time.Duration {
	return timerOrDefault(GetConfig().Retention.SuspiciousMaxAge, defaultSuspiciousMaxAge)
}

func GetGeolocationCacheTTL() time.Duration {
	return timerOrDefault(GetConfig().Geolocation.CacheTTL, defaultGeolocationCacheTTL)
}
