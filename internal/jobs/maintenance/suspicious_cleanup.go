package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/config"
	"ipguard/internal/jobs/runtime"
	"ipguard/internal/metrics"
)

const (
	DefaultSuspiciousMaxAge = 7 * 24 * time.Hour

	suspiciousCleanupLockKey = "ipguard:leader:suspicious_cleanup"
)

type SuspiciousDeleter interface {
	DeleteSuspiciousWhere(ctx context.Context, olderThan time.Time, inactiveOnly bool) (int64, error)
}

// Purger removes inactive suspicious entries older than the retention age.
// Active entries are never purged.
type Purger struct {
	store  SuspiciousDeleter
	maxAge func() time.Duration
}

type Option func(*Purger)

func WithMaxAge(age time.Duration) Option {
	return func(p *Purger) {
		p.maxAge = func() time.Duration { return age }
	}
}

func WithMaxAgeSource(source func() time.Duration) Option {
	return func(p *Purger) {
		if source != nil {
			p.maxAge = source
		}
	}
}

func NewPurger(store SuspiciousDeleter, opts ...Option) *Purger {
	p := &Purger{
		store:  store,
		maxAge: func() time.Duration { return DefaultSuspiciousMaxAge },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Purge deletes rows with created_at < now - maxAge and is_active = false.
func (p *Purger) Purge(ctx context.Context, now time.Time) (int64, error) {
	maxAge := p.maxAge()
	if maxAge <= 0 {
		maxAge = DefaultSuspiciousMaxAge
	}

	deleted, err := p.store.DeleteSuspiciousWhere(ctx, now.Add(-maxAge), true)
	if err != nil {
		return 0, fmt.Errorf("retention: purge suspicious: %w", err)
	}
	metrics.SuspiciousPurged.Add(float64(deleted))
	return deleted, nil
}

func SuspiciousCleanupTask(purger *Purger, report func(int64)) runtime.PeriodicTask {
	return runtime.PeriodicTask{
		Name:     "suspicious_cleanup",
		LockKey:  suspiciousCleanupLockKey,
		Interval: config.GetRetentionSweepInterval,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			start := time.Now()
			deleted, err := purger.Purge(ctx, start.UTC())
			if report != nil {
				report(deleted)
			}
			if err != nil {
				return err
			}
			if deleted > 0 {
				log.Info("Cleaned up old suspicious IP records", "deleted", deleted, "duration", time.Since(start))
			}
			return nil
		},
	}
}

func StartSuspiciousCleanupRoutine(ctx context.Context, purger *Purger) {
	task := SuspiciousCleanupTask(purger, nil)
	task.Updates = config.RetentionSweepIntervalUpdates()
	runtime.StartPeriodic(ctx, task)
}

// RunSuspiciousCleanup purges now. ran is false when another purge was
// already in progress.
func RunSuspiciousCleanup(ctx context.Context, purger *Purger) (deleted int64, ran bool, err error) {
	task := SuspiciousCleanupTask(purger, func(n int64) { deleted = n })
	ran, err = runtime.ExecuteOnce(ctx, task, "manual")
	return deleted, ran, err
}
