package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipguard/internal/metrics"
	"ipguard/internal/support"
)

const defaultTaskTimeout = 10 * time.Minute

// PeriodicTask is a sweep that runs on a timer. Across instances only the
// holder of LockKey schedules it, and every single run (scheduled or manual)
// additionally takes a short run lock so runs never overlap.
type PeriodicTask struct {
	Name       string
	LockKey    string
	Interval   func() time.Duration
	Updates    <-chan time.Duration
	Timeout    time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error

	// Client overrides the shared redis client. Without any reachable redis
	// the task runs on a local ticker.
	Client *redis.Client
}

var localRunLocks sync.Map

// StartPeriodic blocks until ctx is done.
func StartPeriodic(ctx context.Context, task PeriodicTask) {
	if ctx == nil {
		ctx = context.Background()
	}

	var intervalValue atomic.Value
	intervalValue.Store(task.interval(0))

	updateSignal := make(chan struct{}, 1)
	if task.Updates != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case newInterval := <-task.Updates:
					intervalValue.Store(task.interval(newInterval))
					select {
					case updateSignal <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	client := task.redisClient()
	if client == nil {
		log.Warn("Redis unavailable, running task on local ticker", "task", task.Name)
		runPeriodicLoop(ctx, task, nil, &intervalValue, updateSignal)
		return
	}

	err := support.RunWithLeaderClient(ctx, client, task.LockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runPeriodicLoop(leaderCtx, task, client, &intervalValue, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Periodic task stopped", "task", task.Name, "error", err)
	}
}

// ExecuteOnce runs the task now unless another run is in progress. It reports
// whether the task ran.
func ExecuteOnce(ctx context.Context, task PeriodicTask, trigger string) (bool, error) {
	return execute(ctx, task, task.redisClient(), trigger)
}

func runPeriodicLoop(ctx context.Context, task PeriodicTask, client *redis.Client, intervalValue *atomic.Value, updateSignal <-chan struct{}) {
	currentInterval := intervalValue.Load().(time.Duration)

	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	if task.RunOnStart {
		runAndLog(ctx, task, client, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runAndLog(ctx, task, client, "scheduled")
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
			log.Debug("Periodic task rescheduled", "task", task.Name, "interval", currentInterval)
		}
	}
}

func runAndLog(ctx context.Context, task PeriodicTask, client *redis.Client, trigger string) {
	ran, err := execute(ctx, task, client, trigger)
	switch {
	case err != nil:
		log.Error("Periodic task failed", "task", task.Name, "trigger", trigger, "error", err)
	case !ran:
		log.Debug("Periodic task skipped, another run in progress", "task", task.Name, "trigger", trigger)
	}
}

func execute(ctx context.Context, task PeriodicTask, client *redis.Client, trigger string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}

	var runErr error
	body := func(runCtx context.Context) {
		runCtx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()

		start := time.Now()
		runErr = task.Run(runCtx)

		status := "ok"
		if runErr != nil {
			status = "error"
		}
		metrics.SweepDuration.WithLabelValues(task.Name, status).Observe(time.Since(start).Seconds())
		log.Debug("Periodic task finished", "task", task.Name, "trigger", trigger, "duration", time.Since(start), "status", status)
	}

	if client != nil {
		ran, err := support.TryRunExclusive(ctx, client, task.LockKey+":run", timeout, body)
		if err == nil {
			return ran, runErr
		}
		log.Warn("Run lock unavailable, falling back to local lock", "task", task.Name, "error", err)
	}

	lock, _ := localRunLocks.LoadOrStore(task.Name, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	if !mu.TryLock() {
		return false, nil
	}
	defer mu.Unlock()

	body(ctx)
	return true, runErr
}

func (t PeriodicTask) interval(candidate time.Duration) time.Duration {
	if candidate > 0 {
		return candidate
	}
	if t.Interval != nil {
		if d := t.Interval(); d > 0 {
			return d
		}
	}
	return time.Hour
}

func (t PeriodicTask) redisClient() *redis.Client {
	if t.Client != nil {
		return t.Client
	}
	client, err := support.GetRedisClient()
	if err != nil {
		return nil
	}
	return client
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
