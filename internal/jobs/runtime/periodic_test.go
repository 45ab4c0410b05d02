package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestStartPeriodicRunsUnderLeaderLock(t *testing.T) {
	client, mr := newTestRedis(t)

	var runs atomic.Int32
	task := PeriodicTask{
		Name:       "test_leader",
		LockKey:    "ipguard:test:leader",
		Interval:   func() time.Duration { return 20 * time.Millisecond },
		RunOnStart: true,
		Client:     client,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		StartPeriodic(ctx, task)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("task ran %d times, want at least 3", runs.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !mr.Exists("ipguard:test:leader") {
		t.Fatal("leader lock key was not set while the task was scheduled")
	}

	cancel()
	<-done
}

func TestStartPeriodicFallsBackToLocalTicker(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://127.0.0.1:1/0")

	var runs atomic.Int32
	task := PeriodicTask{
		Name:       "test_local",
		LockKey:    "ipguard:test:local",
		Interval:   func() time.Duration { return 10 * time.Millisecond },
		RunOnStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	StartPeriodic(ctx, task)

	if runs.Load() < 2 {
		t.Fatalf("task ran %d times on the local ticker, want at least 2", runs.Load())
	}
}

func TestExecuteOnceDoesNotOverlapLocally(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	task := PeriodicTask{
		Name:    "test_overlap",
		LockKey: "ipguard:test:overlap",
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}

	firstDone := make(chan bool)
	go func() {
		ran, _ := execute(context.Background(), task, nil, "first")
		firstDone <- ran
	}()

	<-started
	ran, err := execute(context.Background(), task, nil, "second")
	if err != nil || ran {
		t.Fatalf("second execute = %v, %v; want false, nil", ran, err)
	}

	close(release)
	if !<-firstDone {
		t.Fatal("first execute did not run")
	}
}

func TestExecuteOnceReturnsTaskError(t *testing.T) {
	client, _ := newTestRedis(t)
	wantErr := errors.New("sweep failed")

	task := PeriodicTask{
		Name:    "test_error",
		LockKey: "ipguard:test:error",
		Client:  client,
		Run:     func(context.Context) error { return wantErr },
	}

	ran, err := ExecuteOnce(context.Background(), task, "manual")
	if !ran || !errors.Is(err, wantErr) {
		t.Fatalf("ExecuteOnce = %v, %v; want true, %v", ran, err, wantErr)
	}
}

func TestPeriodicIntervalUpdate(t *testing.T) {
	updates := make(chan time.Duration, 1)
	var runs atomic.Int32

	task := PeriodicTask{
		Name:     "test_update",
		LockKey:  "ipguard:test:update",
		Interval: func() time.Duration { return time.Hour },
		Updates:  updates,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}

	client, _ := newTestRedis(t)
	task.Client = client

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go StartPeriodic(ctx, task)

	updates <- 10 * time.Millisecond

	deadline := time.After(3 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("task did not run after the interval was shortened")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestActiveInstances(t *testing.T) {
	client, _ := newTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartInstanceHeartbeat(ctx, client, InstanceHeartbeatKeyPrefix, time.Hour, time.Minute)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		ids, err := ActiveInstances(context.Background(), client)
		if err != nil {
			t.Fatalf("ActiveInstances returned error: %v", err)
		}
		if len(ids) == 1 && ids[0] == InstanceID() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("ActiveInstances = %v, want [%s]", ids, InstanceID())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done

	ids, err := ActiveInstances(context.Background(), client)
	if err != nil {
		t.Fatalf("ActiveInstances returned error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ActiveInstances after shutdown = %v, want none", ids)
	}
}
