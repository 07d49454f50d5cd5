package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(onComplete func(Run)) *Scheduler {
	return New(Options{Tick: 5 * time.Millisecond, Grace: time.Second, OnComplete: onComplete})
}

func runFor(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}

func TestRegisterRejectsInvalidTasks(t *testing.T) {
	s := newTestScheduler(nil)
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Register(Task{ID: "a", Interval: time.Second, Handler: noop}))

	err := s.Register(Task{ID: "a", Interval: time.Second, Handler: noop})
	assert.ErrorIs(t, err, ErrDuplicateTask)
	assert.ErrorIs(t, s.Register(Task{ID: " ", Interval: time.Second, Handler: noop}), ErrInvalidTask)
	assert.ErrorIs(t, s.Register(Task{ID: "b", Handler: noop}), ErrInvalidTask)
	assert.ErrorIs(t, s.Register(Task{ID: "c", Interval: time.Second}), ErrInvalidTask)
}

func TestRegisterAfterRunFails(t *testing.T) {
	s := newTestScheduler(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.started
	}, time.Second, time.Millisecond)

	err := s.Register(Task{ID: "late", Interval: time.Second, Handler: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStarted)
	assert.ErrorIs(t, s.Run(ctx), ErrStarted)
	cancel()
	require.NoError(t, <-done)
}

func TestNeverRunTaskFiresImmediately(t *testing.T) {
	var runs atomic.Int32
	s := newTestScheduler(nil)
	require.NoError(t, s.Register(Task{ID: "hourly", Interval: time.Hour, Handler: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	runFor(t, s, 60*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	st := s.Status()
	require.Len(t, st, 1)
	assert.NotNil(t, st[0].LastRunAt)
	assert.Equal(t, StateIdle, st[0].State)
	assert.Equal(t, int64(1), st[0].Runs)
}

func TestDeferredTaskWaitsOneInterval(t *testing.T) {
	var hourly, deferred atomic.Int32
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	s := New(Options{Tick: 5 * time.Millisecond, Grace: time.Second, Now: now})
	require.NoError(t, s.Register(Task{ID: "eager", Interval: time.Hour, Handler: func(context.Context) error {
		hourly.Add(1)
		return nil
	}}))
	require.NoError(t, s.Register(Task{ID: "backup", Interval: time.Hour, Deferred: true, Handler: func(context.Context) error {
		deferred.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return hourly.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, deferred.Load(), "deferred task must not run at startup")

	mu.Lock()
	clock = clock.Add(time.Hour)
	mu.Unlock()
	require.Eventually(t, func() bool { return deferred.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestSlowTaskDoesNotDelayOthers(t *testing.T) {
	var fast atomic.Int32
	release := make(chan struct{})
	s := newTestScheduler(nil)
	require.NoError(t, s.Register(Task{ID: "slow", Interval: time.Hour, Handler: func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}))
	require.NoError(t, s.Register(Task{ID: "fast", Interval: 10 * time.Millisecond, Handler: func(context.Context) error {
		fast.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return fast.Load() >= 5 }, 2*time.Second, 5*time.Millisecond)

	st := s.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "fast", st[0].ID)
	assert.Equal(t, "slow", st[1].ID)
	assert.Equal(t, StateRunning, st[1].State)

	close(release)
	cancel()
	require.NoError(t, <-done)
}

func TestTaskNeverOverlapsItself(t *testing.T) {
	var active, maxActive, runs atomic.Int32
	s := newTestScheduler(nil)
	require.NoError(t, s.Register(Task{ID: "busy", Interval: 5 * time.Millisecond, Handler: func(context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		active.Add(-1)
		runs.Add(1)
		return nil
	}}))
	runFor(t, s, 200*time.Millisecond)

	assert.Equal(t, int32(1), maxActive.Load())
	assert.GreaterOrEqual(t, runs.Load(), int32(2))
	assert.Positive(t, s.Status()[0].SkippedTicks)
}

func TestFailingTaskKeepsCadence(t *testing.T) {
	var runs atomic.Int32
	s := newTestScheduler(nil)
	require.NoError(t, s.Register(Task{ID: "flaky", Interval: 50 * time.Millisecond, Handler: func(context.Context) error {
		runs.Add(1)
		return errors.New("provider unavailable")
	}}))
	runFor(t, s, 220*time.Millisecond)

	// One run at start then roughly one per interval, never one per tick.
	n := runs.Load()
	assert.GreaterOrEqual(t, n, int32(3))
	assert.LessOrEqual(t, n, int32(6))
	st := s.Status()[0]
	assert.Equal(t, int64(n), st.Failures)
	assert.Equal(t, "provider unavailable", st.LastError)
}

func TestPanicIsContained(t *testing.T) {
	var (
		mu      sync.Mutex
		results []Run
		other   atomic.Int32
	)
	s := newTestScheduler(func(r Run) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})
	require.NoError(t, s.Register(Task{ID: "boom", Interval: time.Hour, Handler: func(context.Context) error {
		panic("kaboom")
	}}))
	require.NoError(t, s.Register(Task{ID: "steady", Interval: 10 * time.Millisecond, Handler: func(context.Context) error {
		other.Add(1)
		return nil
	}}))
	runFor(t, s, 80*time.Millisecond)

	assert.GreaterOrEqual(t, other.Load(), int32(3))
	mu.Lock()
	defer mu.Unlock()
	var found bool
	for _, r := range results {
		if r.TaskID == "boom" {
			found = true
			assert.True(t, r.Panicked)
			assert.ErrorContains(t, r.Err, "kaboom")
			assert.NotEmpty(t, r.RunID)
		}
	}
	assert.True(t, found)
}

func TestTaskTimeoutCancelsHandlerContext(t *testing.T) {
	var sawDeadline atomic.Bool
	s := newTestScheduler(nil)
	require.NoError(t, s.Register(Task{ID: "bounded", Interval: time.Hour, Timeout: 20 * time.Millisecond, Handler: func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}}))
	runFor(t, s, 100*time.Millisecond)
	assert.True(t, sawDeadline.Load())
	assert.Equal(t, int64(1), s.Status()[0].Failures)
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	var finished atomic.Bool
	started := make(chan struct{})
	s := newTestScheduler(nil)
	require.NoError(t, s.Register(Task{ID: "work", Interval: time.Hour, Handler: func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(ctx.Err() == nil)
		return nil
	}}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-started
	cancel()
	require.NoError(t, <-done)
	assert.True(t, finished.Load())
}

func TestStopCancelsHandlersAfterGrace(t *testing.T) {
	started := make(chan struct{})
	s := New(Options{Tick: 5 * time.Millisecond, Grace: 20 * time.Millisecond})
	require.NoError(t, s.Register(Task{ID: "stuck", Interval: time.Hour, Handler: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-started
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
