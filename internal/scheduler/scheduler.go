// Package scheduler fires a fixed set of periodic tasks independently of each
// other.
//
// Each due task runs in its own goroutine. A task never overlaps itself: when
// it is still running at its next due check the tick is dropped and the task
// is checked again on the following tick. lastRunAt is stamped at dispatch, so
// a failing task keeps its cadence instead of retrying on every tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autocycle/internal/metrics"
)

var (
	ErrDuplicateTask = errors.New("duplicate task id")
	ErrInvalidTask   = errors.New("invalid task")
	ErrStarted       = errors.New("scheduler already started")
	ErrDrainTimeout  = errors.New("tasks still running after grace period")
)

// Handler is the body of a scheduled task.
type Handler func(ctx context.Context) error

type Task struct {
	ID       string
	Interval time.Duration
	// Timeout bounds one run through the handler context; 0 means no bound.
	Timeout time.Duration
	// Deferred tasks first run one interval after Run starts instead of at
	// the first check.
	Deferred bool
	Handler  Handler
}

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// TaskStatus is a read-only view of one task.
type TaskStatus struct {
	ID           string     `json:"id"`
	Interval     string     `json:"interval"`
	State        State      `json:"state" enum:"idle,running"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty" format:"date-time"`
	LastDuration string     `json:"last_duration,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Runs         int64      `json:"runs"`
	Failures     int64      `json:"failures"`
	SkippedTicks int64      `json:"skipped_ticks"`
}

// Run describes a finished task run.
type Run struct {
	TaskID   string
	RunID    string
	Started  time.Time
	Duration time.Duration
	Err      error
	Panicked bool
}

type Options struct {
	// Tick is how often due tasks are checked. Defaults to one second.
	Tick time.Duration
	// Grace bounds how long Run waits for in-flight handlers after stop.
	Grace      time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
	OnComplete func(Run)
}

type Scheduler struct {
	opts Options

	mu      sync.Mutex
	tasks   map[string]*entry
	order   []string
	started bool
	wg      sync.WaitGroup
}

type entry struct {
	task         Task
	notBefore    time.Time
	running      bool
	overdue      bool
	lastRunAt    *time.Time
	lastDuration time.Duration
	lastErr      string
	runs         int64
	failures     int64
	skipped      int64
}

func New(opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts, tasks: map[string]*entry{}}
}

// Register adds a task. It must be called before Run.
func (s *Scheduler) Register(t Task) error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: empty id", ErrInvalidTask)
	case t.Interval <= 0:
		return fmt.Errorf("%w: %s has non-positive interval", ErrInvalidTask, t.ID)
	case t.Handler == nil:
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTask, t.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, ok := s.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	s.tasks[t.ID] = &entry{task: t}
	s.order = append(s.order, t.ID)
	return nil
}

// Run blocks until ctx is cancelled. It then stops dispatching, waits up to
// the grace period for running handlers, cancels their contexts and returns.
// Tasks that never ran are due on the first check unless Deferred.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	start := s.opts.Now()
	for _, e := range s.tasks {
		if e.task.Deferred {
			e.notBefore = start.Add(e.task.Interval)
		}
	}
	s.mu.Unlock()

	// Handlers outlive ctx by up to the grace period so in-flight work can finish.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	if ctx.Err() == nil {
		s.dispatchDue(runCtx)
	}
	for {
		select {
		case <-ctx.Done():
			return s.drain(cancelRuns)
		case <-ticker.C:
			s.dispatchDue(runCtx)
		}
	}
}

func (s *Scheduler) drain(cancelRuns context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if running := s.running(); len(running) > 0 {
		s.opts.Logger.Info().Strs("tasks", running).Dur("grace", s.opts.Grace).Msg("waiting for running tasks")
	}
	grace := time.NewTimer(s.opts.Grace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
	}
	cancelRuns()
	select {
	case <-done:
		return nil
	case <-time.After(time.Second):
	}
	running := s.running()
	s.opts.Logger.Warn().Strs("tasks", running).Msg("tasks did not stop within the grace period")
	return fmt.Errorf("%w: %s", ErrDrainTimeout, strings.Join(running, ", "))
}

func (s *Scheduler) running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		if s.tasks[id].running {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		e := s.tasks[id]
		if e.lastRunAt != nil && now.Sub(*e.lastRunAt) < e.task.Interval {
			continue
		}
		if e.lastRunAt == nil && now.Before(e.notBefore) {
			continue
		}
		if e.running {
			if !e.overdue {
				e.overdue = true
				e.skipped++
				s.opts.Metrics.TaskSkipped(id)
				s.opts.Logger.Debug().Str("task", id).Msg("task still running; tick dropped")
			}
			continue
		}
		at := now
		e.running = true
		e.overdue = false
		e.lastRunAt = &at
		s.wg.Add(1)
		go s.execute(ctx, e, at)
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry, started time.Time) {
	defer s.wg.Done()
	t := e.task
	run := Run{TaskID: t.ID, RunID: uuid.NewString(), Started: started}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	log := s.opts.Logger.With().Str("task", t.ID).Str("run", run.RunID).Logger()
	log.Debug().Msg("task started")

	run.Err, run.Panicked = invoke(ctx, t.Handler)
	run.Duration = s.opts.Now().Sub(started)

	s.mu.Lock()
	e.running = false
	e.runs++
	e.lastDuration = run.Duration
	e.lastErr = ""
	if run.Err != nil {
		e.failures++
		e.lastErr = run.Err.Error()
	}
	s.mu.Unlock()

	s.opts.Metrics.TaskRun(t.ID, run.Duration, run.Err, run.Panicked)
	if run.Err != nil {
		log.Error().Err(run.Err).Bool("panic", run.Panicked).Dur("elapsed", run.Duration).Msg("task failed")
	} else {
		log.Debug().Dur("elapsed", run.Duration).Msg("task finished")
	}
	if s.opts.OnComplete != nil {
		s.opts.OnComplete(run)
	}
}

func invoke(ctx context.Context, h Handler) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			panicked = true
		}
	}()
	return h(ctx), false
}

// Status returns every task sorted by id.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, e := range s.tasks {
		st := TaskStatus{
			ID:           e.task.ID,
			Interval:     e.task.Interval.String(),
			State:        StateIdle,
			LastError:    e.lastErr,
			Runs:         e.runs,
			Failures:     e.failures,
			SkippedTicks: e.skipped,
		}
		if e.running {
			st.State = StateRunning
		}
		if e.lastRunAt != nil {
			at := *e.lastRunAt
			st.LastRunAt = &at
		}
		if e.lastDuration > 0 {
			st.LastDuration = e.lastDuration.String()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
