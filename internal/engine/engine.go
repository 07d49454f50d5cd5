// Package engine wires the state store, the knowledge registry, the strategy
// executor and the scheduler into the running orchestrator.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"autocycle/internal/backend"
	"autocycle/internal/bounded"
	"autocycle/internal/config"
	"autocycle/internal/domain"
	"autocycle/internal/events"
	"autocycle/internal/knowledge"
	"autocycle/internal/metrics"
	"autocycle/internal/scheduler"
	"autocycle/internal/state"
	"autocycle/internal/strategy"
)

// Task ids.
const (
	TaskLearning = "learning"
	TaskValue    = "value"
	TaskHealth   = "health"
	TaskBackup   = "backup"
	TaskSnapshot = "snapshot"
)

// ErrAlreadyStarted is returned by a second call to Run; an engine runs once.
var ErrAlreadyStarted = errors.New("engine already started")

// Pinger is implemented by providers that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Config     *config.Config
	Backend    backend.Backend
	DB         *sql.DB // event log; nil drops events
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Strategies []strategy.Strategy
	Researcher knowledge.Researcher
	Now        func() time.Time
}

type Engine struct {
	State     *state.Store
	Knowledge *knowledge.Registry
	Growth    *knowledge.Growth
	Backups   knowledge.Backups
	Scheduler *scheduler.Scheduler
	Events    events.Writer

	cfg        *config.Config
	backend    backend.Backend
	log        zerolog.Logger
	metrics    *metrics.Metrics
	strategies []strategy.Strategy
	researcher knowledge.Researcher
	executor   strategy.Executor
	now        func() time.Time

	started  atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}

	mu        sync.Mutex
	startedAt *time.Time
	health    HealthReport
}

// HealthReport is the result of the latest health check.
type HealthReport struct {
	CheckedAt *time.Time `json:"checked_at,omitempty" format:"date-time"`
	OK        bool       `json:"ok"`
	Problems  []string   `json:"problems,omitempty"`
}

func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("config not loaded")
	}
	if opts.Backend == nil {
		return nil, errors.New("persistence backend is required")
	}
	if opts.Researcher == nil {
		return nil, errors.New("knowledge provider is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config
	ev := events.Writer{DB: opts.DB, Now: opts.Now}
	e := &Engine{
		State: state.New(state.Options{
			Backend:    opts.Backend,
			Logger:     opts.Logger.With().Str("component", "state").Logger(),
			Metrics:    opts.Metrics,
			Events:     ev,
			Timeout:    cfg.Timeouts.Storage.Std(),
			AlertAfter: cfg.Persistence.AlertAfter,
			Now:        opts.Now,
		}),
		Knowledge: knowledge.NewRegistry(),
		Growth:    &knowledge.Growth{},
		Backups:   knowledge.Backups{Backend: opts.Backend, Retention: cfg.Backup.Retention, Now: opts.Now},
		Events:    ev,

		cfg:        cfg,
		backend:    opts.Backend,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		strategies: opts.Strategies,
		researcher: opts.Researcher,
		executor: strategy.Executor{
			Timeout: cfg.Timeouts.Strategy.Std(),
			Logger:  opts.Logger.With().Str("component", "strategy").Logger(),
			Metrics: opts.Metrics,
		},
		now:  opts.Now,
		stop: make(chan struct{}),
	}
	e.Knowledge.Now = opts.Now
	e.Scheduler = scheduler.New(scheduler.Options{
		Tick:       cfg.Scheduler.Tick.Std(),
		Grace:      cfg.Scheduler.Grace.Std(),
		Logger:     opts.Logger.With().Str("component", "scheduler").Logger(),
		Metrics:    opts.Metrics,
		Now:        opts.Now,
		OnComplete: e.taskCompleted,
	})
	return e, nil
}

// Run recovers persisted state, checks the providers, registers the fixed
// tasks and runs them until ctx is cancelled or Stop is called. It returns an
// error only if startup fails or the final flush could not be written.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	e.running.Store(true)
	defer e.running.Store(false)

	e.Recover(ctx)
	if report := e.CheckHealth(ctx); !report.OK {
		e.log.Warn().Strs("problems", report.Problems).Msg("starting with unhealthy dependencies")
	}
	if err := e.register(); err != nil {
		return err
	}
	at := e.now().UTC()
	e.mu.Lock()
	e.startedAt = &at
	e.mu.Unlock()
	e.appendEvent(ctx, events.OrchestratorStart, "", "", events.EventPayload{"tasks": len(e.Scheduler.Status())})
	e.log.Info().Int("strategies", len(e.strategies)).Msg("orchestrator started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()
	if err := e.Scheduler.Run(runCtx); err != nil {
		e.log.Warn().Err(err).Msg("scheduler stopped with tasks still running")
	}
	return e.shutdown()
}

// Stop asks a running engine to shut down gracefully. It is safe to call
// more than once and from any goroutine.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Running reports whether Run is between startup and the final flush.
func (e *Engine) Running() bool { return e.running.Load() }

// Recover loads the durable state and the knowledge snapshot. Neither failure
// is fatal: the engine starts cold instead.
func (e *Engine) Recover(ctx context.Context) {
	counters := e.State.Load(ctx)
	sctx, cancel := e.storageCtx(ctx)
	n, err := e.Knowledge.LoadFrom(sctx, e.backend)
	cancel()
	if err != nil {
		e.log.Error().Err(err).Msg("knowledge snapshot unreadable; starting with empty knowledge")
		e.quarantineKnowledge(ctx)
	}
	sctx, cancel = e.storageCtx(ctx)
	if _, err := e.Growth.LoadFrom(sctx, e.backend); err != nil {
		e.log.Warn().Err(err).Msg("growth history unreadable; starting a new one")
	}
	cancel()
	e.metrics.SetKnowledgeEntries(n)
	e.log.Info().
		Int64("cycles", counters.CyclesCompleted).
		Int64("actions", counters.ActionsExecuted).
		Float64("value", counters.TotalValueGenerated).
		Int("knowledge", n).
		Msg("state recovered")
}

func (e *Engine) quarantineKnowledge(ctx context.Context) {
	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	data, err := e.backend.Read(sctx, knowledge.ArtifactName)
	if err != nil {
		return
	}
	name := backend.CorruptName(knowledge.ArtifactName, e.now())
	if err := e.backend.Write(sctx, name, data); err != nil {
		e.log.Warn().Err(err).Msg("could not keep a copy of the corrupt knowledge snapshot")
	}
}

func (e *Engine) register() error {
	t := e.cfg.Tasks
	// Run checks health at startup, and a restart must not cost a backup slot.
	health := e.task(TaskHealth, t.Health, e.checkHealth)
	health.Deferred = true
	backup := e.task(TaskBackup, t.Backup, e.backup)
	backup.Deferred = true
	for _, task := range []scheduler.Task{
		e.task(TaskLearning, t.Learning, e.learn),
		e.task(TaskValue, t.Value, e.generateValue),
		health,
		backup,
		e.task(TaskSnapshot, t.Snapshot, e.snapshot),
	} {
		if err := e.Scheduler.Register(task); err != nil {
			return fmt.Errorf("register %s: %w", task.ID, err)
		}
	}
	return nil
}

// task wraps h so the state store is flushed after every run.
func (e *Engine) task(id string, tc config.TaskConfig, h scheduler.Handler) scheduler.Task {
	return scheduler.Task{
		ID:       id,
		Interval: tc.Interval.Std(),
		Timeout:  tc.Timeout.Std(),
		Handler: func(ctx context.Context) error {
			err := h(ctx)
			// The run context may already be done; the store applies its own timeout.
			if serr := e.State.Save(context.WithoutCancel(ctx)); serr != nil {
				err = errors.Join(err, serr)
			}
			return err
		},
	}
}

func (e *Engine) shutdown() error {
	e.State.Wait()
	ctx := context.Background()
	var errs []error
	if err := e.State.Save(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.persistKnowledge(ctx); err != nil {
		errs = append(errs, err)
	}
	c := e.State.Counters()
	e.appendEvent(ctx, events.OrchestratorStop, "", "", events.EventPayload{
		"cycles":  c.CyclesCompleted,
		"actions": c.ActionsExecuted,
		"flushed": len(errs) == 0,
	})
	if err := errors.Join(errs...); err != nil {
		e.log.Error().Err(err).Msg("final flush failed")
		return fmt.Errorf("final flush: %w", err)
	}
	e.log.Info().Int64("cycles", c.CyclesCompleted).Int64("actions", c.ActionsExecuted).Msg("orchestrator stopped")
	return nil
}

// learn researches every configured topic. The cycle is counted when it
// starts and failed topics are skipped. Whatever was learned is persisted on
// every exit path, including timeout and stop.
func (e *Engine) learn(ctx context.Context) (err error) {
	counters := e.State.RecordCycle(e.now())
	var learned, failed int
	defer func() {
		if perr := e.persistKnowledge(ctx); perr != nil {
			e.log.Error().Err(perr).Msg("knowledge snapshot not written; will retry")
		}
		e.metrics.SetKnowledgeEntries(e.Knowledge.Size())
		ev := e.log.Info()
		msg := "learning cycle complete"
		if err != nil {
			ev = e.log.Warn().Err(err)
			msg = "learning cycle interrupted"
		}
		ev.Int64("cycle", counters.CyclesCompleted).
			Int("learned", learned).
			Int("failed", failed).
			Int("knowledge", e.Knowledge.Size()).
			Msg(msg)
	}()

	for i, g := range e.cfg.Learning.Groups {
		if i > 0 {
			if err := pause(ctx, e.cfg.Learning.GroupPause.Std()); err != nil {
				return err
			}
		}
		for _, topic := range g.Topics {
			if err := ctx.Err(); err != nil {
				return err
			}
			payload, err := bounded.Call(ctx, e.cfg.Timeouts.Research.Std(), func(ctx context.Context) (json.RawMessage, error) {
				return e.researcher.Research(ctx, topic)
			})
			if err == nil {
				err = e.Knowledge.Put(g.Name+"_"+topic, payload)
			}
			if err != nil {
				failed++
				e.log.Warn().Err(err).Str("group", g.Name).Str("topic", topic).Msg("research failed")
				continue
			}
			learned++
		}
	}
	return nil
}

func (e *Engine) generateValue(ctx context.Context) error {
	out := e.executor.Attempt(ctx, e.strategies)
	rec, ok := e.State.RecordOutcome(out, e.now())
	if !ok {
		e.log.Info().Int("attempts", len(out.Attempts)).Msg("no strategy produced value this cycle")
		return ctx.Err()
	}
	e.appendEvent(ctx, events.ActionRecorded, TaskValue, "", events.EventPayload{
		"action":   rec.ID,
		"strategy": rec.StrategyID,
		"value":    rec.Value,
	})
	return nil
}

func (e *Engine) checkHealth(ctx context.Context) error {
	report := e.CheckHealth(ctx)
	size := e.Knowledge.Size()
	growth := e.Growth.Record(size, e.now())
	sctx, cancel := e.storageCtx(context.WithoutCancel(ctx))
	gerr := e.Growth.Persist(sctx, e.backend)
	cancel()
	if gerr != nil {
		e.metrics.PersistFailed(knowledge.GrowthArtifact)
		e.log.Warn().Err(gerr).Msg("growth history not written")
	}
	c := e.State.Counters()
	e.log.Info().
		Int64("cycles", c.CyclesCompleted).
		Int64("actions", c.ActionsExecuted).
		Float64("value", c.TotalValueGenerated).
		Int("knowledge", size).
		Int("knowledge_growth", growth).
		Bool("persist_degraded", e.State.Degraded()).
		Bool("healthy", report.OK).
		Msg("monitor")
	if !report.OK {
		return fmt.Errorf("unhealthy: %v", report.Problems)
	}
	return nil
}

// CheckHealth pings the providers that support it and the backend. It never
// fails; problems are reported in the returned HealthReport.
func (e *Engine) CheckHealth(ctx context.Context) HealthReport {
	var problems []string
	for _, s := range e.strategies {
		if p, ok := s.(Pinger); ok {
			if err := bounded.Do(ctx, e.cfg.Timeouts.Strategy.Std(), p.Ping); err != nil {
				problems = append(problems, fmt.Sprintf("strategy %s: %v", s.ID(), err))
			}
		}
	}
	if p, ok := e.researcher.(Pinger); ok {
		if err := bounded.Do(ctx, e.cfg.Timeouts.Research.Std(), p.Ping); err != nil {
			problems = append(problems, fmt.Sprintf("knowledge provider: %v", err))
		}
	}
	err := bounded.Do(ctx, e.cfg.Timeouts.Storage.Std(), func(ctx context.Context) error {
		_, err := e.backend.List(ctx, state.ArtifactName)
		return err
	})
	if err != nil {
		problems = append(problems, fmt.Sprintf("backend: %v", err))
	}

	at := e.now().UTC()
	report := HealthReport{CheckedAt: &at, OK: len(problems) == 0, Problems: problems}
	e.mu.Lock()
	changed := e.health.CheckedAt == nil || e.health.OK != report.OK
	e.health = report
	e.mu.Unlock()
	if changed {
		e.appendEvent(ctx, events.HealthCheck, TaskHealth, "", events.EventPayload{"ok": report.OK, "problems": problems})
	}
	return report
}

func (e *Engine) backup(ctx context.Context) error {
	if err := e.persistKnowledge(ctx); err != nil {
		return err
	}
	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	bk, pruned, err := e.Backups.Create(sctx)
	if errors.Is(err, knowledge.ErrNothingToBackup) {
		e.log.Info().Msg("no knowledge to back up yet")
		return nil
	}
	if err != nil {
		return err
	}
	e.log.Info().Str("backup", bk.Name).Int("bytes", bk.Size).Int("pruned", len(pruned)).Msg("knowledge backed up")
	e.appendEvent(ctx, events.KnowledgeBackedUp, TaskBackup, "", events.EventPayload{
		"name":   bk.Name,
		"size":   bk.Size,
		"pruned": pruned,
	})
	return nil
}

// snapshot retries knowledge writes that failed earlier. The state flush
// itself happens in the task wrapper.
func (e *Engine) snapshot(ctx context.Context) error {
	return e.persistKnowledge(ctx)
}

// persistKnowledge writes the snapshot if the registry changed since its last
// successful write. Concurrent callers are ordered by the registry.
func (e *Engine) persistKnowledge(ctx context.Context) error {
	sctx, cancel := e.storageCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := e.Knowledge.Persist(sctx, e.backend); err != nil {
		e.metrics.PersistFailed(knowledge.ArtifactName)
		return err
	}
	return nil
}

func (e *Engine) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := e.cfg.Timeouts.Storage.Std(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// Health and snapshot run too often to keep a row per success.
var quietTasks = map[string]bool{TaskHealth: true, TaskSnapshot: true}

func (e *Engine) taskCompleted(r scheduler.Run) {
	ctx := context.Background()
	payload := events.EventPayload{"duration_ms": r.Duration.Milliseconds()}
	switch {
	case r.Err != nil:
		payload["error"] = r.Err.Error()
		payload["panic"] = r.Panicked
		e.appendEvent(ctx, events.TaskFailed, r.TaskID, r.RunID, payload)
	case !quietTasks[r.TaskID]:
		e.appendEvent(ctx, events.TaskFinished, r.TaskID, r.RunID, payload)
	}
}

func (e *Engine) appendEvent(ctx context.Context, typ, taskID, runID string, payload events.EventPayload) {
	sctx, cancel := e.storageCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := e.Events.Append(sctx, typ, taskID, runID, payload); err != nil {
		e.log.Warn().Err(err).Str("event", typ).Msg("append event failed")
	}
}

// Status is the read-only view served by the control API and the CLI.
type Status struct {
	Running       bool                   `json:"running"`
	StartedAt     *time.Time             `json:"started_at,omitempty" format:"date-time"`
	Counters      domain.CycleCounters   `json:"counters"`
	Knowledge     int                    `json:"knowledge_entries"`
	Tasks         []scheduler.TaskStatus `json:"tasks"`
	Usage         []domain.StrategyUsage `json:"usage"`
	RecentActions []domain.ActionRecord  `json:"recent_actions"`
	Persistence   PersistenceStatus      `json:"persistence"`
	Health        HealthReport           `json:"health"`
	Growth        []domain.GrowthSample  `json:"knowledge_growth"`
}

type PersistenceStatus struct {
	Dirty          bool `json:"dirty"`
	KnowledgeDirty bool `json:"knowledge_dirty"`
	Degraded       bool `json:"degraded"`
}

// Status returns the current view; recent limits the action log.
func (e *Engine) Status(recent int) Status {
	e.mu.Lock()
	startedAt := e.startedAt
	health := e.health
	e.mu.Unlock()
	persistence := PersistenceStatus{
		Dirty:          e.State.Dirty(),
		KnowledgeDirty: e.Knowledge.Dirty(),
		Degraded:       e.State.Degraded(),
	}
	return Status{
		Running:       e.running.Load(),
		StartedAt:     startedAt,
		Counters:      e.State.Counters(),
		Knowledge:     e.Knowledge.Size(),
		Tasks:         e.Scheduler.Status(),
		Usage:         e.State.Usage(),
		RecentActions: e.State.Actions(recent),
		Persistence:   persistence,
		Health:        health,
		Growth:        e.Growth.Samples(),
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
