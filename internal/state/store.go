// Package state owns the durable counters, the action log and the per-strategy
// usage history.
//
// All mutations go through Store methods under one mutex. Save snapshots the
// state under that mutex and performs the write outside it, so a slow backend
// never blocks mutators. Writes are serialized by a second mutex and carry a
// generation number, so an older snapshot can never overwrite a newer one.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"autocycle/internal/backend"
	"autocycle/internal/domain"
	"autocycle/internal/events"
	"autocycle/internal/metrics"
	"autocycle/internal/strategy"
)

// ArtifactName is the backend name of the counters/log artifact.
const ArtifactName = "state"

const currentVersion = 1

type Options struct {
	Backend backend.Backend
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Events  events.Writer
	// Timeout bounds each backend call; <= 0 leaves only the caller's context.
	Timeout time.Duration
	// AlertAfter is the number of consecutive failed saves that marks the
	// store degraded. Defaults to 3.
	AlertAfter int
	Now        func() time.Time
}

type Store struct {
	backend    backend.Backend
	log        zerolog.Logger
	metrics    *metrics.Metrics
	events     events.Writer
	timeout    time.Duration
	alertAfter int
	now        func() time.Time

	mu  sync.Mutex
	st  domain.State
	gen uint64

	// ioMu serializes saves. savedGen and degraded are written under it and
	// read without it, so status reads never wait on a slow backend.
	ioMu     sync.Mutex
	savedGen atomic.Uint64
	failures int
	degraded atomic.Bool
}

func New(opts Options) *Store {
	if opts.AlertAfter <= 0 {
		opts.AlertAfter = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		backend:    opts.Backend,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		events:     opts.Events,
		timeout:    opts.Timeout,
		alertAfter: opts.AlertAfter,
		now:        opts.Now,
		st:         emptyState(),
	}
}

func emptyState() domain.State {
	return domain.State{Version: currentVersion, Actions: []domain.ActionRecord{}, Usage: map[string]domain.StrategyUsage{}}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// Load replaces the in-memory state with the persisted artifact. It never
// fails: a missing, unreadable or corrupt artifact is a cold start with zero
// counters. Corrupt bytes are copied aside so they are not lost on the next save.
func (s *Store) Load(ctx context.Context) domain.CycleCounters {
	st := emptyState()
	cctx, cancel := s.withTimeout(ctx)
	data, err := s.backend.Read(cctx, ArtifactName)
	cancel()
	switch {
	case errors.Is(err, backend.ErrNotFound):
		s.log.Info().Msg("no saved state; cold start")
	case err != nil:
		s.log.Error().Err(err).Msg("read saved state failed; cold start")
	default:
		if decoded, derr := decode(data); derr != nil {
			s.log.Error().Err(derr).Msg("saved state is corrupt; cold start")
			s.quarantine(ctx, data)
		} else {
			st = decoded
		}
	}
	s.mu.Lock()
	s.st = st
	s.gen++
	loaded := s.gen
	counters := st.Counters
	s.mu.Unlock()

	s.ioMu.Lock()
	s.savedGen.Store(loaded)
	s.ioMu.Unlock()
	s.metrics.SetCounters(counters.CyclesCompleted, counters.TotalValueGenerated, counters.ActionsExecuted)
	return counters
}

func decode(data []byte) (domain.State, error) {
	var st domain.State
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.State{}, err
	}
	if st.Version > currentVersion {
		return domain.State{}, fmt.Errorf("state version %d is newer than supported %d", st.Version, currentVersion)
	}
	c := st.Counters
	if c.CyclesCompleted < 0 || c.ActionsExecuted < 0 || c.TotalValueGenerated < 0 {
		return domain.State{}, errors.New("state has negative counters")
	}
	st.Version = currentVersion
	if st.Actions == nil {
		st.Actions = []domain.ActionRecord{}
	}
	if st.Usage == nil {
		st.Usage = map[string]domain.StrategyUsage{}
	}
	return st, nil
}

func (s *Store) quarantine(ctx context.Context, data []byte) {
	name := backend.CorruptName(ArtifactName, s.now())
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.backend.Write(cctx, name, data); err != nil {
		s.log.Warn().Err(err).Msg("could not keep a copy of the corrupt state")
		return
	}
	s.log.Warn().Str("artifact", name).Msg("kept a copy of the corrupt state")
}

// Save writes the current state if it changed since the last successful save.
// On failure the in-memory state stays authoritative and remains dirty, so the
// next Save retries.
func (s *Store) Save(ctx context.Context) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	gen := s.gen
	if gen == s.savedGen.Load() {
		s.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(s.st)
	counters := s.st.Counters
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	cctx, cancel := s.withTimeout(ctx)
	err = s.backend.Write(cctx, ArtifactName, data)
	cancel()
	if err != nil {
		s.failures++
		s.metrics.PersistFailed(ArtifactName)
		s.log.Error().Err(err).Int("consecutive_failures", s.failures).Msg("state flush failed; keeping in-memory state")
		if s.failures >= s.alertAfter && !s.degraded.Load() {
			s.degraded.Store(true)
			s.metrics.SetPersistDegraded(true)
			s.log.Error().Int("consecutive_failures", s.failures).Msg("state persistence degraded")
			s.appendEvent(ctx, events.PersistDegraded, events.EventPayload{"failures": s.failures, "error": err.Error()})
		}
		return fmt.Errorf("save state: %w", err)
	}
	s.savedGen.Store(gen)
	if s.degraded.Load() {
		s.degraded.Store(false)
		s.metrics.SetPersistDegraded(false)
		s.log.Info().Int("after_failures", s.failures).Msg("state persistence recovered")
		s.appendEvent(ctx, events.PersistRecovered, events.EventPayload{"failures": s.failures})
	}
	s.failures = 0
	s.metrics.SetCounters(counters.CyclesCompleted, counters.TotalValueGenerated, counters.ActionsExecuted)
	return nil
}

func (s *Store) appendEvent(ctx context.Context, typ string, payload events.EventPayload) {
	if err := s.events.Append(context.WithoutCancel(ctx), typ, "", "", payload); err != nil {
		s.log.Warn().Err(err).Str("event", typ).Msg("append event failed")
	}
}

// Dirty reports whether there are mutations not yet persisted.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != s.savedGen.Load()
}

// Wait blocks until any in-progress Save has finished.
func (s *Store) Wait() {
	s.ioMu.Lock()
	s.ioMu.Unlock()
}

// Degraded reports whether consecutive save failures crossed the alert threshold.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// RecordCycle counts one completed learning cycle.
func (s *Store) RecordCycle(at time.Time) domain.CycleCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = at.UTC()
	s.st.Counters.CyclesCompleted++
	s.st.Counters.LastCycleAt = &at
	s.gen++
	return s.st.Counters
}

// RecordOutcome folds a strategy outcome into the usage history and, for a
// success, appends an ActionRecord and bumps the value counters.
func (s *Store) RecordOutcome(o strategy.Outcome, at time.Time) (domain.ActionRecord, bool) {
	at = at.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range o.Attempts {
		u := s.st.Usage[a.StrategyID]
		u.StrategyID = a.StrategyID
		u.Attempts++
		ts := at
		u.LastAttemptAt = &ts
		switch a.Status {
		case strategy.StatusSucceeded:
			u.Successes++
			u.TotalValue += a.Value
			u.LastError = ""
		case strategy.StatusNoOpportunity:
			u.NoOpportunity++
		case strategy.StatusFailed:
			u.Failures++
			if a.Err != nil {
				u.LastError = a.Err.Error()
			}
		}
		s.st.Usage[a.StrategyID] = u
	}
	if len(o.Attempts) > 0 {
		s.gen++
	}
	if !o.Success {
		return domain.ActionRecord{}, false
	}
	rec := domain.ActionRecord{
		ID:         uuid.NewString(),
		StrategyID: o.StrategyID,
		Value:      o.Value,
		Timestamp:  at,
		Succeeded:  true,
	}
	s.st.Actions = append(s.st.Actions, rec)
	s.st.Counters.ActionsExecuted++
	s.st.Counters.TotalValueGenerated += o.Value
	s.gen++
	return rec, true
}

// Reset zeroes counters, the action log and usage history.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = emptyState()
	s.gen++
}

func (s *Store) Counters() domain.CycleCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.st.Counters
	if c.LastCycleAt != nil {
		t := *c.LastCycleAt
		c.LastCycleAt = &t
	}
	return c
}

// Actions returns the newest n records in log order; n <= 0 returns all.
func (s *Store) Actions(n int) []domain.ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.st.Actions
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	return append([]domain.ActionRecord(nil), src...)
}

// Usage returns the per-strategy history sorted by strategy id.
func (s *Store) Usage() []domain.StrategyUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StrategyUsage, 0, len(s.st.Usage))
	for _, u := range s.st.Usage {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

// Snapshot returns a deep copy of the whole state.
func (s *Store) Snapshot() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := json.Marshal(s.st)
	st, _ := decode(data)
	return st
}
