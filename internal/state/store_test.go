package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocycle/internal/backend"
	"autocycle/internal/domain"
	"autocycle/internal/strategy"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// flaky wraps a backend and fails the next failWrites writes.
type flaky struct {
	backend.Backend
	mu         sync.Mutex
	failWrites int
	writes     int
}

func (f *flaky) Write(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	f.writes++
	if f.failWrites > 0 {
		f.failWrites--
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.Backend.Write(ctx, name, data)
}

func newFileBackend(t *testing.T) backend.Backend {
	t.Helper()
	b, err := backend.NewFile(t.TempDir())
	require.NoError(t, err)
	return b
}

func newStore(b backend.Backend) *Store {
	return New(Options{Backend: b, Logger: zerolog.Nop(), Timeout: time.Second, Now: func() time.Time { return t0 }})
}

func win(id string, v float64) strategy.Outcome {
	return strategy.Outcome{
		Success: true, Value: v, StrategyID: id,
		Attempts: []strategy.Attempt{
			{StrategyID: "miss", Status: strategy.StatusNoOpportunity},
			{StrategyID: "broken", Status: strategy.StatusFailed, Err: errors.New("timeout")},
			{StrategyID: id, Status: strategy.StatusSucceeded, Value: v},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()
	s := newStore(b)
	s.Load(ctx)
	s.RecordCycle(t0)
	s.RecordCycle(t0.Add(time.Minute))
	_, ok := s.RecordOutcome(win("arbitrage", 42.5), t0)
	require.True(t, ok)
	require.NoError(t, s.Save(ctx))
	want := s.Snapshot()

	reloaded := newStore(b)
	counters := reloaded.Load(ctx)
	assert.Equal(t, want, reloaded.Snapshot())
	assert.Equal(t, int64(2), counters.CyclesCompleted)
	assert.Equal(t, int64(1), counters.ActionsExecuted)
	assert.Equal(t, 42.5, counters.TotalValueGenerated)
	require.NotNil(t, counters.LastCycleAt)
	assert.True(t, counters.LastCycleAt.Equal(t0.Add(time.Minute)))
}

func TestLoadMissingArtifactIsColdStart(t *testing.T) {
	s := newStore(newFileBackend(t))
	counters := s.Load(context.Background())
	assert.Equal(t, domain.CycleCounters{}, counters)
	assert.Empty(t, s.Actions(0))
	assert.False(t, s.Dirty())
}

func TestLoadCorruptArtifactIsColdStart(t *testing.T) {
	ctx := context.Background()
	for name, data := range map[string]string{
		"garbage":  "{not json",
		"negative": `{"version":1,"counters":{"cycles_completed":-4}}`,
		"future":   `{"version":99}`,
	} {
		t.Run(name, func(t *testing.T) {
			b := newFileBackend(t)
			require.NoError(t, b.Write(ctx, ArtifactName, []byte(data)))
			s := newStore(b)
			assert.Equal(t, domain.CycleCounters{}, s.Load(ctx))

			kept, err := b.List(ctx, ArtifactName+".corrupt-")
			require.NoError(t, err)
			require.Len(t, kept, 1)
			got, err := b.Read(ctx, kept[0])
			require.NoError(t, err)
			assert.Equal(t, data, string(got))
		})
	}
}

func TestSaveFailsOnceThenSucceeds(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Backend: newFileBackend(t), failWrites: 1}
	s := newStore(f)
	s.Load(ctx)
	s.RecordCycle(t0)
	s.RecordOutcome(win("arbitrage", 10), t0)

	err := s.Save(ctx)
	require.Error(t, err)
	assert.True(t, s.Dirty())
	assert.Len(t, s.Actions(0), 1, "in-memory log survives a failed save")

	s.RecordOutcome(win("flash_loan", 5), t0)
	require.NoError(t, s.Save(ctx))
	assert.False(t, s.Dirty())

	reloaded := newStore(f.Backend)
	counters := reloaded.Load(ctx)
	assert.Equal(t, int64(1), counters.CyclesCompleted)
	assert.Equal(t, int64(2), counters.ActionsExecuted)
	assert.Equal(t, 15.0, counters.TotalValueGenerated)
	assert.Len(t, reloaded.Actions(0), 2)
}

func TestRepeatedFailuresMarkDegraded(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Backend: newFileBackend(t), failWrites: 3}
	s := New(Options{Backend: f, Logger: zerolog.Nop(), AlertAfter: 3})
	s.Load(ctx)
	s.RecordCycle(t0)
	for i := 0; i < 2; i++ {
		require.Error(t, s.Save(ctx))
		assert.False(t, s.Degraded())
	}
	require.Error(t, s.Save(ctx))
	assert.True(t, s.Degraded())
	require.NoError(t, s.Save(ctx))
	assert.False(t, s.Degraded())
}

func TestSaveSkipsWhenClean(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Backend: newFileBackend(t)}
	s := newStore(f)
	s.Load(ctx)
	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 0, f.writes)
	s.RecordCycle(t0)
	require.NoError(t, s.Save(ctx))
	require.NoError(t, s.Save(ctx))
	assert.Equal(t, 1, f.writes)
}

func TestRecordOutcomeTracksUsage(t *testing.T) {
	s := newStore(newFileBackend(t))
	s.RecordOutcome(win("arbitrage", 7), t0)
	_, ok := s.RecordOutcome(strategy.Outcome{Attempts: []strategy.Attempt{
		{StrategyID: "arbitrage", Status: strategy.StatusNoOpportunity},
	}}, t0)
	assert.False(t, ok)

	usage := s.Usage()
	require.Len(t, usage, 3)
	assert.Equal(t, "arbitrage", usage[0].StrategyID)
	assert.Equal(t, int64(2), usage[0].Attempts)
	assert.Equal(t, int64(1), usage[0].Successes)
	assert.Equal(t, int64(1), usage[0].NoOpportunity)
	assert.Equal(t, 7.0, usage[0].TotalValue)
	assert.Equal(t, "broken", usage[1].StrategyID)
	assert.Equal(t, "timeout", usage[1].LastError)
	assert.Equal(t, int64(1), s.Counters().ActionsExecuted)
}

func TestResetClearsEverything(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	s := newStore(b)
	s.RecordCycle(t0)
	s.RecordOutcome(win("a", 1), t0)
	require.NoError(t, s.Save(ctx))
	s.Reset()
	require.NoError(t, s.Save(ctx))

	reloaded := newStore(b)
	assert.Equal(t, domain.CycleCounters{}, reloaded.Load(ctx))
	assert.Empty(t, reloaded.Usage())
}

func TestConcurrentMutationsAndSaves(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	s := newStore(b)
	s.Load(ctx)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				s.RecordCycle(t0)
				s.RecordOutcome(win("a", 1), t0)
				assert.NoError(t, s.Save(ctx))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Save(ctx))

	reloaded := newStore(b)
	counters := reloaded.Load(ctx)
	assert.Equal(t, int64(200), counters.CyclesCompleted)
	assert.Equal(t, int64(200), counters.ActionsExecuted)
	assert.Len(t, reloaded.Actions(0), 200)
}

func TestActionsReturnsNewest(t *testing.T) {
	s := newStore(newFileBackend(t))
	for i := 1; i <= 5; i++ {
		s.RecordOutcome(win(strings.Repeat("s", i), float64(i)), t0)
	}
	last := s.Actions(2)
	require.Len(t, last, 2)
	assert.Equal(t, 4.0, last[0].Value)
	assert.Equal(t, 5.0, last[1].Value)
}

// stalled blocks every write until release is closed.
type stalled struct {
	backend.Backend
	entered chan struct{}
	release chan struct{}
}

func (s *stalled) Write(ctx context.Context, name string, data []byte) error {
	s.entered <- struct{}{}
	<-s.release
	return s.Backend.Write(ctx, name, data)
}

func TestStatusReadsDoNotWaitForSave(t *testing.T) {
	ctx := context.Background()
	b := &stalled{Backend: newFileBackend(t), entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := newStore(b)
	s.RecordCycle(t0)

	saved := make(chan error, 1)
	go func() { saved <- s.Save(ctx) }()
	<-b.entered

	read := make(chan bool, 1)
	go func() { read <- s.Dirty() && !s.Degraded() }()
	select {
	case ok := <-read:
		assert.True(t, ok, "dirty while the write is in flight")
	case <-time.After(2 * time.Second):
		t.Fatal("Dirty blocked on the in-flight save")
	}

	close(b.release)
	require.NoError(t, <-saved)
	assert.False(t, s.Dirty())
}
