package simulate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autocycle/internal/config"
)

func TestStrategyAlwaysSucceeds(t *testing.T) {
	s := NewStrategy(config.StrategyConfig{ID: "sure", SuccessRate: 1, MaxValue: 100}, 1)
	for i := 0; i < 20; i++ {
		res, err := s.Try(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "sure", res.StrategyID)
		assert.GreaterOrEqual(t, res.Value, 0.0)
		assert.Less(t, res.Value, 100.0)
	}
}

func TestStrategyAlwaysFails(t *testing.T) {
	s := NewStrategy(config.StrategyConfig{ID: "broken", FailureRate: 1}, 1)
	_, err := s.Try(context.Background())
	assert.ErrorIs(t, err, ErrProviderFailure)
}

func TestStrategyNoOpportunity(t *testing.T) {
	s := NewStrategy(config.StrategyConfig{ID: "idle"}, 1)
	res, err := s.Try(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Zero(t, res.Value)
}

func TestStrategyLatencyHonorsContext(t *testing.T) {
	s := NewStrategy(config.StrategyConfig{ID: "slow", SuccessRate: 1, Latency: config.Duration(time.Hour)}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Try(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStrategiesKeepOrder(t *testing.T) {
	list := Strategies(config.Default().Strategies, 7)
	require.Len(t, list, len(config.Default().Strategies))
	for i, c := range config.Default().Strategies {
		assert.Equal(t, c.ID, list[i].ID())
	}
}

func TestResearcherPayload(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewResearcher(3)
	r.Now = func() time.Time { return at }
	raw, err := r.Research(context.Background(), "erc20")
	require.NoError(t, err)

	var f Finding
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, "erc20", f.Topic)
	assert.Len(t, f.KeyPoints, 3)
	assert.NotEmpty(t, f.Sources)
	assert.True(t, f.Timestamp.Equal(at))
	assert.GreaterOrEqual(t, f.Confidence, 0.0)
	assert.Less(t, f.Confidence, 100.0)
}

func TestResearcherFailures(t *testing.T) {
	r := NewResearcher(3)
	r.FailureRate = 1
	_, err := r.Research(context.Background(), "defi")
	assert.ErrorIs(t, err, ErrProviderFailure)

	_, err = NewResearcher(3).Research(context.Background(), "  ")
	assert.Error(t, err)
}
