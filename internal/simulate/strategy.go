// Package simulate provides stand-in Strategy and Knowledge providers so the
// orchestrator runs end to end without touching any network.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"autocycle/internal/config"
	"autocycle/internal/strategy"
)

// ErrProviderFailure is the error a simulated provider reports on a failed roll.
var ErrProviderFailure = errors.New("simulated provider failure")

// Strategy rolls once per Try: success with probability SuccessRate, an error
// with probability FailureRate, otherwise no opportunity.
type Strategy struct {
	cfg config.StrategyConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewStrategy(cfg config.StrategyConfig, seed uint64) *Strategy {
	return &Strategy{cfg: cfg, rng: newRand(seed)}
}

// Strategies builds one simulated strategy per config entry, keeping the
// configured priority order.
func Strategies(cfgs []config.StrategyConfig, seed uint64) []strategy.Strategy {
	out := make([]strategy.Strategy, 0, len(cfgs))
	for i, c := range cfgs {
		out = append(out, NewStrategy(c, seed+uint64(i)))
	}
	return out
}

func (s *Strategy) ID() string { return s.cfg.ID }

func (s *Strategy) Try(ctx context.Context) (strategy.Result, error) {
	if err := sleep(ctx, s.cfg.Latency.Std()); err != nil {
		return strategy.Result{}, err
	}
	s.mu.Lock()
	roll := s.rng.Float64()
	value := s.rng.Float64() * s.cfg.MaxValue
	s.mu.Unlock()
	switch {
	case roll < s.cfg.SuccessRate:
		return strategy.Result{Success: true, Value: value, StrategyID: s.cfg.ID}, nil
	case roll < s.cfg.SuccessRate+s.cfg.FailureRate:
		return strategy.Result{}, fmt.Errorf("%s: %w", s.cfg.ID, ErrProviderFailure)
	default:
		return strategy.Result{StrategyID: s.cfg.ID}, nil
	}
}

// Ping reports the strategy as reachable unless ctx is done.
func (s *Strategy) Ping(ctx context.Context) error { return ctx.Err() }

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func sleep(ctx context.Context, d time.Duration) error {
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
