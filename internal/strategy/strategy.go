// Package strategy runs an ordered list of candidate strategies and keeps the
// first one that reports success.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"autocycle/internal/bounded"
	"autocycle/internal/metrics"
)

// Result is what a strategy reports for one attempt. Success=false with a nil
// error means no opportunity was found this cycle.
type Result struct {
	Success    bool
	Value      float64
	StrategyID string
}

// Strategy is a candidate action. Try may return a recoverable error
// (network, timeout) which never aborts the remaining candidates.
type Strategy interface {
	ID() string
	Try(ctx context.Context) (Result, error)
}

type funcStrategy struct {
	id string
	fn func(context.Context) (Result, error)
}

func (f funcStrategy) ID() string                              { return f.id }
func (f funcStrategy) Try(ctx context.Context) (Result, error) { return f.fn(ctx) }

// Func adapts a plain function to a Strategy.
func Func(id string, fn func(context.Context) (Result, error)) Strategy {
	return funcStrategy{id: id, fn: fn}
}

// ErrMalformedResult marks a success report whose value is negative or not a number.
var ErrMalformedResult = errors.New("malformed strategy result")

type Status string

const (
	StatusSucceeded     Status = "succeeded"
	StatusNoOpportunity Status = "no_opportunity"
	StatusFailed        Status = "failed"
)

// Attempt records one invoked strategy.
type Attempt struct {
	StrategyID string
	Status     Status
	Value      float64
	Err        error
	Duration   time.Duration
}

// Outcome is the result of Executor.Attempt. Attempts lists every invoked
// strategy in invocation order.
type Outcome struct {
	Success    bool
	Value      float64
	StrategyID string
	Attempts   []Attempt
}

// Executor applies the first-success policy. The order of the strategies
// passed to Attempt is the priority; the executor never reorders them.
type Executor struct {
	// Timeout bounds each Try call; <= 0 means only the caller's context applies.
	Timeout time.Duration
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Attempt invokes strategies in order and returns the first success. Errors
// and no-opportunity results fall through to the next strategy. If ctx is
// cancelled the remaining strategies are not invoked.
func (e Executor) Attempt(ctx context.Context, strategies []Strategy) Outcome {
	var out Outcome
	for _, s := range strategies {
		if ctx.Err() != nil {
			e.Logger.Debug().Err(ctx.Err()).Msg("strategy attempts stopped")
			break
		}
		id := s.ID()
		start := time.Now()
		res, err := bounded.Call(ctx, e.Timeout, s.Try)
		if err == nil && res.Success && (res.Value < 0 || math.IsNaN(res.Value) || math.IsInf(res.Value, 0)) {
			err = fmt.Errorf("%w: value %v", ErrMalformedResult, res.Value)
		}
		a := Attempt{StrategyID: id, Duration: time.Since(start)}
		switch {
		case err != nil:
			a.Status = StatusFailed
			a.Err = err
			e.Logger.Warn().Err(err).Str("strategy", id).Dur("elapsed", a.Duration).Msg("strategy attempt failed")
		case !res.Success:
			a.Status = StatusNoOpportunity
			e.Logger.Debug().Str("strategy", id).Msg("no opportunity")
		default:
			a.Status = StatusSucceeded
			a.Value = res.Value
		}
		e.Metrics.StrategyAttempt(id, string(a.Status))
		out.Attempts = append(out.Attempts, a)
		if a.Status == StatusSucceeded {
			out.Success = true
			out.Value = res.Value
			out.StrategyID = id
			if res.StrategyID != "" {
				out.StrategyID = res.StrategyID
			}
			e.Logger.Info().Str("strategy", out.StrategyID).Float64("value", out.Value).Msg("value generated")
			return out
		}
	}
	return out
}
