package domain

import (
	"encoding/json"
	"time"
)

// CycleCounters are the accumulated totals of the orchestrator.
type CycleCounters struct {
	CyclesCompleted     int64      `json:"cycles_completed"`
	LastCycleAt         *time.Time `json:"last_cycle_at,omitempty" format:"date-time"`
	TotalValueGenerated float64    `json:"total_value_generated"`
	ActionsExecuted     int64      `json:"actions_executed"`
}

// ActionRecord is one successful strategy action. Records are never mutated.
type ActionRecord struct {
	ID         string    `json:"id"`
	StrategyID string    `json:"strategy_id"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp" format:"date-time"`
	Succeeded  bool      `json:"succeeded"`
}

// StrategyUsage is the per-strategy attempt history.
type StrategyUsage struct {
	StrategyID    string     `json:"strategy_id"`
	Attempts      int64      `json:"attempts"`
	Successes     int64      `json:"successes"`
	NoOpportunity int64      `json:"no_opportunity"`
	Failures      int64      `json:"failures"`
	TotalValue    float64    `json:"total_value"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" format:"date-time"`
	LastError     string     `json:"last_error,omitempty"`
}

// State is the counters/log artifact.
type State struct {
	Version  int                      `json:"version"`
	Counters CycleCounters            `json:"counters"`
	Actions  []ActionRecord           `json:"actions"`
	Usage    map[string]StrategyUsage `json:"usage"`
}

// KnowledgeEntry is a research result. Payload is opaque to the orchestrator.
type KnowledgeEntry struct {
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at" format:"date-time"`
}

// GrowthSample is the knowledge size observed by one health check.
type GrowthSample struct {
	Size      int       `json:"size"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
}

// Backup describes one retained knowledge snapshot copy.
type Backup struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	Size      int       `json:"size"`
}

// Event is a row of the operator event log.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}
