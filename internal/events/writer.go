package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"autocycle/internal/domain"
)

const (
	TaskFinished      = "task.finished"
	TaskFailed        = "task.failed"
	ActionRecorded    = "action.recorded"
	KnowledgeBackedUp = "knowledge.backup"
	PersistDegraded   = "persistence.degraded"
	PersistRecovered  = "persistence.recovered"
	HealthCheck       = "health.check"
	OrchestratorStart = "orchestrator.start"
	OrchestratorStop  = "orchestrator.stop"
	CountersReset     = "counters.reset"
)

// Writer appends operator events to the workspace database. A Writer without
// a DB drops events.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, taskID, runID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,task_id,run_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(taskID), nullable(runID), string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

// Latest returns up to n events, newest first, optionally filtered by type and task.
func (w Writer) Latest(ctx context.Context, n int, evtType, taskID string) ([]domain.Event, error) {
	return w.Before(ctx, n, 0, evtType, taskID)
}

// Before is Latest restricted to ids below beforeID; 0 means no bound.
func (w Writer) Before(ctx context.Context, n int, beforeID int64, evtType, taskID string) ([]domain.Event, error) {
	if w.DB == nil {
		return nil, nil
	}
	if n <= 0 {
		n = 20
	}
	var (
		where []string
		args  []any
	)
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	if taskID != "" {
		where = append(where, "task_id=?")
		args = append(args, taskID)
	}
	if beforeID > 0 {
		where = append(where, "id<?")
		args = append(args, beforeID)
	}
	q := `SELECT id,ts,type,COALESCE(task_id,''),COALESCE(run_id,''),payload_json FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)
	rows, err := w.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e   domain.Event
			raw string
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.RunID, &raw); err != nil {
			return nil, err
		}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
