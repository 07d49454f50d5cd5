package autocyclesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal autocycle control API client.
type Client struct {
	BaseURL     string // including the base path, e.g. http://127.0.0.1:8780/v0
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Counters are the accumulated orchestrator totals.
type Counters struct {
	CyclesCompleted     int64      `json:"cycles_completed"`
	LastCycleAt         *time.Time `json:"last_cycle_at,omitempty"`
	TotalValueGenerated float64    `json:"total_value_generated"`
	ActionsExecuted     int64      `json:"actions_executed"`
}

// TaskStatus is the scheduler view of one periodic task.
type TaskStatus struct {
	ID           string     `json:"id"`
	Interval     string     `json:"interval"`
	State        string     `json:"state"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Runs         int64      `json:"runs"`
	Failures     int64      `json:"failures"`
	SkippedTicks int64      `json:"skipped_ticks"`
}

// Action is one recorded strategy success.
type Action struct {
	ID         string    `json:"id"`
	StrategyID string    `json:"strategy_id"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status represents the orchestrator status (partial).
type Status struct {
	Running       bool         `json:"running"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	Counters      Counters     `json:"counters"`
	Knowledge     int          `json:"knowledge_entries"`
	Tasks         []TaskStatus `json:"tasks"`
	RecentActions []Action     `json:"recent_actions"`
	Persistence   struct {
		Dirty          bool `json:"dirty"`
		KnowledgeDirty bool `json:"knowledge_dirty"`
		Degraded       bool `json:"degraded"`
	} `json:"persistence"`
	Growth []GrowthSample `json:"knowledge_growth"`
}

// GrowthSample is the knowledge size seen by one health check.
type GrowthSample struct {
	Size      int       `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// KnowledgeSummary lists a knowledge key without its payload.
type KnowledgeSummary struct {
	Key        string    `json:"key"`
	ProducedAt time.Time `json:"produced_at"`
	Bytes      int       `json:"bytes"`
}

// KnowledgeEntry is a research result.
type KnowledgeEntry struct {
	Key        string          `json:"key"`
	ProducedAt time.Time       `json:"produced_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventFilter narrows an event listing. Zero values mean no filter.
type EventFilter struct {
	Type   string
	TaskID string
	Limit  int
	Cursor string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Health reports whether the control API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// Status returns the orchestrator status with up to recent actions.
func (c *Client) Status(ctx context.Context, recent int) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status?recent="+strconv.Itoa(recent), nil, &resp)
	return resp, err
}

// Knowledge lists knowledge keys, optionally filtered by prefix.
func (c *Client) Knowledge(ctx context.Context, prefix string) ([]KnowledgeSummary, error) {
	endpoint := "knowledge"
	if prefix != "" {
		endpoint += "?prefix=" + url.QueryEscape(prefix)
	}
	var resp struct {
		Items []KnowledgeSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// KnowledgeEntry fetches one entry by key.
func (c *Client) KnowledgeEntry(ctx context.Context, key string) (KnowledgeEntry, error) {
	var resp KnowledgeEntry
	err := c.do(ctx, http.MethodGet, "knowledge/"+url.PathEscape(key), nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, EventFilter{Limit: limit})
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, f EventFilter) (PaginatedEvents, error) {
	q := url.Values{}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.TaskID != "" {
		q.Set("task", f.TaskID)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stop asks a running orchestrator to shut down gracefully.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "control/stop", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
