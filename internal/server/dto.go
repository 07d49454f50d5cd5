package server

import (
	"encoding/json"
	"fmt"
	"time"

	"autocycle/internal/domain"
)

// Response payloads

type KnowledgeSummary struct {
	Key        string    `json:"key"`
	ProducedAt time.Time `json:"produced_at" format:"date-time"`
	Bytes      int       `json:"bytes"`
}

type KnowledgeListResponse struct {
	Items []KnowledgeSummary `json:"items"`
	Total int                `json:"total"`
}

type KnowledgeResponse struct {
	Key        string    `json:"key"`
	ProducedAt time.Time `json:"produced_at" format:"date-time"`
	Payload    any       `json:"payload"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type StopResponse struct {
	Status      string `json:"status" example:"stopping"`
	RequestedBy string `json:"requested_by"`
}

// Conversion helpers

func knowledgeSummary(e domain.KnowledgeEntry) KnowledgeSummary {
	return KnowledgeSummary{Key: e.Key, ProducedAt: e.ProducedAt, Bytes: len(e.Payload)}
}

func knowledgeResponse(e domain.KnowledgeEntry) (KnowledgeResponse, error) {
	var payload any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return KnowledgeResponse{}, fmt.Errorf("decode knowledge %s: %w", e.Key, err)
	}
	return KnowledgeResponse{Key: e.Key, ProducedAt: e.ProducedAt, Payload: payload}, nil
}

func eventResponse(e domain.Event) EventResponse {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		TaskID:  e.TaskID,
		RunID:   e.RunID,
		Payload: payload,
	}
}
