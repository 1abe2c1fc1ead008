package server

import (
	"encoding/json"

	"missionline/internal/domain"
)

// Request payloads

type DispatchMissionRequest struct {
	Prompt string `json:"prompt" doc:"Free-form instruction handed to the agent"`
	Agent  string `json:"agent,omitempty" doc:"Registered agent name; empty selects the default"`
}

// Responses

type DispatchMissionResponse struct {
	MissionID string `json:"mission_id"`
	Status    string `json:"status" enum:"pending,executing,completed,failed"`
}

type MissionSummary struct {
	ID           string  `json:"id"`
	Agent        string  `json:"agent"`
	Status       string  `json:"status" enum:"pending,executing,completed,failed"`
	ErrorMessage *string `json:"error_message,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

type MissionResponse struct {
	ID           string                 `json:"id"`
	Prompt       string                 `json:"prompt"`
	Agent        string                 `json:"agent"`
	Status       string                 `json:"status" enum:"pending,executing,completed,failed"`
	Result       *string                `json:"result,omitempty"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	Metadata     map[string]string      `json:"metadata,omitempty"`
	CreatedAt    string                 `json:"created_at"`
	UpdatedAt    string                 `json:"updated_at"`
	CompletedAt  *string                `json:"completed_at,omitempty"`
	Updates      []domain.MissionUpdate `json:"updates"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type AgentsResponse struct {
	Default string   `json:"default"`
	Agents  []string `json:"agents"`
}

type StatusResponse struct {
	MissionCounts map[string]int `json:"mission_counts"`
	InFlight      int            `json:"in_flight"`
	Workers       int            `json:"workers"`
	QueueSize     int            `json:"queue_size"`
}

type paginatedMissions struct {
	Items      []MissionSummary `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type updatesResponse struct {
	Items []domain.MissionUpdate `json:"items"`
}

func missionSummary(m domain.Mission) MissionSummary {
	return MissionSummary{
		ID:           m.ID,
		Agent:        m.Agent,
		Status:       string(m.Status),
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		CompletedAt:  m.CompletedAt,
	}
}

func missionResponse(m domain.Mission, ups []domain.MissionUpdate) MissionResponse {
	return MissionResponse{
		ID:           m.ID,
		Prompt:       m.Prompt,
		Agent:        m.Agent,
		Status:       string(m.Status),
		Result:       m.Result,
		ErrorMessage: m.ErrorMessage,
		Metadata:     m.Metadata,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		CompletedAt:  m.CompletedAt,
		Updates:      nonNilSlice(ups),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
