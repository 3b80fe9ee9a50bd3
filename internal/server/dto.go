package server

import (
	"encoding/json"

	"facilitator/internal/dispatch"
	"facilitator/internal/domain"
	"facilitator/internal/engine"
)

// Request payloads

type MessageRequest struct {
	Body string `json:"body" minLength:"1"`
	// DisplayName is used when the sender is enrolled on first contact.
	DisplayName string `json:"display_name,omitempty"`
}

type TriggerRequest struct {
	Target domain.State `json:"target" enum:"WEEKLY_KICKOFF,WEEKLY_REVIEW"`
}

type MemberRequest struct {
	DisplayName    string `json:"display_name" minLength:"1"`
	BoardAccountID string `json:"board_account_id,omitempty"`
	Position       *int   `json:"position,omitempty"`
}

type VoteRequest struct {
	Vote    domain.VoteChoice `json:"vote" enum:"approve,request_change"`
	Comment string            `json:"comment,omitempty"`
}

// Response payloads

type MessageResponse = dispatch.Result

type VoteResponse = dispatch.VoteResult

type ApprovalResponse struct {
	Request domain.ApprovalRequest `json:"request"`
	Votes   []domain.Vote          `json:"votes"`
	Tally   engine.Tally           `json:"tally"`
}

type MembersResponse struct {
	Items []domain.Member `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RoomID     string         `json:"room_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RoomID:     e.RoomID,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilMembers(items []domain.Member) []domain.Member {
	if items == nil {
		return []domain.Member{}
	}
	return items
}

func nonNilVotes(items []domain.Vote) []domain.Vote {
	if items == nil {
		return []domain.Vote{}
	}
	return items
}

type SessionResponse struct {
	Session    domain.Session    `json:"session"`
	Successors []domain.State    `json:"successors"`
	Pending    *ApprovalResponse `json:"pending_approval,omitempty"`
}
