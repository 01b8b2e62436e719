package server

import (
	"encoding/json"

	"discoveryline/internal/checkpoint"
	"discoveryline/internal/contracts"
	"discoveryline/internal/conversation"
	"discoveryline/internal/domain"
)

// Request payloads

type ReviewDecisionRequest struct {
	OpportunityID    string `json:"opportunity_id"`
	Decision         string `json:"decision" enum:"approve,reject,defer,send_back"`
	Reasoning        string `json:"reasoning"`
	AdjustedPriority *int   `json:"adjusted_priority,omitempty" minimum:"1"`
	SendBackToStage  string `json:"send_back_to_stage,omitempty"`
}

func (r ReviewDecisionRequest) decision(reviewer string) contracts.ReviewDecision {
	return contracts.ReviewDecision{
		OpportunityID:    r.OpportunityID,
		Decision:         r.Decision,
		Reasoning:        r.Reasoning,
		AdjustedPriority: r.AdjustedPriority,
		SendBackToStage:  r.SendBackToStage,
		Reviewer:         reviewer,
	}
}

type SendBackRequest struct {
	Target string `json:"target" enum:"exploration,opportunity_framing,solution_validation,feasibility_risk,prioritization"`
	Reason string `json:"reason"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

// Responses

type CheckpointResponse struct {
	StageExecutionID string       `json:"stage_execution_id"`
	Stage            domain.Stage `json:"stage"`
	Attempt          int          `json:"attempt"`
	Artifact         any          `json:"artifact"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
	PayloadRaw string         `json:"payload_raw,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// ConversationEntryResponse is a stored turn with its decoded event kind and body.
type ConversationEntryResponse struct {
	TurnID    int64             `json:"turn_id"`
	Role      string            `json:"role"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	Kind      conversation.Kind `json:"kind"`
	Event     any               `json:"event"`
}

type CommentResponse struct {
	ConversationID string `json:"conversation_id"`
	TurnID         int64  `json:"turn_id"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		RunID:      evt.RunID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    map[string]any{},
	}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &out.Payload); err != nil {
			out.PayloadRaw = evt.Payload
		}
	}
	return out
}

func mapCheckpoints(items []checkpoint.Checkpoint) []CheckpointResponse {
	out := make([]CheckpointResponse, 0, len(items))
	for _, c := range items {
		var artifact any
		if err := json.Unmarshal(c.Artifact, &artifact); err != nil {
			artifact = string(c.Artifact)
		}
		out = append(out, CheckpointResponse{StageExecutionID: c.StageExecutionID, Stage: c.Stage, Attempt: c.Attempt, Artifact: artifact})
	}
	return out
}

func mapEntries(items []conversation.Entry) []ConversationEntryResponse {
	out := make([]ConversationEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, ConversationEntryResponse{
			TurnID:    e.Turn.ID,
			Role:      e.Turn.Role,
			CreatedAt: e.Turn.CreatedAt,
			Kind:      e.Event.Kind(),
			Event:     e.Event,
		})
	}
	return out
}
