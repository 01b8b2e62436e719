package conversation

import (
	"encoding/json"
	"fmt"
	"strings"

	"discoveryline/internal/domain"
)

// Kind discriminates structured events inside turn text.
type Kind string

const (
	KindMessage          Kind = "message"
	KindAgentRequest     Kind = "agent_request"
	KindAgentResponse    Kind = "agent_response"
	KindCheckpointSubmit Kind = "checkpoint_submit"
	KindStageTransition  Kind = "stage_transition"
)

// TypeKey is the discriminator key of a structured turn.
const TypeKey = "type"

// Event is one decoded turn. The set of implementations is closed.
type Event interface {
	Kind() Kind
	event()
}

// Message is free text, or any turn that is not a recognised structured event.
type Message struct {
	Text string `json:"text"`
}

type AgentRequest struct {
	Agent        string         `json:"agent"`
	InvocationID string         `json:"invocation_id,omitempty"`
	Round        int            `json:"round,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
}

type AgentResponse struct {
	Agent        string         `json:"agent"`
	InvocationID string         `json:"invocation_id,omitempty"`
	Round        int            `json:"round,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
}

type CheckpointSubmit struct {
	Participant string          `json:"participant"`
	Stage       domain.Stage    `json:"stage"`
	Attempt     int             `json:"attempt"`
	Artifact    json.RawMessage `json:"artifact"`
}

// Transition actions.
const (
	TransitionAdvance  = "advance"
	TransitionSendBack = "send_back"
	TransitionComplete = "complete"
)

type StageTransition struct {
	Action            string       `json:"action"`
	From              domain.Stage `json:"from"`
	To                domain.Stage `json:"to,omitempty"`
	Attempt           int          `json:"attempt,omitempty"`
	NewConversationID string       `json:"new_conversation_id,omitempty"`
	Reason            string       `json:"reason,omitempty"`
	Participant       string       `json:"participant,omitempty"`
}

func (Message) Kind() Kind          { return KindMessage }
func (AgentRequest) Kind() Kind     { return KindAgentRequest }
func (AgentResponse) Kind() Kind    { return KindAgentResponse }
func (CheckpointSubmit) Kind() Kind { return KindCheckpointSubmit }
func (StageTransition) Kind() Kind  { return KindStageTransition }

func (Message) event()          {}
func (AgentRequest) event()     {}
func (AgentResponse) event()    {}
func (CheckpointSubmit) event() {}
func (StageTransition) event()  {}

// Entry pairs a stored turn with its decoded event.
type Entry struct {
	Turn  Turn  `json:"turn"`
	Event Event `json:"event"`
}

// Encode renders e as turn text. Structured events become a JSON object whose
// TypeKey names the kind. Messages stay plain text unless the text would
// itself decode as a structured event, in which case it is wrapped.
func Encode(e Event) (string, error) {
	if m, ok := e.(Message); ok {
		if d, ok := Decode(m.Text).(Message); ok && d.Text == m.Text {
			return m.Text, nil
		}
	}
	body, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", e.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", err
	}
	kind, _ := json.Marshal(e.Kind())
	fields[TypeKey] = kind
	out, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Decode parses turn text. Anything that is not a JSON object with a known
// TypeKey, or that fails to decode as that kind, is a Message carrying the
// original text.
func Decode(text string) Event {
	plain := Message{Text: text}
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return plain
	}
	var head map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &head); err != nil {
		return plain
	}
	var kind Kind
	if raw, ok := head[TypeKey]; !ok || json.Unmarshal(raw, &kind) != nil {
		return plain
	}
	var (
		ev  Event
		err error
	)
	switch kind {
	case KindMessage:
		var m Message
		if err = json.Unmarshal([]byte(trimmed), &m); err == nil && m.Text == "" {
			return plain
		}
		ev = m
	case KindAgentRequest:
		var r AgentRequest
		err = json.Unmarshal([]byte(trimmed), &r)
		ev = r
	case KindAgentResponse:
		var r AgentResponse
		err = json.Unmarshal([]byte(trimmed), &r)
		ev = r
	case KindCheckpointSubmit:
		var c CheckpointSubmit
		err = json.Unmarshal([]byte(trimmed), &c)
		ev = c
	case KindStageTransition:
		var s StageTransition
		err = json.Unmarshal([]byte(trimmed), &s)
		ev = s
	default:
		return plain
	}
	if err != nil {
		return plain
	}
	return ev
}
