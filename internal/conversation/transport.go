package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("conversation not found")

// Turn roles.
const (
	RoleSystem = "system"
	RoleAgent  = "agent"
	RoleHuman  = "human"
)

// Turn is one append-only entry of a conversation. IDs start at 1 and grow by
// one per conversation.
type Turn struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Text           string `json:"text"`
	CreatedAt      string `json:"created_at"`
}

// Transport is the append-only turn log behind every stage conversation.
type Transport interface {
	// CreateConversation is idempotent.
	CreateConversation(ctx context.Context, id string) error
	PostTurn(ctx context.Context, conversationID, role, text string) (int64, error)
	// ReadTurns returns turns with ID greater than sinceTurnID in append order.
	ReadTurns(ctx context.Context, conversationID string, sinceTurnID int64) ([]Turn, error)
	GenerateConversationID() string
}

// Memory keeps conversations in process memory.
type Memory struct {
	Now   func() time.Time
	NewID func() string

	mu    sync.Mutex
	turns map[string][]Turn
}

func NewMemory() *Memory {
	return &Memory{turns: map[string][]Turn{}}
}

func (m *Memory) CreateConversation(_ context.Context, id string) error {
	if id == "" {
		return errors.New("conversation id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turns == nil {
		m.turns = map[string][]Turn{}
	}
	if _, ok := m.turns[id]; !ok {
		m.turns[id] = []Turn{}
	}
	return nil
}

func (m *Memory) PostTurn(_ context.Context, conversationID, role, text string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns, ok := m.turns[conversationID]
	if !ok {
		return 0, ErrNotFound
	}
	t := Turn{
		ID:             int64(len(turns) + 1),
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		CreatedAt:      timestamp(m.Now),
	}
	m.turns[conversationID] = append(turns, t)
	return t.ID, nil
}

func (m *Memory) ReadTurns(_ context.Context, conversationID string, sinceTurnID int64) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns, ok := m.turns[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	var res []Turn
	for _, t := range turns {
		if t.ID > sinceTurnID {
			res = append(res, t)
		}
	}
	return res, nil
}

func (m *Memory) GenerateConversationID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}

func timestamp(now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}
