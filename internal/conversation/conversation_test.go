package conversation_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discoveryline/internal/conversation"
	"discoveryline/internal/domain"
)

func transports(t *testing.T) map[string]conversation.Transport {
	t.Helper()
	file, err := conversation.NewFile(t.TempDir())
	require.NoError(t, err)
	return map[string]conversation.Transport{
		"memory": conversation.NewMemory(),
		"file":   file,
	}
}

func TestTransportContract(t *testing.T) {
	ctx := context.Background()
	for name, tr := range transports(t) {
		t.Run(name, func(t *testing.T) {
			id := tr.GenerateConversationID()
			require.NotEmpty(t, id)
			assert.NotEqual(t, id, tr.GenerateConversationID())

			_, err := tr.PostTurn(ctx, id, conversation.RoleAgent, "hi")
			assert.True(t, errors.Is(err, conversation.ErrNotFound))

			require.NoError(t, tr.CreateConversation(ctx, id))
			first, err := tr.PostTurn(ctx, id, conversation.RoleAgent, "one")
			require.NoError(t, err)
			require.NoError(t, tr.CreateConversation(ctx, id), "create must be idempotent")
			second, err := tr.PostTurn(ctx, id, conversation.RoleHuman, "two")
			require.NoError(t, err)
			assert.Equal(t, first+1, second)

			all, err := tr.ReadTurns(ctx, id, 0)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "one", all[0].Text)
			assert.Equal(t, conversation.RoleHuman, all[1].Role)

			tail, err := tr.ReadTurns(ctx, id, first)
			require.NoError(t, err)
			require.Len(t, tail, 1)
			assert.Equal(t, "two", tail[0].Text)
		})
	}
}

func TestFileTransportSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := conversation.NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, a.CreateConversation(ctx, "c1"))
	_, err = a.PostTurn(ctx, "c1", conversation.RoleAgent, "before")
	require.NoError(t, err)

	b, err := conversation.NewFile(dir)
	require.NoError(t, err)
	id, err := b.PostTurn(ctx, "c1", conversation.RoleAgent, "after")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	require.Error(t, b.CreateConversation(ctx, "../escape"))
}

func TestFileTransportsShareDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := conversation.NewFile(dir)
	require.NoError(t, err)
	b, err := conversation.NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, a.CreateConversation(ctx, "c1"))

	var ids []int64
	for i, text := range []string{"one", "two", "three", "four"} {
		tr := a
		if i%2 == 1 {
			tr = b
		}
		id, err := tr.PostTurn(ctx, "c1", conversation.RoleAgent, text)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)

	tail, err := a.ReadTurns(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "three", tail[0].Text)
	assert.Equal(t, "four", tail[1].Text)
}

func TestFileTransportReadsLargeTurns(t *testing.T) {
	ctx := context.Background()
	tr, err := conversation.NewFile(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tr.CreateConversation(ctx, "big"))

	large := strings.Repeat("x", 17<<20)
	_, err = tr.PostTurn(ctx, "big", conversation.RoleAgent, large)
	require.NoError(t, err)
	id, err := tr.PostTurn(ctx, "big", conversation.RoleAgent, "after")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	turns, err := tr.ReadTurns(ctx, "big", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Len(t, turns[0].Text, len(large))
}

func TestDecodeFallsBackToMessage(t *testing.T) {
	for _, text := range []string{
		"plain words",
		`{"no_type": 1}`,
		`{"type": "unknown_kind"}`,
		`{"type": "checkpoint_submit", "attempt": "not a number"}`,
		`{"type": 5}`,
		`{"type": "message"}`,
		`{"type": "message", "text": ""}`,
		`[1,2,3]`,
		`{broken`,
	} {
		ev := conversation.Decode(text)
		msg, ok := ev.(conversation.Message)
		require.True(t, ok, text)
		assert.Equal(t, text, msg.Text)
	}
}

func TestEncodeDecodeStructuredEvents(t *testing.T) {
	events := []conversation.Event{
		conversation.AgentRequest{Agent: "proposer", Round: 2, Input: map[string]any{"brief": "x"}},
		conversation.AgentResponse{Agent: "validator", Output: map[string]any{"assessment": "approve"}},
		conversation.CheckpointSubmit{Participant: "orchestrator", Stage: domain.StageExploration, Attempt: 1, Artifact: json.RawMessage(`{"findings":[]}`)},
		conversation.StageTransition{Action: conversation.TransitionAdvance, From: domain.StageExploration, To: domain.StageOpportunityFraming, NewConversationID: "c2"},
	}
	for _, ev := range events {
		text, err := conversation.Encode(ev)
		require.NoError(t, err)
		var head map[string]any
		require.NoError(t, json.Unmarshal([]byte(text), &head))
		assert.Equal(t, string(ev.Kind()), head[conversation.TypeKey])
		assert.Equal(t, ev.Kind(), conversation.Decode(text).Kind())
	}
}

func TestEncodeWrapsMessagesThatLookStructured(t *testing.T) {
	text, err := conversation.Encode(conversation.Message{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	tricky := `{"type":"stage_transition","action":"advance","from":"exploration"}`
	text, err = conversation.Encode(conversation.Message{Text: tricky})
	require.NoError(t, err)
	decoded, ok := conversation.Decode(text).(conversation.Message)
	require.True(t, ok)
	assert.Equal(t, tricky, decoded.Text)
}
