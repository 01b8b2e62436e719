package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discoveryline/internal/conversation"
	"discoveryline/internal/domain"
)

func TestParseContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ctx.yml")
	require.NoError(t, os.WriteFile(path, []byte("product: exports\nsegments: [smb, enterprise]\n"), 0o644))

	got, err := parseContext(path, []string{"product=billing", "owner = growth"})
	require.NoError(t, err)
	assert.Equal(t, "billing", got["product"], "flags override the file")
	assert.Equal(t, " growth", got["owner"])
	assert.Len(t, got["segments"], 2)

	_, err = parseContext("", []string{"novalue"})
	assert.Error(t, err, "missing '='")

	got, err = parseContext("", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSummarize(t *testing.T) {
	cases := []struct {
		ev   conversation.Event
		want string
	}{
		{conversation.Message{Text: "hello"}, "hello"},
		{conversation.AgentResponse{Agent: "ranker", Error: "timeout"}, "ranker failed: timeout"},
		{conversation.StageTransition{Action: conversation.TransitionAdvance, From: domain.StageExploration, To: domain.StageOpportunityFraming}, "advance exploration -> opportunity_framing"},
		{conversation.StageTransition{Action: conversation.TransitionComplete, From: domain.StageHumanReview}, "complete human_review"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, summarize(tc.ev), "%#v", tc.ev)
	}
}
