package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discoveryline/internal/collab"
	"discoveryline/internal/config"
	"discoveryline/internal/conversation"
	"discoveryline/internal/domain"
	"discoveryline/internal/orchestrator"
)

const pipelineScript = `
collaborators:
  conversations:
    - output:
        findings:
          - description: exports time out
            evidence: [{source_type: conversation_log, source_id: c-1}]
        coverage: {time_window_days: 30, conversations_available: 4, conversations_reviewed: 4}
  analytics:
    - error: warehouse offline
  framer:
    - output:
        opportunity_briefs:
          - opportunity_id: A
            problem_statement: slow exports
            evidence: [{source_type: conversation_log, source_id: c-1}]
  proposer:
    - output: {proposed_solution: background export queue}
  validator:
    - output: {assessment: approve}
  impact_assessor:
    - output: {impact_level: high, direction: positive}
  feasibility:
    - output: {assessment: feasible, approach: worker pool, effort_estimate: S}
  risk:
    - output: {overall_risk: low}
  ranker:
    - output:
        rankings: [{opportunity_id: A, rationale: most requested}]
`

func openTestEnv(t *testing.T, configYAML string) *Env {
	t.Helper()
	dir := t.TempDir()
	if configYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(configYAML), 0o644))
	}
	env, err := Open(context.Background(), Options{Workspace: dir})
	require.NoError(t, err, "open")
	t.Cleanup(func() { env.Close() })
	return env
}

func TestOpenDefaultsToFileTransport(t *testing.T) {
	env := openTestEnv(t, "")
	assert.IsType(t, &conversation.File{}, env.Transport)
	assert.Equal(t, config.TransportFile, env.Config.Conversation.Transport)
}

func TestOpenMemoryTransport(t *testing.T) {
	env := openTestEnv(t, "conversation:\n  transport: memory\n")
	assert.IsType(t, &conversation.Memory{}, env.Transport)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("solution: ["), 0o644))
	_, err := Open(context.Background(), Options{Workspace: dir})
	assert.Error(t, err)
}

func TestCollaboratorsRequireEverySource(t *testing.T) {
	script, err := collab.ParseScript([]byte(pipelineScript))
	require.NoError(t, err)
	_, err = Collaborators(script, config.Default())
	assert.Error(t, err, "default sources have no script entries")
}

func TestScriptedRunReachesReview(t *testing.T) {
	env := openTestEnv(t, "pipeline:\n  exploration:\n    sources: [conversations, analytics]\n")
	script, err := collab.ParseScript([]byte(pipelineScript))
	require.NoError(t, err)
	agents, err := Collaborators(script, env.Config)
	require.NoError(t, err)
	require.Len(t, agents.Explorers, 2)
	require.NotNil(t, agents.Ranker)

	ctx := context.Background()
	run, err := env.Orchestrator(agents).Run(ctx, orchestrator.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, run.Status, "%+v", run.Errors)
	require.NotNil(t, run.CurrentStage)
	assert.Equal(t, domain.StageHumanReview, *run.CurrentStage)

	chain, err := env.Checkpoints.OpportunityChain(ctx, run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "A", chain.Ranking.OpportunityID)

	// Reopening the workspace sees the same run and its conversation files.
	again, err := Open(ctx, Options{Workspace: env.Workspace})
	require.NoError(t, err, "reopen")
	defer again.Close()
	env.Close()
	stages, err := again.Machine.ListStages(ctx, run.ID)
	require.NoError(t, err)
	var ranked domain.StageExecution
	for _, se := range stages {
		if se.Stage == domain.StagePrioritization {
			ranked = se
		}
	}
	require.NotNil(t, ranked.ConversationID, "prioritization stage has no conversation")
	history, err := again.Checkpoints.History(ctx, *ranked.ConversationID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}
