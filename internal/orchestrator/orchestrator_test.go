package orchestrator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discoveryline/internal/checkpoint"
	"discoveryline/internal/collab"
	"discoveryline/internal/config"
	"discoveryline/internal/contracts"
	"discoveryline/internal/conversation"
	"discoveryline/internal/db"
	"discoveryline/internal/domain"
	"discoveryline/internal/metrics"
	"discoveryline/internal/migrate"
	"discoveryline/internal/orchestrator"
	"discoveryline/internal/repo"
	"discoveryline/internal/statemachine"
)

type testEnv struct {
	Orch     orchestrator.Orchestrator
	Repo     repo.Repo
	Registry *prometheus.Registry
	Ctx      context.Context
}

func newTestEnv(t *testing.T, agents orchestrator.Collaborators, tweak func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.New(conn)
	m := statemachine.New(r)
	m.Now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	cfg := config.Default()
	if tweak != nil {
		tweak(cfg)
	}
	reg := prometheus.NewRegistry()
	o := orchestrator.New(checkpoint.New(m, conversation.NewMemory()), agents, cfg, metrics.New(reg))
	return testEnv{Orch: o, Repo: r, Registry: reg, Ctx: context.Background()}
}

func explorer(name, sourceType, sourceID string) collab.Collaborator {
	return collab.Outputs(name, collab.Output{
		"findings": []any{map[string]any{
			"description": name + " finding",
			"evidence":    []any{map[string]any{"source_type": sourceType, "source_id": sourceID}},
		}},
		"coverage": map[string]any{"time_window_days": 14, "conversations_available": 10, "conversations_reviewed": 10},
		"usage":    map[string]any{"tokens": 100},
	})
}

func failing(name, msg string) collab.Collaborator {
	return collab.Func{ID: name, Fn: func(context.Context, collab.Input) (collab.Output, error) {
		return nil, errors.New(msg)
	}}
}

func happyAgents() orchestrator.Collaborators {
	return orchestrator.Collaborators{
		Explorers: []collab.Collaborator{
			explorer("conversations", "conversation_log", "c-1"),
			failing("analytics", "warehouse offline"),
			explorer("docs", "internal_doc", "d-9"),
		},
		Framer: collab.Outputs("framer", collab.Output{"opportunity_briefs": []any{
			map[string]any{"opportunity_id": "A", "problem_statement": "slow exports", "evidence": []any{map[string]any{"source_type": "conversation_log", "source_id": "c-1"}}},
			map[string]any{"opportunity_id": "B", "problem_statement": "stale docs", "evidence": []any{map[string]any{"source_type": "internal_doc", "source_id": "d-9"}}},
		}}),
		Proposer:       collab.Outputs("proposer", collab.Output{"proposed_solution": "do the thing", "experiment_plan": "pilot"}),
		Validator:      collab.Outputs("validator", collab.Output{"assessment": "approve"}),
		ImpactAssessor: collab.Outputs("impact", collab.Output{"impact_level": "medium", "direction": "positive"}),
		Feasibility: collab.Func{ID: "feasibility", Fn: func(_ context.Context, in collab.Input) (collab.Output, error) {
			if in["solution"].(map[string]any)["opportunity_id"] == "B" {
				return collab.Output{"assessment": "infeasible", "reason": "docs are vendor hosted"}, nil
			}
			return collab.Output{"assessment": "feasible", "approach": "queue worker", "effort_estimate": "M"}, nil
		}},
		Risk:   collab.Outputs("risk", collab.Output{"overall_risk": "low", "risks": []any{map[string]any{"description": "backlog", "severity": "low"}}}),
		Ranker: collab.Outputs("ranker", collab.Output{"rankings": []any{map[string]any{"opportunity_id": "A", "rationale": "clear demand"}}}),
	}
}

func TestRunReachesHumanReview(t *testing.T) {
	env := newTestEnv(t, happyAgents(), nil)
	run, err := env.Orch.Run(env.Ctx, orchestrator.RunOptions{Context: map[string]any{"product": "exports"}})
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)
	require.NotNil(t, run.CurrentStage)
	assert.Equal(t, domain.StageHumanReview, *run.CurrentStage)
	assert.Empty(t, run.Errors)
	assert.Equal(t, float64(3), run.Config["solution"].(map[string]any)["max_rounds"].(float64))

	stages, err := env.Repo.ListStages(env.Ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stages, len(domain.StageOrder))
	for i, se := range stages {
		assert.Equal(t, domain.StageOrder[i], se.Stage)
		assert.Equal(t, 1, se.Attempt)
	}

	prior, err := env.Orch.Checkpoints.PriorCheckpoints(env.Ctx, run.ID)
	require.NoError(t, err)
	exploration, _, err := checkpoint.LatestArtifact[contracts.ExplorationCheckpoint](prior, domain.StageExploration)
	require.NoError(t, err)
	assert.Len(t, exploration.Findings, 2)
	assert.Equal(t, 20, exploration.Coverage.ConversationsReviewed)
	assert.Equal(t, map[string]any{"analytics": "warehouse offline"}, exploration.Metadata["errors"])

	feas, _, err := checkpoint.LatestArtifact[contracts.FeasibilityCheckpoint](prior, domain.StageFeasibilityRisk)
	require.NoError(t, err)
	require.Len(t, feas.Specs, 1)
	require.Len(t, feas.Infeasible, 1)

	ranked, _, err := checkpoint.LatestArtifact[contracts.PrioritizationCheckpoint](prior, domain.StagePrioritization)
	require.NoError(t, err)
	require.Len(t, ranked.Rankings, 1)
	assert.Equal(t, "A", ranked.Rankings[0].OpportunityID)

	invs, err := env.Repo.ListInvocations(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, invs, 14)
	failed := 0
	for _, inv := range invs {
		if inv.Status == domain.InvocationFailed {
			failed++
			assert.Equal(t, "analytics", inv.AgentName)
		}
	}
	assert.Equal(t, 1, failed)

	// The run is handed over to a reviewer.
	_, err = env.Orch.Checkpoints.RecordReviewDecision(env.Ctx, run.ID, contracts.ReviewDecision{OpportunityID: "A", Decision: "approve", Reasoning: "go"})
	require.NoError(t, err)
	done, err := env.Orch.Checkpoints.CompleteReview(env.Ctx, run.ID, "pm")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, done.Status)
}

func TestStageErrorFailsRun(t *testing.T) {
	agents := happyAgents()
	agents.Framer = failing("framer", "model refused")
	env := newTestEnv(t, agents, nil)

	run, err := env.Orch.Run(env.Ctx, orchestrator.RunOptions{})
	require.NoError(t, err, "stage failures are reported on the run")
	assert.Equal(t, domain.RunFailed, run.Status)
	require.Len(t, run.Errors, 1)
	rerr := run.Errors[0]
	assert.Equal(t, "opportunity_framing", rerr.Stage)
	assert.Equal(t, "model refused", rerr.Message)
	assert.Equal(t, "*errors.errorString", rerr.ErrorType)
	assert.NotEmpty(t, rerr.Trace)
	assert.NotEmpty(t, rerr.Timestamp)

	_, err = env.Repo.ActiveStage(env.Ctx, run.ID)
	assert.True(t, errors.Is(err, repo.ErrNotFound), "no stage stays active")
	n, err := testutil.GatherAndCount(env.Registry, "discoveryline_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollaboratorPanicFailsRun(t *testing.T) {
	agents := happyAgents()
	agents.Proposer = collab.Func{ID: "proposer", Fn: func(context.Context, collab.Input) (collab.Output, error) {
		var m map[string]int
		m["boom"]++
		return nil, nil
	}}
	env := newTestEnv(t, agents, nil)
	run, err := env.Orch.Run(env.Ctx, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "solution_validation", run.Errors[0].Stage)
	assert.Equal(t, "panic", run.Errors[0].ErrorType)
	assert.Contains(t, run.Errors[0].Trace, "goroutine")
}

func TestAllExplorationSourcesFailing(t *testing.T) {
	agents := happyAgents()
	agents.Explorers = []collab.Collaborator{failing("a", "down"), failing("b", "also down")}
	env := newTestEnv(t, agents, nil)
	run, err := env.Orch.Run(env.Ctx, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, "exploration", run.Errors[0].Stage)
	assert.Contains(t, run.Errors[0].Message, "a: down; b: also down")
}

func TestConcurrentExplorationKeepsOrder(t *testing.T) {
	agents := happyAgents()
	var inflight, peak atomic.Int32
	slow := func(name, id string) collab.Collaborator {
		inner := explorer(name, "codebase", id)
		return collab.Func{ID: name, Fn: func(ctx context.Context, in collab.Input) (collab.Output, error) {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inflight.Add(-1)
			return inner.Invoke(ctx, in)
		}}
	}
	agents.Explorers = []collab.Collaborator{slow("first", "x-1"), slow("second", "x-2"), slow("third", "x-3")}
	agents.Framer = collab.Outputs("framer", collab.Output{"opportunity_briefs": []any{
		map[string]any{"opportunity_id": "A", "problem_statement": "p", "evidence": []any{map[string]any{"source_type": "codebase", "source_id": "x-2"}}},
	}})
	env := newTestEnv(t, agents, func(cfg *config.Config) { cfg.Pipeline.Exploration.Concurrent = true })

	run, err := env.Orch.Run(env.Ctx, orchestrator.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, domain.RunRunning, run.Status, "%+v", run.Errors)
	prior, err := env.Orch.Checkpoints.PriorCheckpoints(env.Ctx, run.ID)
	require.NoError(t, err)
	exploration, _, err := checkpoint.LatestArtifact[contracts.ExplorationCheckpoint](prior, domain.StageExploration)
	require.NoError(t, err)
	require.Len(t, exploration.Findings, 3)
	assert.Equal(t, "first finding", exploration.Findings[0].Description)
	assert.Equal(t, "third finding", exploration.Findings[2].Description)
	assert.Greater(t, peak.Load(), int32(0))
}

func TestUnknownEvidenceIsWarned(t *testing.T) {
	agents := happyAgents()
	agents.Framer = collab.Outputs("framer", collab.Output{"opportunity_briefs": []any{
		map[string]any{"opportunity_id": "A", "problem_statement": "p", "evidence": []any{map[string]any{"source_type": "analytics", "source_id": "made-up"}}},
	}})
	env := newTestEnv(t, agents, nil)
	run, err := env.Orch.Run(env.Ctx, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)
	require.NotEmpty(t, run.Warnings)
	assert.Contains(t, run.Warnings[0], "opportunity A cites 1 evidence pointer")

	strict := newTestEnv(t, agents, func(cfg *config.Config) { cfg.Pipeline.Framing.RequireKnownEvidence = true })
	run, err = strict.Orch.Run(strict.Ctx, orchestrator.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status, "every brief dropped")
	assert.Equal(t, "validation", run.Errors[0].ErrorType)
}

func TestResumeAfterSendBack(t *testing.T) {
	env := newTestEnv(t, happyAgents(), nil)
	run, err := env.Orch.Run(env.Ctx, orchestrator.RunOptions{})
	require.NoError(t, err)

	next, err := env.Orch.Checkpoints.SendBack(env.Ctx, run.ID, domain.StageFeasibilityRisk, "re-check effort", "pm")
	require.NoError(t, err)
	assert.Equal(t, 2, next.Attempt)

	run, err = env.Orch.Resume(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageHumanReview, *run.CurrentStage)
	stages, err := env.Repo.ListStages(env.Ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stages, 9)
	assert.Equal(t, domain.StageFeasibilityRisk, stages[6].Stage)
	assert.Equal(t, 2, stages[6].Attempt)
	assert.Equal(t, domain.StageHumanReview, stages[8].Stage)
	assert.Equal(t, 2, stages[8].Attempt)

	stopped, err := env.Orch.Checkpoints.Machine.StopRun(env.Ctx, run.ID)
	require.NoError(t, err)
	_, err = env.Orch.Resume(env.Ctx, stopped.ID)
	assert.True(t, errors.Is(err, statemachine.ErrInvalidTransition))
}
