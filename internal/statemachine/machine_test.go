package statemachine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discoveryline/internal/db"
	"discoveryline/internal/domain"
	"discoveryline/internal/migrate"
	"discoveryline/internal/repo"
	"discoveryline/internal/statemachine"
)

var artifact = json.RawMessage(`{"ok":true}`)

type testEnv struct {
	Machine statemachine.Machine
	Repo    repo.Repo
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	r := repo.New(conn)
	m := statemachine.New(r)
	m.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	n := 0
	m.NewID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return testEnv{Machine: m, Repo: r, Ctx: context.Background()}
}

func (env testEnv) startedRun(t *testing.T) domain.Run {
	t.Helper()
	run, err := env.Machine.CreateRun(env.Ctx, statemachine.RunCreateOptions{})
	require.NoError(t, err, "create run")
	run, err = env.Machine.StartRun(env.Ctx, run.ID)
	require.NoError(t, err, "start run")
	return run
}

func (env testEnv) advanceTo(t *testing.T, runID string, target domain.Stage) {
	t.Helper()
	for {
		cur, err := env.Machine.ActiveStage(env.Ctx, runID)
		require.NoError(t, err, "active stage")
		if cur.Stage == target {
			return
		}
		_, err = env.Machine.AdvanceStage(env.Ctx, runID, artifact)
		require.NoError(t, err, "advance from %s", cur.Stage)
	}
}

func (env testEnv) countActive(t *testing.T, runID string) int {
	t.Helper()
	stages, err := env.Repo.ListStages(env.Ctx, runID)
	require.NoError(t, err)
	n := 0
	for _, s := range stages {
		if s.Status.Active() {
			n++
		}
	}
	return n
}

func requireInvalidTransition(t *testing.T, err error) {
	t.Helper()
	require.Truef(t, errors.Is(err, statemachine.ErrInvalidTransition), "expected invalid transition, got %v", err)
}

func TestHappyPathStartAndAdvance(t *testing.T) {
	env := newTestEnv(t)
	run := env.startedRun(t)
	assert.Equal(t, domain.RunRunning, run.Status)
	assert.NotNil(t, run.StartedAt)

	cur, err := env.Machine.ActiveStage(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageExploration, cur.Stage)
	assert.Equal(t, 1, cur.Attempt)
	assert.Equal(t, domain.StageInProgress, cur.Status)

	next, err := env.Machine.AdvanceStage(env.Ctx, run.ID, json.RawMessage(`{"findings":[{"description":"x"}]}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StageOpportunityFraming, next.Stage)
	assert.Equal(t, 1, next.Attempt)

	run, err = env.Machine.GetRun(env.Ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, run.CurrentStage)
	assert.Equal(t, domain.StageOpportunityFraming, *run.CurrentStage)

	prev, err := env.Repo.GetStage(env.Ctx, cur.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, prev.Status)
	assert.NotNil(t, prev.CompletedAt)
	assert.NotEmpty(t, prev.Artifact)
}

func TestStartRunRequiresPending(t *testing.T) {
	env := newTestEnv(t)
	run := env.startedRun(t)
	_, err := env.Machine.StartRun(env.Ctx, run.ID)
	requireInvalidTransition(t, err)
	assert.Equal(t, 1, env.countActive(t, run.ID))
}

func TestAdvanceWithEmptyArtifactDoesNotMutate(t *testing.T) {
	env := newTestEnv(t)
	run := env.startedRun(t)
	before, err := env.Machine.ActiveStage(env.Ctx, run.ID)
	require.NoError(t, err)
	for _, raw := range []string{"", "null", "{}", "[]"} {
		_, err := env.Machine.AdvanceStage(env.Ctx, run.ID, json.RawMessage(raw))
		assert.Truef(t, errors.Is(err, statemachine.ErrInvalidTransition), "%q: got %v", raw, err)
	}
	after, err := env.Machine.ActiveStage(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, domain.StageInProgress, after.Status)

	stored, err := env.Machine.GetRun(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, stored.Status)
	assert.Equal(t, domain.StageExploration, *stored.CurrentStage)
}

func TestStagesVisitedFollowPipelineOrder(t *testing.T) {
	env := newTestEnv(t)
	run := env.startedRun(t)
	env.advanceTo(t, run.ID, domain.StageHumanReview)
	_, err := env.Machine.AdvanceStage(env.Ctx, run.ID, artifact)
	requireInvalidTransition(t, err)

	stages, err := env.Machine.ListStages(env.Ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stages, len(domain.StageOrder))
	for i, s := range stages {
		assert.Equal(t, domain.StageOrder[i], s.Stage, "stage %d", i)
	}
	assert.Equal(t, 1, env.countActive(t, run.ID))
}

func TestIllegalBackwardJump(t *testing.T) {
	env := newTestEnv(t)
	run := env.startedRun(t)
	env.advanceTo(t, run.ID, domain.StageOpportunityFraming)
	_, err := env.Machine.SendBack(env.Ctx, run.ID, domain.StageFeasibilityRisk, "reason", nil)
	var terr *statemachine.TransitionError
	require.ErrorAs(t, err, &terr)
	requireInvalidTransition(t, err)

	cur, err := env.Machine.ActiveStage(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageOpportunityFraming, cur.Stage)
}

func TestSendBackCreatesNewAttempt(t *testing.T) {
	env := newTestEnv(t)
	run := env.startedRun(t)
	env.advanceTo(t, run.ID, domain.StageFeasibilityRisk)
	_, err := env.Machine.SendBack(env.Ctx, run.ID, domain.StageSolutionValidation, "", nil)
	requireInvalidTransition(t, err)

	se, err := env.Machine.SendBack(env.Ctx, run.ID, domain.StageSolutionValidation, "no API for bulk export", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StageSolutionValidation, se.Stage)
	assert.Equal(t, 2, se.Attempt)
	require.NotNil(t, se.SentBackFrom)
	assert.Equal(t, domain.StageFeasibilityRisk, *se.SentBackFrom)
	assert.NotEmpty(t, se.SendBackReason)

	next, err := env.Machine.AdvanceStage(env.Ctx, run.ID, artifact)
	require.NoError(t, err)
	assert.Equal(t, domain.StageFeasibilityRisk, next.Stage)
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, 1, env.countActive(t, run.ID))
}

func TestHumanReviewMaySendBackToAnyEarlierStage(t *testing.T) {
	for _, target := range domain.StageOrder[:len(domain.StageOrder)-1] {
		assert.True(t, statemachine.CanSendBack(domain.StageHumanReview, target), "human_review -> %s", target)
	}
	assert.False(t, statemachine.CanSendBack(domain.StageHumanReview, domain.StageHumanReview))
	assert.False(t, statemachine.CanSendBack(domain.StagePrioritization, domain.StageExploration))
	assert.Equal(t, []domain.Stage{domain.StageSolutionValidation}, statemachine.SendBackTargets(domain.StageFeasibilityRisk))

	env := newTestEnv(t)
	run := env.startedRun(t)
	env.advanceTo(t, run.ID, domain.StageHumanReview)
	se, err := env.Machine.SendBack(env.Ctx, run.ID, domain.StageExploration, "needs fresh data", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, se.Attempt)
}

func TestCompleteRunOnlyAtLastStage(t *testing.T) {
	env := newTestEnv(t)
	run := env.startedRun(t)
	_, err := env.Machine.CompleteRun(env.Ctx, run.ID, artifact)
	requireInvalidTransition(t, err)

	env.advanceTo(t, run.ID, domain.StageHumanReview)
	_, err = env.Machine.CompleteRun(env.Ctx, run.ID, nil)
	requireInvalidTransition(t, err)

	done, err := env.Machine.CompleteRun(env.Ctx, run.ID, artifact)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.CurrentStage, "completed run keeps its current stage")
	assert.Equal(t, domain.StageHumanReview, *done.CurrentStage)
	assert.Equal(t, 0, env.countActive(t, run.ID))

	_, err = env.Machine.StopRun(env.Ctx, run.ID)
	requireInvalidTransition(t, err)
}

func TestFailRunRecordsErrorAndFailsStage(t *testing.T) {
	env := newTestEnv(t)
	run := env.startedRun(t)
	cur, err := env.Machine.ActiveStage(env.Ctx, run.ID)
	require.NoError(t, err)
	failed, err := env.Machine.FailRun(env.Ctx, run.ID, domain.RunError{Stage: string(cur.Stage), ErrorType: "*errors.errorString", Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, failed.Status)
	require.Len(t, failed.Errors, 1)
	assert.NotEmpty(t, failed.Errors[0].Timestamp)

	stage, err := env.Repo.GetStage(env.Ctx, cur.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailed, stage.Status)

	_, err = env.Machine.AdvanceStage(env.Ctx, run.ID, artifact)
	requireInvalidTransition(t, err)
	_, err = env.Machine.FailRun(env.Ctx, run.ID, domain.RunError{Message: "again"})
	requireInvalidTransition(t, err)
}

func TestStopPendingRun(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Machine.CreateRun(env.Ctx, statemachine.RunCreateOptions{})
	require.NoError(t, err)
	stopped, err := env.Machine.StopRun(env.Ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStopped, stopped.Status)
}

func TestCreateRunChecksParent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Machine.CreateRun(env.Ctx, statemachine.RunCreateOptions{ParentRunID: "missing"})
	assert.True(t, errors.Is(err, repo.ErrNotFound), "got %v", err)

	parent := env.startedRun(t)
	child, err := env.Machine.CreateRun(env.Ctx, statemachine.RunCreateOptions{ParentRunID: parent.ID, Metadata: map[string]any{"reason": "retry"}})
	require.NoError(t, err)
	require.NotNil(t, child.ParentRunID)
	assert.Equal(t, parent.ID, *child.ParentRunID)
}

func TestCheckpointReachedKeepsArtifact(t *testing.T) {
	env := newTestEnv(t)
	run := env.startedRun(t)
	cur, err := env.Machine.ActiveStage(env.Ctx, run.ID)
	require.NoError(t, err)
	reached, err := env.Machine.ReachCheckpoint(env.Ctx, cur.ID, json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StageCheckpointReached, reached.Status)

	_, err = env.Machine.ReachCheckpoint(env.Ctx, cur.ID, artifact)
	requireInvalidTransition(t, err)
	assert.Equal(t, 1, env.countActive(t, run.ID), "checkpoint_reached is still the active stage")

	_, err = env.Machine.AdvanceStage(env.Ctx, run.ID, json.RawMessage(`{"v":2}`))
	require.NoError(t, err)
	done, err := env.Repo.GetStage(env.Ctx, cur.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(done.Artifact), "checkpointed artifact is immutable")
}

func TestWarningsAccumulate(t *testing.T) {
	env := newTestEnv(t)
	run := env.startedRun(t)
	_, err := env.Machine.AddWarning(env.Ctx, run.ID, "one")
	require.NoError(t, err)
	run, err = env.Machine.AddWarning(env.Ctx, run.ID, "two")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, run.Warnings)

	evts, err := env.Repo.ListEvents(env.Ctx, run.ID, 0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(evts), 4, "create, start and warning events")
}
