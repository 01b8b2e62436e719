package dialogue_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discoveryline/internal/collab"
	"discoveryline/internal/contracts"
	"discoveryline/internal/dialogue"
	"discoveryline/internal/metrics"
)

var brief = contracts.OpportunityBrief{
	OpportunityID:    "opp-export",
	ProblemStatement: "Exports time out for large workspaces",
	Evidence:         []contracts.EvidencePointer{{SourceType: contracts.SourceConversationLog, SourceID: "conv-17"}},
}

func proposer() collab.Collaborator {
	return collab.Func{ID: "proposer", Fn: func(_ context.Context, in collab.Input) (collab.Output, error) {
		out := collab.Output{
			"proposed_solution": "Stream exports in chunks",
			"experiment_plan":   "ship to 5% of workspaces",
			"success_metrics":   []any{"export completion rate"},
		}
		if in["mode"] == "revise" {
			out["proposed_solution"] = "Stream exports in chunks with resumable cursors"
		}
		return out, nil
	}}
}

func impact() collab.Collaborator {
	return collab.Outputs("impact", collab.Output{"impact_level": "high", "direction": "positive", "engagement_depth": "core"})
}

func TestSolutionConvergesOnApproval(t *testing.T) {
	validator := collab.NewScripted("validator",
		collab.Step{Output: map[string]any{"assessment": "challenge", "challenge_reason": "no baseline", "critique": "measure first"}},
		collab.Step{Output: map[string]any{"assessment": "approve", "suggested_experiment": "A/B on export size > 1GB", "success_metrics": []any{"p95 export time"}}},
	)
	eng := dialogue.SolutionEngine{Proposer: proposer(), Validator: validator, Assessor: impact()}
	res, err := eng.Run(context.Background(), brief, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Rounds)
	assert.False(t, res.Forced)
	sol := res.Solution
	assert.Equal(t, "opp-export", sol.OpportunityID)
	assert.Equal(t, "Stream exports in chunks with resumable cursors", sol.ProposedSolution)
	assert.Equal(t, "A/B on export size > 1GB", sol.ExperimentPlan, "validator experiment wins")
	assert.Equal(t, []string{"p95 export time"}, sol.SuccessMetrics)
	assert.Equal(t, "approve", sol.ValidatorAssessment)
	assert.Equal(t, "high", sol.ImpactLevel)
	assert.Empty(t, sol.ConvergenceNote)
	require.Len(t, res.Challenges, 1)
	assert.Equal(t, contracts.Challenge{Round: 1, Reason: "no baseline", Critique: "measure first"}, res.Challenges[0])
	assert.Len(t, res.Turns, 6)
	assert.NoError(t, contracts.Struct("solution_validation", &sol))
}

func TestSolutionForcedAfterMaxRounds(t *testing.T) {
	validator := collab.NewScripted("validator",
		collab.Step{Output: map[string]any{"assessment": "challenge", "challenge_reason": "tiny segment"}},
		collab.Step{Output: map[string]any{"assessment": "maybe"}},
	)
	reg := prometheus.NewRegistry()
	eng := dialogue.SolutionEngine{Proposer: proposer(), Validator: validator, Assessor: impact(), MaxRounds: 3, Metrics: metrics.New(reg)}
	res, err := eng.Run(context.Background(), brief, map[string]any{"findings": 3})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Rounds)
	assert.True(t, res.Forced)
	assert.True(t, res.Solution.ConvergenceForced)
	assert.Equal(t, "request_revision", res.Solution.ValidatorAssessment, "unknown assessments count as revision requests")
	assert.Equal(t, "ship to 5% of workspaces", res.Solution.ExperimentPlan)
	assert.Equal(t, "Forced convergence after 3 rounds; last assessment: request_revision; unresolved challenge (round 1): tiny segment", res.Solution.ConvergenceNote)
	assert.Equal(t, 3, validator.Calls())

	n, err := testutil.GatherAndCount(reg, "discoveryline_convergence_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSolutionRoundBoundAndForcedFlag(t *testing.T) {
	for _, maxRounds := range []int{1, 2, 4} {
		for approveAt := 0; approveAt <= maxRounds+1; approveAt++ {
			steps := make([]collab.Step, 0, maxRounds+1)
			for r := 1; r <= maxRounds+1; r++ {
				a := "request_revision"
				if r == approveAt {
					a = "approve"
				}
				steps = append(steps, collab.Step{Output: map[string]any{"assessment": a}})
			}
			eng := dialogue.SolutionEngine{Proposer: proposer(), Validator: collab.NewScripted("validator", steps...), Assessor: impact(), MaxRounds: maxRounds}
			res, err := eng.Run(context.Background(), brief, nil)
			require.NoError(t, err)
			assert.LessOrEqual(t, res.Rounds, maxRounds)
			approved := approveAt >= 1 && approveAt <= maxRounds
			assert.Equal(t, !approved, res.Forced, "max=%d approveAt=%d", maxRounds, approveAt)
		}
	}
}

func TestSolutionRequiresProposal(t *testing.T) {
	eng := dialogue.SolutionEngine{
		Proposer:  collab.Outputs("proposer", collab.Output{"experiment_plan": "x"}),
		Validator: collab.Outputs("validator", collab.Output{"assessment": "approve"}),
		Assessor:  impact(),
	}
	_, err := eng.Run(context.Background(), brief, nil)
	assert.ErrorContains(t, err, "missing proposed_solution")

	eng.Proposer = collab.Func{ID: "proposer", Fn: func(context.Context, collab.Input) (collab.Output, error) {
		return nil, errors.New("quota exceeded")
	}}
	_, _, err = eng.RunAll(context.Background(), []contracts.OpportunityBrief{brief}, nil)
	assert.ErrorContains(t, err, "quota exceeded")
}

var solution = contracts.SolutionBrief{OpportunityID: "opp-export", ProposedSolution: "Stream exports in chunks"}

func feasibility(assessments ...string) *collab.Scripted {
	steps := make([]collab.Step, len(assessments))
	for i, a := range assessments {
		steps[i] = collab.Step{Output: map[string]any{"assessment": a, "approach": "chunked writer", "effort_estimate": "2w", "reason": "vendor API forbids it", "constraints": []any{"vendor lock"}}}
	}
	return collab.NewScripted("feasibility", steps...)
}

func risk(overall string, risks ...any) collab.Collaborator {
	return collab.Outputs("risk", collab.Output{"overall_risk": overall, "risks": risks, "test_scope": "exports"})
}

func TestFeasibilityConverges(t *testing.T) {
	eng := dialogue.FeasibilityEngine{
		Feasibility: feasibility("needs_revision", "feasible"),
		Risk:        risk("medium", map[string]any{"description": "memory spikes", "severity": "medium", "mitigation": "cap chunk size"}),
	}
	res, err := eng.Run(context.Background(), solution)
	require.NoError(t, err)
	require.True(t, res.Feasible)
	assert.False(t, res.Forced)
	assert.Equal(t, 2, res.Rounds)
	assert.Nil(t, res.Infeasible)
	assert.Equal(t, "chunked writer", res.Spec.Approach)
	assert.Equal(t, []contracts.Risk{{Description: "memory spikes", Severity: "medium", Mitigation: "cap chunk size"}}, res.Spec.Risks)
	assert.Equal(t, "exports", res.Spec.TestScope)
	assert.NoError(t, contracts.Struct("feasibility_risk", res.Spec))
}

func TestFeasibilityInfeasibleExitsEarly(t *testing.T) {
	riskCalls := 0
	eng := dialogue.FeasibilityEngine{
		Feasibility: feasibility("infeasible"),
		Risk: collab.Func{ID: "risk", Fn: func(context.Context, collab.Input) (collab.Output, error) {
			riskCalls++
			return collab.Output{}, nil
		}},
	}
	res, err := eng.Run(context.Background(), solution)
	require.NoError(t, err)
	assert.False(t, res.Feasible)
	assert.False(t, res.Forced)
	assert.Zero(t, riskCalls)
	require.NotNil(t, res.Infeasible)
	assert.Equal(t, "vendor API forbids it", res.Infeasible.Reason)
	assert.Equal(t, []string{"vendor lock"}, res.Infeasible.Constraints)
}

func TestFeasibilityNeedsRevisionNeverMatures(t *testing.T) {
	eng := dialogue.FeasibilityEngine{Feasibility: feasibility("needs_revision"), Risk: risk("low")}
	res, err := eng.Run(context.Background(), solution)
	require.NoError(t, err)
	assert.False(t, res.Feasible)
	assert.True(t, res.Forced)
	assert.Equal(t, 3, res.Rounds)
	require.NotNil(t, res.Infeasible)
	assert.True(t, res.Infeasible.Forced)
	assert.Contains(t, res.Infeasible.Reason, "last assessment: needs_revision")
}

func TestFeasibilityForcedFeasibleGetsPlaceholderRisk(t *testing.T) {
	eng := dialogue.FeasibilityEngine{Feasibility: feasibility("feasible"), Risk: risk("unheard-of"), MaxRounds: 2}
	res, err := eng.Run(context.Background(), solution)
	require.NoError(t, err)
	require.True(t, res.Feasible)
	assert.True(t, res.Forced)
	assert.True(t, res.Spec.ConvergenceForced)
	assert.Equal(t, "high", res.Spec.OverallRisk, "unknown risk levels are treated as high")
	assert.Equal(t, []contracts.Risk{dialogue.PlaceholderRisk}, res.Spec.Risks)
}

func TestFeasibilityRunAllSplitsResults(t *testing.T) {
	other := contracts.SolutionBrief{OpportunityID: "opp-sso", ProposedSolution: "SAML"}
	eng := dialogue.FeasibilityEngine{
		Feasibility: collab.Func{ID: "feasibility", Fn: func(_ context.Context, in collab.Input) (collab.Output, error) {
			sol := in["solution"].(map[string]any)
			if sol["opportunity_id"] == "opp-sso" {
				return collab.Output{"assessment": "infeasible", "reason": "no IdP budget"}, nil
			}
			return collab.Output{"assessment": "feasible", "effort_estimate": "1w"}, nil
		}},
		Risk: risk("low", "disk usage"),
	}
	cp, results, err := eng.RunAll(context.Background(), []contracts.SolutionBrief{solution, other})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, cp.Specs, 1)
	assert.Equal(t, "Stream exports in chunks", cp.Specs[0].Approach)
	assert.Equal(t, "disk usage", cp.Specs[0].Risks[0].Description)
	assert.Equal(t, "high", cp.Specs[0].Risks[0].Severity)
	require.Len(t, cp.Infeasible, 1)
	assert.Equal(t, "opp-sso", cp.Infeasible[0].OpportunityID)
}
