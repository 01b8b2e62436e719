package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"discoveryline/internal/collab"
	"discoveryline/internal/contracts"
	"discoveryline/internal/metrics"
)

// Validator assessments.
const (
	AssessApprove         = "approve"
	AssessChallenge       = "challenge"
	AssessRequestRevision = "request_revision"
)

// SolutionEngine negotiates a solution for one opportunity brief between a
// proposer, a validator and an impact assessor.
type SolutionEngine struct {
	Proposer  collab.Collaborator
	Validator collab.Collaborator
	Assessor  collab.Collaborator
	MaxRounds int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type SolutionResult struct {
	Solution   contracts.SolutionBrief
	Rounds     int
	Forced     bool
	Challenges []contracts.Challenge
	Turns      []Turn
}

// Run negotiates until the validator approves or MaxRounds is exhausted.
// Collaborator errors and a proposal without proposed_solution abort the
// negotiation.
func (e SolutionEngine) Run(ctx context.Context, brief contracts.OpportunityBrief, prior map[string]any) (SolutionResult, error) {
	briefIn, err := collab.ToInput(brief)
	if err != nil {
		return SolutionResult{}, fmt.Errorf("encode brief %s: %w", brief.OpportunityID, err)
	}
	limit := maxRounds(e.MaxRounds)
	var (
		res                          SolutionResult
		proposal, validation, impact collab.Output
		assessment                   string
	)
	for round := 1; round <= limit; round++ {
		in := collab.Input{"brief": briefIn, "context": prior}
		if round == 1 {
			in["mode"] = "propose"
		} else {
			in["mode"] = "revise"
			in["previous_proposal"] = proposal
			in["validator_feedback"] = validation
			in["impact_feedback"] = impact
		}
		proposal, err = call(ctx, e.Proposer, RoleProposer, round, in, &res.Turns)
		if err != nil {
			return res, err
		}
		if strings.TrimSpace(proposal.String("proposed_solution")) == "" {
			return res, fmt.Errorf("proposer %s round %d: missing proposed_solution", e.Proposer.Name(), round)
		}

		validation, err = call(ctx, e.Validator, RoleValidator, round, collab.Input{"brief": briefIn, "proposal": proposal}, &res.Turns)
		if err != nil {
			return res, err
		}
		assessment = validation.String("assessment")
		if !oneOf(assessment, AssessApprove, AssessChallenge, AssessRequestRevision) {
			assessment = AssessRequestRevision
		}
		if assessment == AssessChallenge {
			reason := validation.String("challenge_reason")
			if reason == "" {
				reason = validation.String("critique")
			}
			res.Challenges = append(res.Challenges, contracts.Challenge{Round: round, Reason: reason, Critique: validation.String("critique")})
		}

		impact, err = call(ctx, e.Assessor, RoleAssessor, round, collab.Input{"brief": briefIn, "proposal": proposal}, &res.Turns)
		if err != nil {
			return res, err
		}
		res.Rounds = round
		if assessment == AssessApprove {
			break
		}
	}

	res.Forced = assessment != AssessApprove
	sol := contracts.SolutionBrief{
		OpportunityID:       brief.OpportunityID,
		ProposedSolution:    proposal.String("proposed_solution"),
		ExperimentPlan:      proposal.String("experiment_plan"),
		SuccessMetrics:      proposal.Strings("success_metrics"),
		ValidatorAssessment: assessment,
		ImpactLevel:         impact.String("impact_level"),
		ImpactDirection:     impact.String("direction"),
		EngagementDepth:     impact.String("engagement_depth"),
		Evidence:            brief.Evidence,
		Rounds:              res.Rounds,
		ConvergenceForced:   res.Forced,
		Challenges:          res.Challenges,
	}
	if exp := validation.String("suggested_experiment"); exp != "" {
		sol.ExperimentPlan = exp
	}
	if m := validation.Strings("success_metrics"); len(m) > 0 {
		sol.SuccessMetrics = m
	}
	if critique := validation.String("critique"); critique != "" {
		sol.Extra = map[string]any{"validator_critique": critique}
	}

	outcome := "converged"
	if res.Forced {
		outcome = "forced"
		sol.ConvergenceNote = forcedNote(res.Rounds, assessment, res.Challenges)
		logger(e.Logger).Warn("solution convergence forced", "opportunity_id", brief.OpportunityID, "round", res.Rounds, "assessment", assessment)
	}
	e.Metrics.Convergence("solution", outcome)
	res.Solution = sol
	return res, nil
}

func forcedNote(rounds int, assessment string, challenges []contracts.Challenge) string {
	note := fmt.Sprintf("Forced convergence after %d rounds; last assessment: %s", rounds, assessment)
	if n := len(challenges); n > 0 {
		c := challenges[n-1]
		note += fmt.Sprintf("; unresolved challenge (round %d): %s", c.Round, c.Reason)
	}
	return note
}

// RunAll negotiates every brief in order and assembles the stage artifact.
func (e SolutionEngine) RunAll(ctx context.Context, briefs []contracts.OpportunityBrief, prior map[string]any) (contracts.SolutionValidationCheckpoint, []SolutionResult, error) {
	cp := contracts.SolutionValidationCheckpoint{Solutions: make([]contracts.SolutionBrief, 0, len(briefs))}
	results := make([]SolutionResult, 0, len(briefs))
	for _, b := range briefs {
		res, err := e.Run(ctx, b, prior)
		if err != nil {
			return cp, results, fmt.Errorf("solution design for %s: %w", b.OpportunityID, err)
		}
		cp.Solutions = append(cp.Solutions, res.Solution)
		results = append(results, res)
	}
	return cp, results, nil
}
