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

// Feasibility assessments.
const (
	Feasible      = "feasible"
	Infeasible    = "infeasible"
	NeedsRevision = "needs_revision"
)

// PlaceholderRisk stands in when no round identified any risk.
var PlaceholderRisk = contracts.Risk{
	Description: "No specific risks identified during feasibility review",
	Severity:    contracts.RiskLow,
}

// FeasibilityEngine negotiates a technical approach for one solution between
// a feasibility assessor and a risk assessor.
type FeasibilityEngine struct {
	Feasibility collab.Collaborator
	Risk        collab.Collaborator
	MaxRounds   int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// FeasibilityResult holds exactly one of Spec and Infeasible.
type FeasibilityResult struct {
	Feasible   bool
	Spec       *contracts.TechnicalSpec
	Infeasible *contracts.InfeasibleSolution
	Rounds     int
	Forced     bool
	Turns      []Turn
}

// Run converges when the assessment is feasible and the overall risk is low
// or medium. An infeasible assessment ends the negotiation immediately.
func (e FeasibilityEngine) Run(ctx context.Context, solution contracts.SolutionBrief) (FeasibilityResult, error) {
	solIn, err := collab.ToInput(solution)
	if err != nil {
		return FeasibilityResult{}, fmt.Errorf("encode solution %s: %w", solution.OpportunityID, err)
	}
	log := logger(e.Logger).With("opportunity_id", solution.OpportunityID)
	limit := maxRounds(e.MaxRounds)
	var (
		res             FeasibilityResult
		assess, riskOut collab.Output
		assessment      string
		overall         string
		risks           []contracts.Risk
	)
	for round := 1; round <= limit; round++ {
		in := collab.Input{"solution": solIn}
		if round == 1 {
			in["mode"] = "evaluate"
		} else {
			in["mode"] = "revise"
			in["previous_assessment"] = assess
			in["risk_feedback"] = riskOut
		}
		assess, err = call(ctx, e.Feasibility, RoleFeasibility, round, in, &res.Turns)
		if err != nil {
			return res, err
		}
		res.Rounds = round
		assessment = assess.String("assessment")
		if !oneOf(assessment, Feasible, Infeasible, NeedsRevision) {
			assessment = NeedsRevision
		}
		if assessment == Infeasible {
			reason := assess.String("reason")
			if reason == "" {
				reason = "assessed infeasible"
			}
			res.Infeasible = &contracts.InfeasibleSolution{
				OpportunityID: solution.OpportunityID,
				Reason:        reason,
				Constraints:   assess.Strings("constraints"),
				Rounds:        round,
			}
			e.Metrics.Convergence("feasibility", "infeasible")
			return res, nil
		}

		riskOut, err = call(ctx, e.Risk, RoleRisk, round, collab.Input{"solution": solIn, "assessment": assess}, &res.Turns)
		if err != nil {
			return res, err
		}
		if found := parseRisks(riskOut); len(found) > 0 {
			risks = found
		}
		overall = severity(riskOut.String("overall_risk"))
		if assessment == Feasible && (overall == contracts.RiskLow || overall == contracts.RiskMedium) {
			res.Feasible = true
			res.Spec = buildSpec(solution, assess, riskOut, overall, risks, round, false)
			e.Metrics.Convergence("feasibility", "converged")
			return res, nil
		}
	}

	res.Forced = true
	if assessment != Feasible {
		log.Warn("feasibility forced infeasible", "round", res.Rounds, "assessment", assessment, "overall_risk", overall)
		res.Infeasible = &contracts.InfeasibleSolution{
			OpportunityID: solution.OpportunityID,
			Reason:        fmt.Sprintf("Feasibility did not converge after %d rounds; last assessment: %s", res.Rounds, assessment),
			Constraints:   assess.Strings("constraints"),
			Rounds:        res.Rounds,
			Forced:        true,
		}
		e.Metrics.Convergence("feasibility", "forced_infeasible")
		return res, nil
	}
	log.Warn("feasibility forced feasible", "round", res.Rounds, "overall_risk", overall)
	res.Feasible = true
	res.Spec = buildSpec(solution, assess, riskOut, overall, risks, res.Rounds, true)
	e.Metrics.Convergence("feasibility", "forced")
	return res, nil
}

func buildSpec(sol contracts.SolutionBrief, assess, riskOut collab.Output, overall string, risks []contracts.Risk, rounds int, forced bool) *contracts.TechnicalSpec {
	if len(risks) == 0 {
		risks = []contracts.Risk{PlaceholderRisk}
	}
	spec := &contracts.TechnicalSpec{
		OpportunityID:     sol.OpportunityID,
		Approach:          assess.String("approach"),
		EffortEstimate:    assess.String("effort_estimate"),
		Dependencies:      assess.Strings("dependencies"),
		Risks:             risks,
		OverallRisk:       overall,
		RolloutNotes:      riskOut.String("rollout_notes"),
		RegressionNotes:   riskOut.String("regression_notes"),
		TestScope:         riskOut.String("test_scope"),
		Rounds:            rounds,
		ConvergenceForced: forced,
	}
	if spec.Approach == "" {
		spec.Approach = sol.ProposedSolution
	}
	if spec.EffortEstimate == "" {
		spec.EffortEstimate = "unknown"
	}
	return spec
}

// severity maps unknown or missing levels to high.
func severity(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if oneOf(level, contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh, contracts.RiskCritical) {
		return level
	}
	return contracts.RiskHigh
}

// parseRisks reads the "risks" list, skipping entries without a description.
func parseRisks(out collab.Output) []contracts.Risk {
	var risks []contracts.Risk
	for _, item := range out.Slice("risks") {
		var m collab.Output
		switch v := item.(type) {
		case map[string]any:
			m = v
		case string:
			m = collab.Output{"description": v}
		default:
			continue
		}
		desc := strings.TrimSpace(m.String("description"))
		if desc == "" {
			continue
		}
		risks = append(risks, contracts.Risk{
			Description: desc,
			Severity:    severity(m.String("severity")),
			Mitigation:  m.String("mitigation"),
		})
	}
	return risks
}

// RunAll assesses every solution in order and assembles the stage artifact
// with feasible specs and infeasible solutions kept apart.
func (e FeasibilityEngine) RunAll(ctx context.Context, solutions []contracts.SolutionBrief) (contracts.FeasibilityCheckpoint, []FeasibilityResult, error) {
	cp := contracts.FeasibilityCheckpoint{Specs: []contracts.TechnicalSpec{}}
	results := make([]FeasibilityResult, 0, len(solutions))
	for _, s := range solutions {
		res, err := e.Run(ctx, s)
		if err != nil {
			return cp, results, fmt.Errorf("feasibility for %s: %w", s.OpportunityID, err)
		}
		if res.Feasible {
			cp.Specs = append(cp.Specs, *res.Spec)
		} else {
			cp.Infeasible = append(cp.Infeasible, *res.Infeasible)
		}
		results = append(results, res)
	}
	return cp, results, nil
}
