package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"discoveryline/internal/checkpoint"
	"discoveryline/internal/collab"
	"discoveryline/internal/contracts"
	"discoveryline/internal/dialogue"
	"discoveryline/internal/domain"
	"discoveryline/internal/merge"
	"discoveryline/internal/ranking"
)

func (o Orchestrator) explore(ctx context.Context, se domain.StageExecution, runCtx map[string]any) (contracts.ExplorationCheckpoint, error) {
	window := o.Pipeline.Exploration.DefaultWindowDays
	sources := o.Recorder.BindAll(se, o.Agents.Explorers)
	results := make([]merge.SourceResult, len(sources))
	invoke := func(i int) {
		c := sources[i]
		out, err := c.Invoke(ctx, collab.Input{"stage": string(se.Stage), "window_days": window, "context": runCtx})
		results[i] = merge.FromOutput(c.Name(), out, err)
	}
	if o.Pipeline.Exploration.Concurrent {
		// Sources write disjoint slots; failures are carried in the results.
		var g errgroup.Group
		for i := range sources {
			g.Go(func() error {
				invoke(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range sources {
			invoke(i)
		}
	}

	for _, r := range results {
		if r.Err != nil {
			o.log().Warn("exploration source failed", "run_id", se.RunID, "stage", se.Stage, "source", r.Source, "error", r.Err)
		}
	}
	if merge.AllFailed(results) {
		msgs := make([]string, 0, len(results))
		for _, r := range results {
			msgs = append(msgs, fmt.Sprintf("%s: %v", r.Source, r.Err))
		}
		return contracts.ExplorationCheckpoint{}, fmt.Errorf("every exploration source failed: %s", strings.Join(msgs, "; "))
	}
	return merge.Merge(results, window), nil
}

func (o Orchestrator) frame(ctx context.Context, se domain.StageExecution, prior []checkpoint.Checkpoint) (contracts.OpportunityFramingCheckpoint, error) {
	var cp contracts.OpportunityFramingCheckpoint
	exploration, _, err := checkpoint.LatestArtifact[contracts.ExplorationCheckpoint](prior, domain.StageExploration)
	if err != nil {
		return cp, err
	}
	in, err := collab.ToInput(exploration)
	if err != nil {
		return cp, err
	}
	out, err := o.Recorder.Bind(se, required(o.Agents.Framer, "framer")).Invoke(ctx, collab.Input{"stage": string(se.Stage), "exploration": in})
	if err != nil {
		return cp, err
	}
	if err := out.DecodeInto("opportunity_briefs", &cp.Briefs); err != nil {
		return cp, fmt.Errorf("framer output: %w", err)
	}
	cp.Briefs, err = o.checkEvidence(ctx, se.RunID, exploration, cp.Briefs)
	return cp, err
}

// checkEvidence compares every brief's evidence with the pointers the
// exploration findings carried. Unknown pointers produce run warnings; when
// require_known_evidence is set they are dropped, and so is a brief left
// without evidence.
func (o Orchestrator) checkEvidence(ctx context.Context, runID string, exploration contracts.ExplorationCheckpoint, briefs []contracts.OpportunityBrief) ([]contracts.OpportunityBrief, error) {
	known := map[string]bool{}
	for _, f := range exploration.Findings {
		for _, p := range f.Evidence {
			known[p.SourceType+"/"+p.SourceID] = true
		}
	}
	strict := o.Pipeline.Framing.RequireKnownEvidence
	kept := make([]contracts.OpportunityBrief, 0, len(briefs))
	for _, b := range briefs {
		var evidence []contracts.EvidencePointer
		unknown := 0
		for _, p := range b.Evidence {
			if known[p.SourceType+"/"+p.SourceID] {
				evidence = append(evidence, p)
			} else {
				unknown++
			}
		}
		if unknown > 0 {
			msg := fmt.Sprintf("opportunity %s cites %d evidence pointer(s) not seen during exploration", b.OpportunityID, unknown)
			if _, err := o.machine().AddWarning(ctx, runID, msg); err != nil {
				return nil, err
			}
		}
		if strict {
			if len(evidence) == 0 {
				continue
			}
			b.Evidence = evidence
		}
		kept = append(kept, b)
	}
	return kept, nil
}

func (o Orchestrator) designSolutions(ctx context.Context, se domain.StageExecution, prior []checkpoint.Checkpoint, runCtx map[string]any) (contracts.SolutionValidationCheckpoint, error) {
	framing, ok, err := checkpoint.LatestArtifact[contracts.OpportunityFramingCheckpoint](prior, domain.StageOpportunityFraming)
	if err != nil {
		return contracts.SolutionValidationCheckpoint{}, err
	}
	if !ok {
		return contracts.SolutionValidationCheckpoint{}, fmt.Errorf("no %s checkpoint to design solutions for", domain.StageOpportunityFraming)
	}
	contextIn := map[string]any{"run_context": runCtx}
	if exploration, found, err := checkpoint.LatestArtifact[contracts.ExplorationCheckpoint](prior, domain.StageExploration); err == nil && found {
		contextIn["coverage"] = exploration.Coverage
		contextIn["finding_count"] = len(exploration.Findings)
	}
	eng := dialogue.SolutionEngine{
		Proposer:  o.Recorder.Bind(se, required(o.Agents.Proposer, "proposer")),
		Validator: o.Recorder.Bind(se, required(o.Agents.Validator, "validator")),
		Assessor:  o.Recorder.Bind(se, required(o.Agents.ImpactAssessor, "impact assessor")),
		MaxRounds: o.Pipeline.Solution.MaxRounds,
		Metrics:   o.Metrics,
		Logger:    o.log().With("run_id", se.RunID, "stage", se.Stage),
	}
	cp, results, err := eng.RunAll(ctx, framing.Briefs, contextIn)
	if err != nil {
		return cp, err
	}
	for _, r := range results {
		o.log().Debug("solution negotiated", "run_id", se.RunID, "opportunity_id", r.Solution.OpportunityID, "round", r.Rounds, "forced", r.Forced, "turns", len(r.Turns))
	}
	return cp, nil
}

func (o Orchestrator) assessFeasibility(ctx context.Context, se domain.StageExecution, prior []checkpoint.Checkpoint) (contracts.FeasibilityCheckpoint, error) {
	solutions, ok, err := checkpoint.LatestArtifact[contracts.SolutionValidationCheckpoint](prior, domain.StageSolutionValidation)
	if err != nil {
		return contracts.FeasibilityCheckpoint{}, err
	}
	if !ok {
		return contracts.FeasibilityCheckpoint{}, fmt.Errorf("no %s checkpoint to assess", domain.StageSolutionValidation)
	}
	eng := dialogue.FeasibilityEngine{
		Feasibility: o.Recorder.Bind(se, required(o.Agents.Feasibility, "feasibility assessor")),
		Risk:        o.Recorder.Bind(se, required(o.Agents.Risk, "risk assessor")),
		MaxRounds:   o.Pipeline.Feasibility.MaxRounds,
		Metrics:     o.Metrics,
		Logger:      o.log().With("run_id", se.RunID, "stage", se.Stage),
	}
	cp, _, err := eng.RunAll(ctx, solutions.Solutions)
	return cp, err
}

func (o Orchestrator) prioritize(ctx context.Context, se domain.StageExecution, prior []checkpoint.Checkpoint) (contracts.PrioritizationCheckpoint, error) {
	var cp contracts.PrioritizationCheckpoint
	feas, ok, err := checkpoint.LatestArtifact[contracts.FeasibilityCheckpoint](prior, domain.StageFeasibilityRisk)
	if err != nil {
		return cp, err
	}
	if !ok {
		return cp, fmt.Errorf("no %s checkpoint to prioritize", domain.StageFeasibilityRisk)
	}
	expected := make([]string, 0, len(feas.Specs))
	for _, s := range feas.Specs {
		expected = append(expected, s.OpportunityID)
	}
	if len(expected) == 0 {
		for _, s := range feas.Infeasible {
			expected = append(expected, s.OpportunityID)
		}
		if _, err := o.machine().AddWarning(ctx, se.RunID, "no feasible solutions; ranking infeasible opportunities for review"); err != nil {
			return cp, err
		}
	}
	in, err := collab.ToInput(feas)
	if err != nil {
		return cp, err
	}
	in["stage"] = string(se.Stage)
	in["opportunity_ids"] = expected
	out, err := o.Recorder.Bind(se, required(o.Agents.Ranker, "ranker")).Invoke(ctx, in)
	if err != nil {
		return cp, err
	}
	cp.Rankings = ranking.Normalize(ranking.FromOutput(out), expected, o.Pipeline.Ranking.FallbackRationale)
	for _, e := range cp.Rankings {
		if e.AutoAppended {
			o.log().Warn("ranking entry auto-appended", "run_id", se.RunID, "opportunity_id", e.OpportunityID)
		}
	}
	return cp, nil
}

// required substitutes a collaborator that always fails for a missing one,
// so the failure is recorded like any other collaborator error.
func required(c collab.Collaborator, role string) collab.Collaborator {
	if c != nil {
		return c
	}
	return collab.Func{ID: strings.ReplaceAll(role, " ", "_"), Fn: func(context.Context, collab.Input) (collab.Output, error) {
		return nil, fmt.Errorf("no %s collaborator configured", role)
	}}
}
