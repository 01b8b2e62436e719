package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"discoveryline/internal/collab"
	"discoveryline/internal/contracts"
	"discoveryline/internal/conversation"
	"discoveryline/internal/domain"
	"discoveryline/internal/events"
	"discoveryline/internal/repo"
	"discoveryline/internal/statemachine"
)

// Checkpoint is the artifact of one completed stage attempt.
type Checkpoint struct {
	StageExecutionID string          `json:"stage_execution_id"`
	Stage            domain.Stage    `json:"stage"`
	Attempt          int             `json:"attempt"`
	Artifact         json.RawMessage `json:"artifact"`
}

// PriorCheckpoints returns the artifacts of every completed stage attempt in
// the order the attempts were created. After a send-back a stage can appear
// more than once; use LatestCheckpoint for the newest.
func (s Service) PriorCheckpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	stages, err := s.Machine.ListStages(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []Checkpoint
	for _, se := range stages {
		if se.Status != domain.StageCompleted || contracts.IsEmpty(se.Artifact) {
			continue
		}
		out = append(out, Checkpoint{StageExecutionID: se.ID, Stage: se.Stage, Attempt: se.Attempt, Artifact: se.Artifact})
	}
	return out, nil
}

// LatestCheckpoint scans to the last checkpoint recorded for stage.
func LatestCheckpoint(prior []Checkpoint, stage domain.Stage) (Checkpoint, bool) {
	var (
		found Checkpoint
		ok    bool
	)
	for _, c := range prior {
		if c.Stage == stage {
			found, ok = c, true
		}
	}
	return found, ok
}

// LatestArtifact decodes the newest checkpoint for stage into T.
func LatestArtifact[T any](prior []Checkpoint, stage domain.Stage) (T, bool, error) {
	var zero T
	c, ok := LatestCheckpoint(prior, stage)
	if !ok {
		return zero, false, nil
	}
	v, err := contracts.Decode[T](c.Artifact)
	if err != nil {
		return zero, true, fmt.Errorf("%s checkpoint: %w", stage, err)
	}
	return v, true, nil
}

// RecordReviewDecision upserts d into the active human_review stage's
// artifact. A later decision for the same opportunity replaces the earlier one.
func (s Service) RecordReviewDecision(ctx context.Context, runID string, d contracts.ReviewDecision) (contracts.HumanReviewCheckpoint, error) {
	var review contracts.HumanReviewCheckpoint
	cur, err := s.active(ctx, runID)
	if err != nil {
		return review, err
	}
	if cur.Stage != domain.StageHumanReview {
		return review, fmt.Errorf("%w: review decisions need the %s stage, run is at %s", ErrWrongStage, domain.StageHumanReview, cur.Stage)
	}
	if err := contracts.Struct(domain.StageHumanReview, &d); err != nil {
		return review, err
	}
	if d.Decision == contracts.DecisionSendBack {
		target, err := domain.ParseStage(d.SendBackToStage)
		if err != nil || !statemachine.CanSendBack(domain.StageHumanReview, target) {
			return review, &contracts.ValidationError{Stage: domain.StageHumanReview, Fields: []string{fmt.Sprintf("send_back_to_stage %q is not an earlier stage", d.SendBackToStage)}}
		}
	}
	prior, err := s.PriorCheckpoints(ctx, runID)
	if err != nil {
		return review, err
	}
	ranked, found, err := LatestArtifact[contracts.PrioritizationCheckpoint](prior, domain.StagePrioritization)
	if err != nil {
		return review, err
	}
	if found && !hasRanking(ranked, d.OpportunityID) {
		return review, &contracts.ValidationError{Stage: domain.StageHumanReview, Fields: []string{fmt.Sprintf("opportunity_id %s is not in the final ranking", d.OpportunityID)}}
	}
	if d.DecidedAt == "" {
		d.DecidedAt = s.now()
	}

	err = s.store().Atomic(ctx, func(st repo.Storage) error {
		se, err := st.GetStage(ctx, cur.ID)
		if err != nil {
			return err
		}
		if se.Status != domain.StageInProgress {
			return &statemachine.TransitionError{Op: "record review", RunID: runID, From: string(se.Status), Reason: "review artifact is no longer editable"}
		}
		review = contracts.HumanReviewCheckpoint{}
		if !contracts.IsEmpty(se.Artifact) {
			if review, err = contracts.Decode[contracts.HumanReviewCheckpoint](se.Artifact); err != nil {
				return err
			}
		}
		review.Upsert(d)
		raw, err := contracts.Encode(review)
		if err != nil {
			return err
		}
		se.Artifact = raw
		if err := st.UpdateStage(ctx, se); err != nil {
			return err
		}
		return st.AppendEvent(ctx, events.ReviewRecorded, runID, "stage_execution", se.ID, d.Reviewer, events.EventPayload{
			"opportunity_id": d.OpportunityID, "decision": d.Decision,
		})
	})
	if err != nil {
		return review, err
	}
	if cur.ConversationID != nil {
		output, err := collab.ToInput(d)
		if err != nil {
			return review, fmt.Errorf("encode review decision: %w", err)
		}
		if _, err := s.PostEvent(ctx, *cur.ConversationID, conversation.RoleHuman, conversation.AgentResponse{Agent: reviewerName(d), Output: output}); err != nil {
			return review, err
		}
	}
	return review, nil
}

func reviewerName(d contracts.ReviewDecision) string {
	if d.Reviewer != "" {
		return d.Reviewer
	}
	return "reviewer"
}

func hasRanking(c contracts.PrioritizationCheckpoint, id string) bool {
	for _, e := range c.Rankings {
		if e.OpportunityID == id {
			return true
		}
	}
	return false
}

// CompleteReview closes the human_review stage with the decisions recorded so
// far and completes the run.
func (s Service) CompleteReview(ctx context.Context, runID, participant string) (domain.Run, error) {
	cur, convID, err := s.ActiveConversation(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if cur.Stage != domain.StageHumanReview {
		return domain.Run{}, fmt.Errorf("%w: run is at %s", ErrWrongStage, cur.Stage)
	}
	return s.CompleteWithCheckpoint(ctx, Submission{
		ConversationID: convID,
		RunID:          runID,
		Participant:    participant,
		Artifact:       cur.Artifact,
	})
}

// Chain is the artifact trail of one opportunity through the pipeline.
type Chain struct {
	Rank       int                           `json:"rank"`
	Ranking    contracts.RankingEntry        `json:"ranking"`
	Brief      *contracts.OpportunityBrief   `json:"brief,omitempty"`
	Solution   *contracts.SolutionBrief      `json:"solution,omitempty"`
	Spec       *contracts.TechnicalSpec      `json:"spec,omitempty"`
	Infeasible *contracts.InfeasibleSolution `json:"infeasible,omitempty"`
	Decision   *contracts.ReviewDecision     `json:"decision,omitempty"`
}

// OpportunityChain returns the artifacts for the opportunity at a 1-based
// position of the latest ranking.
func (s Service) OpportunityChain(ctx context.Context, runID string, rank int) (Chain, error) {
	prior, err := s.PriorCheckpoints(ctx, runID)
	if err != nil {
		return Chain{}, err
	}
	ranked, found, err := LatestArtifact[contracts.PrioritizationCheckpoint](prior, domain.StagePrioritization)
	if err != nil {
		return Chain{}, err
	}
	if !found {
		return Chain{}, fmt.Errorf("run %s has no ranking yet: %w", runID, repo.ErrNotFound)
	}
	chain := Chain{Rank: rank}
	ok := false
	for _, e := range ranked.Rankings {
		if e.RecommendedRank == rank {
			chain.Ranking, ok = e, true
			break
		}
	}
	if !ok {
		return Chain{}, fmt.Errorf("rank %d of run %s: %w", rank, runID, repo.ErrNotFound)
	}
	id := chain.Ranking.OpportunityID

	if framing, ok, err := LatestArtifact[contracts.OpportunityFramingCheckpoint](prior, domain.StageOpportunityFraming); err != nil {
		return chain, err
	} else if ok {
		for i := range framing.Briefs {
			if framing.Briefs[i].OpportunityID == id {
				chain.Brief = &framing.Briefs[i]
				break
			}
		}
	}
	if solutions, ok, err := LatestArtifact[contracts.SolutionValidationCheckpoint](prior, domain.StageSolutionValidation); err != nil {
		return chain, err
	} else if ok {
		for i := range solutions.Solutions {
			if solutions.Solutions[i].OpportunityID == id {
				chain.Solution = &solutions.Solutions[i]
				break
			}
		}
	}
	if feas, ok, err := LatestArtifact[contracts.FeasibilityCheckpoint](prior, domain.StageFeasibilityRisk); err != nil {
		return chain, err
	} else if ok {
		for i := range feas.Specs {
			if feas.Specs[i].OpportunityID == id {
				chain.Spec = &feas.Specs[i]
				break
			}
		}
		for i := range feas.Infeasible {
			if feas.Infeasible[i].OpportunityID == id {
				chain.Infeasible = &feas.Infeasible[i]
				break
			}
		}
	}
	review, err := s.currentReview(ctx, runID, prior)
	if err != nil {
		return chain, err
	}
	for i := range review.Decisions {
		if review.Decisions[i].OpportunityID == id {
			chain.Decision = &review.Decisions[i]
			break
		}
	}
	return chain, nil
}

// currentReview prefers the in-progress review artifact over a completed one.
func (s Service) currentReview(ctx context.Context, runID string, prior []Checkpoint) (contracts.HumanReviewCheckpoint, error) {
	cur, err := s.store().ActiveStage(ctx, runID)
	if err == nil && cur.Stage == domain.StageHumanReview && !contracts.IsEmpty(cur.Artifact) {
		return contracts.Decode[contracts.HumanReviewCheckpoint](cur.Artifact)
	}
	review, _, err := LatestArtifact[contracts.HumanReviewCheckpoint](prior, domain.StageHumanReview)
	return review, err
}
