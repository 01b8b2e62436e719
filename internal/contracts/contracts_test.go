package contracts_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discoveryline/internal/contracts"
	"discoveryline/internal/domain"
)

func TestOpportunityBriefKeepsUnknownFields(t *testing.T) {
	raw := []byte(`{
		"opportunity_id": "opp-1",
		"problem_statement": "Exports time out for large workspaces",
		"evidence": [{"source_type": "conversation_log", "source_id": "conv-9", "confidence": "high", "quote": "it just spins"}],
		"segment": "enterprise",
		"scores": {"reach": 4}
	}`)
	var b contracts.OpportunityBrief
	require.NoError(t, json.Unmarshal(raw, &b))
	assert.Equal(t, "enterprise", b.Extra["segment"])
	assert.Equal(t, "it just spins", b.Evidence[0].Extra["quote"])
	_, known := b.Extra["problem_statement"]
	assert.False(t, known, "declared fields must not leak into Extra")

	out, err := json.Marshal(b)
	require.NoError(t, err)
	var back map[string]any
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "enterprise", back["segment"])
	assert.Equal(t, map[string]any{"reach": float64(4)}, back["scores"])
}

func TestRegistryRejectsMissingRequiredFields(t *testing.T) {
	reg := contracts.DefaultRegistry()
	cases := []struct {
		name  string
		stage domain.Stage
		raw   string
	}{
		{"brief without evidence", domain.StageOpportunityFraming, `{"opportunity_briefs":[{"opportunity_id":"a","problem_statement":"p","evidence":[]}]}`},
		{"brief without problem", domain.StageOpportunityFraming, `{"opportunity_briefs":[{"opportunity_id":"a","evidence":[{"source_type":"analytics","source_id":"d1"}]}]}`},
		{"unknown source type", domain.StageOpportunityFraming, `{"opportunity_briefs":[{"opportunity_id":"a","problem_statement":"p","evidence":[{"source_type":"slack","source_id":"x"}]}]}`},
		{"spec without risks", domain.StageFeasibilityRisk, `{"specs":[{"opportunity_id":"a","approach":"x","effort_estimate":"M","risks":[]}]}`},
		{"feasibility with nothing", domain.StageFeasibilityRisk, `{"specs":[]}`},
		{"ranking with gap", domain.StagePrioritization, `{"rankings":[{"opportunity_id":"a","recommended_rank":1,"rationale":"r"},{"opportunity_id":"b","recommended_rank":3,"rationale":"r"}]}`},
		{"send back without target", domain.StageHumanReview, `{"decisions":[{"opportunity_id":"a","decision":"send_back","reasoning":"r"}]}`},
		{"empty object", domain.StageExploration, `{}`},
		{"null", domain.StageSolutionValidation, `null`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Validate(tc.stage, json.RawMessage(tc.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, contracts.ErrValidation))
			var verr *contracts.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.stage, verr.Stage)
		})
	}
}

func TestRegistryAcceptsValidArtifacts(t *testing.T) {
	reg := contracts.DefaultRegistry()
	require.NoError(t, reg.Validate(domain.StageExploration, json.RawMessage(`{"findings":[],"coverage":{"time_window_days":30}}`)))
	require.NoError(t, reg.Validate(domain.StageFeasibilityRisk, json.RawMessage(`{"specs":[],"infeasible":[{"opportunity_id":"a","reason":"no API"}]}`)))
	require.NoError(t, reg.Validate(domain.StageHumanReview, json.RawMessage(`{"decisions":[{"opportunity_id":"a","decision":"send_back","reasoning":"r","send_back_to_stage":"opportunity_framing"}]}`)))
}

func TestRegistryWithoutContractAcceptsAnyNonEmptyPayload(t *testing.T) {
	reg := contracts.Registry{}
	require.NoError(t, reg.Validate(domain.StagePrioritization, json.RawMessage(`{"anything":true}`)))
	require.Error(t, reg.Validate(domain.StagePrioritization, json.RawMessage(`[]`)))
	require.Error(t, reg.Validate(domain.StagePrioritization, json.RawMessage(`{not json`)))
}

func TestIsEmpty(t *testing.T) {
	for _, raw := range []string{"", "null", "{}", "[]", `""`, " { } "} {
		assert.True(t, contracts.IsEmpty(json.RawMessage(raw)), raw)
	}
	for _, raw := range []string{`{"a":1}`, `[1]`, `"x"`, `0`, `false`} {
		assert.False(t, contracts.IsEmpty(json.RawMessage(raw)), raw)
	}
}

func TestHumanReviewUpsertIsLastWriteWins(t *testing.T) {
	var c contracts.HumanReviewCheckpoint
	c.Upsert(contracts.ReviewDecision{OpportunityID: "a", Decision: contracts.DecisionDefer, Reasoning: "later"})
	c.Upsert(contracts.ReviewDecision{OpportunityID: "b", Decision: contracts.DecisionReject, Reasoning: "no"})
	c.Upsert(contracts.ReviewDecision{OpportunityID: "a", Decision: contracts.DecisionApprove, Reasoning: "go"})
	require.Len(t, c.Decisions, 2)
	assert.Equal(t, contracts.DecisionApprove, c.Decisions[0].Decision)
	assert.Equal(t, "b", c.Decisions[1].OpportunityID)
}
