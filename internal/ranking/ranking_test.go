package ranking_test

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discoveryline/internal/collab"
	"discoveryline/internal/contracts"
	"discoveryline/internal/ranking"
)

func TestNormalizeRepairsDuplicatesAndGaps(t *testing.T) {
	got := ranking.Normalize([]contracts.RankingEntry{
		{OpportunityID: "B", Rationale: "largest segment"},
		{OpportunityID: "B", Rationale: "second opinion"},
		{OpportunityID: "A"},
	}, []string{"A", "B", "C"}, "")

	require.Len(t, got, 3)
	assert.Equal(t, "B", got[0].OpportunityID)
	assert.Equal(t, "largest segment", got[0].Rationale)
	assert.Equal(t, "A", got[1].OpportunityID)
	assert.Equal(t, ranking.DefaultFallbackRationale, got[1].Rationale)
	assert.False(t, got[1].AutoAppended)
	assert.Equal(t, "C", got[2].OpportunityID)
	assert.True(t, got[2].AutoAppended)
	for i, e := range got {
		assert.Equal(t, i+1, e.RecommendedRank)
	}
}

func TestNormalizeDropsUnknownIDs(t *testing.T) {
	got := ranking.Normalize([]contracts.RankingEntry{
		{OpportunityID: "Z", Rationale: "hallucinated"},
		{OpportunityID: "A", Rationale: "ok", RecommendedRank: 9},
	}, []string{"A"}, "custom")
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].OpportunityID)
	assert.Equal(t, 1, got[0].RecommendedRank)
}

func TestNormalizeIsTotalOrderOverExpected(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 100; trial++ {
		n := 1 + rng.Intn(8)
		expected := make([]string, n)
		for i := range expected {
			expected[i] = fmt.Sprintf("opp-%d", i)
		}
		var entries []contracts.RankingEntry
		for j := rng.Intn(12); j > 0; j-- {
			id := fmt.Sprintf("opp-%d", rng.Intn(n+3))
			rationale := ""
			if rng.Intn(2) == 0 {
				rationale = "because"
			}
			entries = append(entries, contracts.RankingEntry{OpportunityID: id, Rationale: rationale})
		}

		got := ranking.Normalize(entries, expected, "")
		require.Len(t, got, n)
		ranks := make([]int, 0, n)
		ids := make([]string, 0, n)
		for _, e := range got {
			ranks = append(ranks, e.RecommendedRank)
			ids = append(ids, e.OpportunityID)
			assert.NotEmpty(t, e.Rationale)
		}
		sort.Ints(ranks)
		for i, r := range ranks {
			assert.Equal(t, i+1, r)
		}
		assert.ElementsMatch(t, expected, ids)
	}
}

func TestFromOutputSkipsMalformedRows(t *testing.T) {
	entries := ranking.FromOutput(collab.Output{"rankings": []any{
		map[string]any{"opportunity_id": "A", "rationale": "r", "score": 0.8},
		"B",
		map[string]any{"rationale": "no id"},
		map[string]any{"opportunity_id": "C", "recommended_rank": "first"},
	}})
	require.Len(t, entries, 2)
	assert.Equal(t, "A", entries[0].OpportunityID)
	assert.Equal(t, 0.8, entries[0].Extra["score"])
	assert.Equal(t, "C", entries[1].OpportunityID)

	assert.Empty(t, ranking.FromOutput(collab.Output{"rankings": "nope"}))
}
