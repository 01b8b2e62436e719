// Package ranking turns a ranking collaborator's output into a total order
// over exactly the expected opportunities.
package ranking

import (
	"strings"

	"discoveryline/internal/collab"
	"discoveryline/internal/contracts"
)

// DefaultFallbackRationale is attached to entries the collaborator left
// without a rationale or omitted altogether.
const DefaultFallbackRationale = "Not ranked by the prioritization step; appended in original order."

// Normalize returns one entry per expected id with ranks 1..N. Duplicates keep
// their first occurrence, ids outside expected are dropped, missing ids are
// appended in expected order and flagged AutoAppended.
func Normalize(entries []contracts.RankingEntry, expected []string, fallback string) []contracts.RankingEntry {
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultFallbackRationale
	}
	want := make(map[string]bool, len(expected))
	for _, id := range expected {
		want[id] = true
	}

	seen := make(map[string]bool, len(expected))
	out := make([]contracts.RankingEntry, 0, len(expected))
	for _, e := range entries {
		if !want[e.OpportunityID] || seen[e.OpportunityID] {
			continue
		}
		seen[e.OpportunityID] = true
		e.AutoAppended = false
		out = append(out, e)
	}
	for _, id := range expected {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, contracts.RankingEntry{OpportunityID: id, AutoAppended: true})
	}
	for i := range out {
		if strings.TrimSpace(out[i].Rationale) == "" {
			out[i].Rationale = fallback
		}
		out[i].RecommendedRank = i + 1
	}
	return out
}

// FromOutput reads the "rankings" list from a collaborator output. Rows that
// are not objects or have no opportunity id are skipped; Normalize fills the
// gaps they leave.
func FromOutput(out collab.Output) []contracts.RankingEntry {
	rows := out.Slice("rankings")
	entries := make([]contracts.RankingEntry, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		var e contracts.RankingEntry
		if err := (collab.Output{"row": m}).DecodeInto("row", &e); err != nil {
			e = contracts.RankingEntry{
				OpportunityID: collab.Output(m).String("opportunity_id"),
				Rationale:     collab.Output(m).String("rationale"),
			}
		}
		if e.OpportunityID == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}
