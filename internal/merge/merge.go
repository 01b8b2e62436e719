// Package merge combines independent exploration results into one checkpoint.
package merge

import (
	"discoveryline/internal/collab"
	"discoveryline/internal/contracts"
)

// DefaultWindowDays is the claimed time window of an empty merge.
const DefaultWindowDays = 30

// SourceResult is the output of one exploration collaborator. A non-nil Err
// marks the source as failed: its findings are dropped and whatever it could
// not review is counted as skipped, at least one conversation per failure.
type SourceResult struct {
	Source   string
	Findings []contracts.Finding
	Coverage contracts.Coverage
	Usage    map[string]int
	Err      error
}

// Merge concatenates findings in input order, sums coverage counts and usage
// per key, and claims the widest time window of any source. An empty input
// yields zero counts and defaultWindowDays (DefaultWindowDays when <= 0).
func Merge(results []SourceResult, defaultWindowDays int) contracts.ExplorationCheckpoint {
	if defaultWindowDays <= 0 {
		defaultWindowDays = DefaultWindowDays
	}
	out := contracts.ExplorationCheckpoint{
		Findings: []contracts.Finding{},
		Usage:    map[string]int{},
		Metadata: map[string]any{},
	}
	if len(results) == 0 {
		out.Coverage.TimeWindowDays = defaultWindowDays
		out.Metadata["sources"] = []string{}
		return out
	}

	sources := make([]string, 0, len(results))
	errs := map[string]string{}
	window := 0
	for _, r := range results {
		sources = append(sources, r.Source)
		cov := r.Coverage
		if cov.TimeWindowDays > window {
			window = cov.TimeWindowDays
		}
		for k, v := range r.Usage {
			out.Usage[k] += v
		}
		out.Coverage.ConversationsAvailable += cov.ConversationsAvailable
		out.Coverage.ConversationsReviewed += cov.ConversationsReviewed
		if r.Err != nil {
			errs[r.Source] = r.Err.Error()
			out.Coverage.ConversationsSkipped += max(cov.ConversationsSkipped, cov.ConversationsAvailable-cov.ConversationsReviewed, 1)
			continue
		}
		out.Coverage.ConversationsSkipped += cov.ConversationsSkipped
		out.Findings = append(out.Findings, r.Findings...)
	}
	if window == 0 {
		window = defaultWindowDays
	}
	out.Coverage.TimeWindowDays = window
	out.Metadata["sources"] = sources
	if len(errs) > 0 {
		out.Metadata["errors"] = errs
	}
	return out
}

// AllFailed reports whether every source in results errored.
func AllFailed(results []SourceResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Err == nil {
			return false
		}
	}
	return true
}

// FromOutput converts an exploration collaborator's output. Findings that do
// not decode are dropped and counted as skipped. A failed source keeps the
// coverage and usage it reported before failing.
func FromOutput(source string, out collab.Output, err error) SourceResult {
	res := SourceResult{Source: source, Err: err}
	if out == nil {
		return res
	}
	if cov := out.Map("coverage"); cov != nil {
		_ = out.DecodeInto("coverage", &res.Coverage)
	}
	res.Usage = out.Usage()
	if err != nil {
		return res
	}
	for _, item := range out.Slice("findings") {
		var f contracts.Finding
		if derr := (collab.Output{"f": item}).DecodeInto("f", &f); derr != nil || f.Description == "" {
			res.Coverage.ConversationsSkipped++
			continue
		}
		res.Findings = append(res.Findings, f)
	}
	return res
}
