package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"discoveryline/internal/domain"
)

// ErrValidation is wrapped by every artifact contract failure.
var ErrValidation = errors.New("artifact validation failed")

// ValidationError lists the contract violations of one artifact.
type ValidationError struct {
	Stage  domain.Stage
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s artifact invalid: %s", e.Stage, strings.Join(e.Fields, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Struct validates v against its struct tags, converting validator output
// into a ValidationError for stage.
func Struct(stage domain.Stage, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Stage: stage, Fields: []string{err.Error()}}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		if fe.Param() != "" {
			fields = append(fields, fmt.Sprintf("%s failed %s=%s", ns, fe.Tag(), fe.Param()))
		} else {
			fields = append(fields, fmt.Sprintf("%s failed %s", ns, fe.Tag()))
		}
	}
	return &ValidationError{Stage: stage, Fields: fields}
}

// Contract decodes and checks one stage's artifact.
type Contract func(raw json.RawMessage) error

// Registry maps stages to their artifact contracts. Stages without an entry
// accept any non-empty payload.
type Registry map[domain.Stage]Contract

// DefaultRegistry returns the contracts for every pipeline stage.
func DefaultRegistry() Registry {
	return Registry{
		domain.StageExploration:        typed[ExplorationCheckpoint](domain.StageExploration, nil),
		domain.StageOpportunityFraming: typed(domain.StageOpportunityFraming, checkUniqueBriefs),
		domain.StageSolutionValidation: typed[SolutionValidationCheckpoint](domain.StageSolutionValidation, nil),
		domain.StageFeasibilityRisk:    typed(domain.StageFeasibilityRisk, checkFeasibility),
		domain.StagePrioritization:     typed(domain.StagePrioritization, checkRanks),
		domain.StageHumanReview:        typed[HumanReviewCheckpoint](domain.StageHumanReview, nil),
	}
}

// Validate checks raw against the contract registered for stage.
func (r Registry) Validate(stage domain.Stage, raw json.RawMessage) error {
	if IsEmpty(raw) {
		return &ValidationError{Stage: stage, Fields: []string{"artifact is empty"}}
	}
	contract, ok := r[stage]
	if !ok {
		if !json.Valid(raw) {
			return &ValidationError{Stage: stage, Fields: []string{"artifact is not valid JSON"}}
		}
		return nil
	}
	return contract(raw)
}

func typed[T any](stage domain.Stage, extra func(*T) []string) Contract {
	return func(raw json.RawMessage) error {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return &ValidationError{Stage: stage, Fields: []string{"decode: " + err.Error()}}
		}
		if err := Struct(stage, &v); err != nil {
			return err
		}
		if extra != nil {
			if problems := extra(&v); len(problems) > 0 {
				return &ValidationError{Stage: stage, Fields: problems}
			}
		}
		return nil
	}
}

// Decode unmarshals a stored artifact into its typed form.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errors.New("artifact is empty")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode artifact: %w", err)
	}
	return v, nil
}

// Encode marshals a typed artifact for storage.
func Encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return data, nil
}

func checkUniqueBriefs(c *OpportunityFramingCheckpoint) []string {
	var problems []string
	seen := map[string]bool{}
	for _, b := range c.Briefs {
		if seen[b.OpportunityID] {
			problems = append(problems, fmt.Sprintf("duplicate opportunity_id %s", b.OpportunityID))
		}
		seen[b.OpportunityID] = true
	}
	return problems
}

func checkFeasibility(c *FeasibilityCheckpoint) []string {
	if len(c.Specs) == 0 && len(c.Infeasible) == 0 {
		return []string{"specs or infeasible must be non-empty"}
	}
	return nil
}

// checkRanks requires recommended ranks to form exactly 1..N.
func checkRanks(c *PrioritizationCheckpoint) []string {
	var problems []string
	seenRank := map[int]bool{}
	seenID := map[string]bool{}
	for _, e := range c.Rankings {
		if e.RecommendedRank > len(c.Rankings) || seenRank[e.RecommendedRank] {
			problems = append(problems, fmt.Sprintf("rank %d for %s is not part of a 1..%d order", e.RecommendedRank, e.OpportunityID, len(c.Rankings)))
		}
		if seenID[e.OpportunityID] {
			problems = append(problems, fmt.Sprintf("duplicate opportunity_id %s", e.OpportunityID))
		}
		seenRank[e.RecommendedRank] = true
		seenID[e.OpportunityID] = true
	}
	return problems
}
