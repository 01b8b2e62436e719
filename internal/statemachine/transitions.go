package statemachine

import (
	"errors"
	"fmt"

	"discoveryline/internal/domain"
)

var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError describes a rejected run or stage transition. No state is
// mutated when one is returned.
type TransitionError struct {
	Op     string
	RunID  string
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s run %s", e.Op, e.RunID)
	switch {
	case e.From != "" && e.To != "":
		msg += fmt.Sprintf(" (%s -> %s)", e.From, e.To)
	case e.From != "":
		msg += fmt.Sprintf(" (from %s)", e.From)
	}
	return msg + ": " + e.Reason
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func ensureRunTransition(from, to domain.RunStatus) error {
	switch from {
	case domain.RunPending:
		if to == domain.RunRunning || to == domain.RunFailed || to == domain.RunStopped {
			return nil
		}
	case domain.RunRunning:
		if to == domain.RunCompleted || to == domain.RunFailed || to == domain.RunStopped {
			return nil
		}
	}
	return fmt.Errorf("run status %s -> %s not allowed", from, to)
}

// CanSendBack reports whether a run whose active stage is from may be sent
// back to target.
func CanSendBack(from, target domain.Stage) bool {
	switch from {
	case domain.StageFeasibilityRisk:
		return target == domain.StageSolutionValidation
	case domain.StageHumanReview:
		return target.Before(domain.StageHumanReview)
	}
	return false
}

// SendBackTargets lists the legal send-back targets from a stage in pipeline order.
func SendBackTargets(from domain.Stage) []domain.Stage {
	var out []domain.Stage
	for _, s := range domain.StageOrder {
		if CanSendBack(from, s) {
			out = append(out, s)
		}
	}
	return out
}
