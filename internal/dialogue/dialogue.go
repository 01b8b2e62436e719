// Package dialogue runs the bounded multi-round negotiations between
// collaborators that produce the solution-validation and feasibility
// artifacts.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"

	"discoveryline/internal/collab"
)

// DefaultMaxRounds bounds every negotiation unless configured otherwise.
const DefaultMaxRounds = 3

// Turn is one collaborator reply inside a negotiation. Turns are kept for
// diagnostics only; the conversation log is the durable record.
type Turn struct {
	Round  int           `json:"round"`
	Agent  string        `json:"agent"`
	Role   string        `json:"role"`
	Output collab.Output `json:"output,omitempty"`
}

// Negotiation roles.
const (
	RoleProposer    = "proposer"
	RoleValidator   = "validator"
	RoleAssessor    = "impact_assessor"
	RoleFeasibility = "feasibility"
	RoleRisk        = "risk"
)

func maxRounds(n int) int {
	if n <= 0 {
		return DefaultMaxRounds
	}
	return n
}

func logger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// call invokes c and appends its reply to turns.
func call(ctx context.Context, c collab.Collaborator, role string, round int, in collab.Input, turns *[]Turn) (collab.Output, error) {
	if c == nil {
		return nil, fmt.Errorf("no %s collaborator configured", role)
	}
	in["round"] = round
	in["role"] = role
	out, err := c.Invoke(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%s %s round %d: %w", role, c.Name(), round, err)
	}
	if out == nil {
		out = collab.Output{}
	}
	*turns = append(*turns, Turn{Round: round, Agent: c.Name(), Role: role, Output: out})
	return out, nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
