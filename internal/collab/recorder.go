package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"discoveryline/internal/conversation"
	"discoveryline/internal/domain"
	"discoveryline/internal/metrics"
	"discoveryline/internal/statemachine"
)

// PanicError is returned when a collaborator panics.
type PanicError struct {
	Agent string
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("collaborator %s panicked: %v", e.Agent, e.Value)
}

// Recorder binds collaborators to a stage execution so every call is stored
// as an AgentInvocation and mirrored into the stage conversation.
type Recorder struct {
	Machine   statemachine.Machine
	Transport conversation.Transport
	Metrics   *metrics.Metrics
	// Retries is how many extra attempts a failing call gets. Panics are not retried.
	Retries int
	Logger  *slog.Logger
}

func (r Recorder) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r Recorder) now() string {
	if r.Machine.Now != nil {
		return r.Machine.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Bind returns c wrapped for the stage execution se.
func (r Recorder) Bind(se domain.StageExecution, c Collaborator) Collaborator {
	return recorded{rec: r, stage: se, inner: c}
}

// BindAll wraps every collaborator in cs.
func (r Recorder) BindAll(se domain.StageExecution, cs []Collaborator) []Collaborator {
	out := make([]Collaborator, len(cs))
	for i, c := range cs {
		out[i] = r.Bind(se, c)
	}
	return out
}

type recorded struct {
	rec   Recorder
	stage domain.StageExecution
	inner Collaborator
}

func (c recorded) Name() string { return c.inner.Name() }

func (c recorded) Invoke(ctx context.Context, in Input) (Output, error) {
	r := c.rec
	store := r.Machine.Store
	name := c.inner.Name()
	inv := domain.AgentInvocation{
		ID:               uuid.NewString(),
		StageExecutionID: c.stage.ID,
		RunID:            c.stage.RunID,
		AgentName:        name,
		Status:           domain.InvocationPending,
		CreatedAt:        r.now(),
	}
	if err := store.InsertInvocation(ctx, inv); err != nil {
		return nil, fmt.Errorf("record invocation: %w", err)
	}
	if err := r.Machine.AddParticipant(ctx, c.stage.ID, name); err != nil {
		return nil, err
	}
	round := Output(in).Int("round")
	c.post(ctx, conversation.AgentRequest{Agent: name, InvocationID: inv.ID, Round: round, Input: in})

	inv.Status = domain.InvocationRunning
	if err := store.UpdateInvocation(ctx, inv); err != nil {
		return nil, fmt.Errorf("record invocation: %w", err)
	}

	var (
		out Output
		err error
	)
	for attempt := 0; ; attempt++ {
		out, err = safeInvoke(ctx, c.inner, in)
		if err == nil || attempt >= r.Retries || ctx.Err() != nil {
			break
		}
		if _, isPanic := err.(*PanicError); isPanic {
			break
		}
		inv.RetryCount++
		r.log().Warn("collaborator retry", "agent", name, "run_id", c.stage.RunID, "stage", c.stage.Stage, "attempt", attempt+1, "error", err)
	}
	r.Metrics.Invocation(name, err)

	done := r.now()
	inv.CompletedAt = &done
	if err != nil {
		inv.Status = domain.InvocationFailed
		inv.Error = err.Error()
	} else {
		inv.Status = domain.InvocationCompleted
		inv.Usage = out.Usage()
		if raw, merr := json.Marshal(out); merr == nil {
			inv.Output = raw
		}
	}
	if uerr := store.UpdateInvocation(ctx, inv); uerr != nil {
		return nil, fmt.Errorf("record invocation: %w", uerr)
	}
	resp := conversation.AgentResponse{Agent: name, InvocationID: inv.ID, Round: round, Output: out}
	if err != nil {
		resp.Error = err.Error()
	}
	c.post(ctx, resp)
	return out, err
}

// post mirrors an event into the stage conversation. The invocation row is the
// durable record, so a transport failure is only logged.
func (c recorded) post(ctx context.Context, ev conversation.Event) {
	if c.rec.Transport == nil || c.stage.ConversationID == nil {
		return
	}
	text, err := conversation.Encode(ev)
	if err == nil {
		_, err = c.rec.Transport.PostTurn(ctx, *c.stage.ConversationID, conversation.RoleAgent, text)
	}
	if err != nil {
		c.rec.log().Warn("conversation post failed", "conversation_id", *c.stage.ConversationID, "kind", ev.Kind(), "error", err)
	}
}

func safeInvoke(ctx context.Context, c Collaborator, in Input) (out Output, err error) {
	defer func() {
		if v := recover(); v != nil {
			out = nil
			err = &PanicError{Agent: c.Name(), Value: v, Stack: string(debug.Stack())}
		}
	}()
	return c.Invoke(ctx, in)
}
