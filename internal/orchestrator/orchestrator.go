// Package orchestrator drives a run through the automated stages, from
// exploration to the human review gate.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"discoveryline/internal/checkpoint"
	"discoveryline/internal/collab"
	"discoveryline/internal/config"
	"discoveryline/internal/contracts"
	"discoveryline/internal/domain"
	"discoveryline/internal/metrics"
	"discoveryline/internal/statemachine"
)

// Participant is the name the orchestrator submits checkpoints under.
const Participant = "orchestrator"

// Collaborators are the stage participants, one slot per role.
type Collaborators struct {
	Explorers      []collab.Collaborator
	Framer         collab.Collaborator
	Proposer       collab.Collaborator
	Validator      collab.Collaborator
	ImpactAssessor collab.Collaborator
	Feasibility    collab.Collaborator
	Risk           collab.Collaborator
	Ranker         collab.Collaborator
}

type Orchestrator struct {
	Checkpoints checkpoint.Service
	Recorder    collab.Recorder
	Agents      Collaborators
	Pipeline    config.Pipeline
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	// Now is used for stage timing only.
	Now func() time.Time
}

// New wires an orchestrator whose recorder shares the checkpoint service's
// state machine and transport.
func New(cps checkpoint.Service, agents Collaborators, cfg *config.Config, m *metrics.Metrics) Orchestrator {
	if cfg == nil {
		cfg = config.Default()
	}
	return Orchestrator{
		Checkpoints: cps,
		Recorder:    collab.Recorder{Machine: cps.Machine, Transport: cps.Transport, Metrics: m, Retries: cfg.Collaborator.Retries, Logger: cps.Logger},
		Agents:      agents,
		Pipeline:    cfg.Pipeline,
		Metrics:     m,
		Logger:      cps.Logger,
	}
}

type RunOptions struct {
	ID          string
	ParentRunID string
	Metadata    map[string]any
	// Context is handed to every exploration source and to solution design.
	Context map[string]any
}

func (o Orchestrator) machine() statemachine.Machine { return o.Checkpoints.Machine }

func (o Orchestrator) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Run creates and starts a run, then drives it to the human review stage.
// Only failures to create or start the run are returned as errors; a stage
// failure fails the run and the failed run is returned with a nil error.
func (o Orchestrator) Run(ctx context.Context, opts RunOptions) (domain.Run, error) {
	metadata := opts.Metadata
	if len(opts.Context) > 0 {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["context"] = opts.Context
	}
	ctx = statemachine.WithActor(ctx, Participant)
	run, err := o.machine().CreateRun(ctx, statemachine.RunCreateOptions{
		ID:          opts.ID,
		ParentRunID: opts.ParentRunID,
		Config:      o.Pipeline.Snapshot(),
		Metadata:    metadata,
	})
	if err != nil {
		return run, fmt.Errorf("create run: %w", err)
	}
	if run, _, err = o.Checkpoints.StartRun(ctx, run.ID); err != nil {
		return run, fmt.Errorf("start run: %w", err)
	}
	o.log().Info("run started", "run_id", run.ID, "parent_run_id", opts.ParentRunID)
	return o.drive(ctx, run.ID, opts.Context)
}

// Resume drives a running run from its active stage, typically after a
// reviewer sent it back to an earlier stage.
func (o Orchestrator) Resume(ctx context.Context, runID string) (domain.Run, error) {
	run, err := o.machine().GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.Status != domain.RunRunning {
		return run, &statemachine.TransitionError{Op: "resume", RunID: runID, From: string(run.Status), Reason: "only running runs can be resumed"}
	}
	runCtx, _ := run.Metadata["context"].(map[string]any)
	return o.drive(statemachine.WithActor(ctx, Participant), runID, runCtx)
}

func (o Orchestrator) drive(ctx context.Context, runID string, runCtx map[string]any) (domain.Run, error) {
	for {
		se, convID, err := o.Checkpoints.ActiveConversation(ctx, runID)
		if errors.Is(err, checkpoint.ErrNoActiveStage) {
			// Stopped or failed from outside between two stages.
			return o.machine().GetRun(ctx, runID)
		}
		if err != nil {
			return o.fail(ctx, runID, "", err)
		}
		if se.Stage == domain.LastStage() {
			run, err := o.machine().GetRun(ctx, runID)
			if err == nil {
				o.log().Info("run awaiting review", "run_id", runID, "stage_execution_id", se.ID)
			}
			return run, err
		}

		started := o.now()
		log := o.log().With("run_id", runID, "stage", se.Stage, "attempt", se.Attempt)
		log.Info("stage started", "conversation_id", convID)
		artifact, err := o.runStage(ctx, se, runCtx)
		if err == nil {
			_, err = o.Checkpoints.SubmitCheckpoint(ctx, checkpoint.Submission{
				ConversationID: convID,
				RunID:          runID,
				Participant:    Participant,
				Artifact:       artifact,
			})
		}
		if err != nil {
			return o.fail(ctx, runID, se.Stage, err)
		}
		o.Metrics.StageDuration(string(se.Stage), o.now().Sub(started))
		log.Info("stage checkpointed")
	}
}

// runStage executes the handler for se.Stage, turning a panic into an error.
func (o Orchestrator) runStage(ctx context.Context, se domain.StageExecution, runCtx map[string]any) (artifact json.RawMessage, err error) {
	defer func() {
		if v := recover(); v != nil {
			artifact = nil
			err = &stagePanic{stage: se.Stage, value: v, stack: string(debug.Stack())}
		}
	}()
	prior, err := o.Checkpoints.PriorCheckpoints(ctx, se.RunID)
	if err != nil {
		return nil, err
	}
	var v any
	switch se.Stage {
	case domain.StageExploration:
		v, err = o.explore(ctx, se, runCtx)
	case domain.StageOpportunityFraming:
		v, err = o.frame(ctx, se, prior)
	case domain.StageSolutionValidation:
		v, err = o.designSolutions(ctx, se, prior, runCtx)
	case domain.StageFeasibilityRisk:
		v, err = o.assessFeasibility(ctx, se, prior)
	case domain.StagePrioritization:
		v, err = o.prioritize(ctx, se, prior)
	default:
		return nil, fmt.Errorf("no handler for stage %s", se.Stage)
	}
	if err != nil {
		return nil, err
	}
	return contracts.Encode(v)
}

type stagePanic struct {
	stage domain.Stage
	value any
	stack string
}

func (p *stagePanic) Error() string {
	return fmt.Sprintf("stage %s panicked: %v", p.stage, p.value)
}

// fail records err on the run. The run is returned with a nil error unless
// the failure itself could not be recorded.
func (o Orchestrator) fail(ctx context.Context, runID string, stage domain.Stage, err error) (domain.Run, error) {
	rerr := runError(stage, err)
	run, ferr := o.machine().FailRun(ctx, runID, rerr)
	if ferr != nil {
		return run, fmt.Errorf("record failure %q: %w", rerr.Message, ferr)
	}
	o.Metrics.RunFinished(string(domain.RunFailed))
	return run, nil
}

func runError(stage domain.Stage, err error) domain.RunError {
	rerr := domain.RunError{Stage: string(stage), Message: err.Error(), ErrorType: errorType(err)}
	var (
		cp *collab.PanicError
		sp *stagePanic
	)
	switch {
	case errors.As(err, &cp):
		rerr.Trace = cp.Stack
	case errors.As(err, &sp):
		rerr.Trace = sp.stack
	default:
		rerr.Trace = chain(err)
	}
	return rerr
}

func errorType(err error) string {
	var (
		cp *collab.PanicError
		sp *stagePanic
		te *statemachine.TransitionError
		ve *contracts.ValidationError
	)
	switch {
	case errors.As(err, &cp), errors.As(err, &sp):
		return "panic"
	case errors.As(err, &te):
		return "invalid_transition"
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	root := err
	for next := errors.Unwrap(root); next != nil; next = errors.Unwrap(root) {
		root = next
	}
	return fmt.Sprintf("%T", root)
}

// chain lists every wrapped layer of err, outermost first.
func chain(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %s\n", e, e)
	}
	return b.String()
}
