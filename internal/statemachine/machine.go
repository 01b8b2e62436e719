package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"discoveryline/internal/contracts"
	"discoveryline/internal/domain"
	"discoveryline/internal/events"
	"discoveryline/internal/repo"
)

// Machine owns run and stage lifecycle. Each mutation re-reads the run and its
// active stage inside one storage transaction, checks the guard, writes, and
// appends an audit event.
type Machine struct {
	Store  repo.Storage
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

func New(store repo.Storage) Machine {
	return Machine{Store: store, Now: time.Now, NewID: uuid.NewString}
}

func (m Machine) now() string {
	if m.Now != nil {
		return m.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (m Machine) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}

func (m Machine) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

type actorKey struct{}

// WithActor attributes audit events written under ctx to actorID.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

// RunCreateOptions are parameters for creating a run.
type RunCreateOptions struct {
	ID          string
	ParentRunID string
	Config      map[string]any
	Metadata    map[string]any
}

// CreateRun inserts a pending run. A parent run, when given, must exist.
func (m Machine) CreateRun(ctx context.Context, opts RunCreateOptions) (domain.Run, error) {
	run := domain.Run{
		ID:        opts.ID,
		Status:    domain.RunPending,
		Config:    opts.Config,
		Metadata:  opts.Metadata,
		Errors:    []domain.RunError{},
		Warnings:  []string{},
		CreatedAt: m.now(),
	}
	if run.ID == "" {
		run.ID = m.newID()
	}
	if opts.ParentRunID != "" {
		parent := opts.ParentRunID
		run.ParentRunID = &parent
	}
	err := m.Store.Atomic(ctx, func(s repo.Storage) error {
		if run.ParentRunID != nil {
			if _, err := s.GetRun(ctx, *run.ParentRunID); err != nil {
				return fmt.Errorf("parent run: %w", err)
			}
		}
		if err := s.InsertRun(ctx, run); err != nil {
			return err
		}
		payload := events.EventPayload{"status": run.Status}
		if run.ParentRunID != nil {
			payload["parent_run_id"] = *run.ParentRunID
		}
		return s.AppendEvent(ctx, events.RunCreated, run.ID, "run", run.ID, actorFrom(ctx), payload)
	})
	if err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// StartRun moves a pending run to running and opens the first stage.
func (m Machine) StartRun(ctx context.Context, runID string) (domain.Run, error) {
	var run domain.Run
	err := m.Store.Atomic(ctx, func(s repo.Storage) error {
		var err error
		run, err = s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if err := ensureRunTransition(run.Status, domain.RunRunning); err != nil {
			return &TransitionError{Op: "start", RunID: runID, From: string(run.Status), To: string(domain.RunRunning), Reason: "run is not pending"}
		}
		first := domain.FirstStage()
		now := m.now()
		se, err := m.openStage(ctx, s, runID, first, nil, "")
		if err != nil {
			return err
		}
		run.Status = domain.RunRunning
		run.CurrentStage = &first
		run.StartedAt = &now
		if err := s.UpdateRun(ctx, run); err != nil {
			return err
		}
		return s.AppendEvent(ctx, events.RunStarted, runID, "run", runID, actorFrom(ctx), events.EventPayload{
			"stage": first, "stage_execution_id": se.ID,
		})
	})
	if err != nil {
		return domain.Run{}, err
	}
	m.log().Info("run started", "run_id", runID)
	return run, nil
}

// openStage inserts the next in_progress attempt for stage. Callers must have
// already moved the previous active stage out of the active set.
func (m Machine) openStage(ctx context.Context, s repo.Storage, runID string, stage domain.Stage, from *domain.Stage, reason string) (domain.StageExecution, error) {
	attempt, err := s.MaxAttempt(ctx, runID, stage)
	if err != nil {
		return domain.StageExecution{}, err
	}
	se := domain.StageExecution{
		ID:             m.newID(),
		RunID:          runID,
		Stage:          stage,
		Status:         domain.StageInProgress,
		Attempt:        attempt + 1,
		Participants:   []string{},
		SentBackFrom:   from,
		SendBackReason: reason,
		StartedAt:      m.now(),
	}
	if err := s.InsertStage(ctx, se); err != nil {
		return domain.StageExecution{}, err
	}
	return se, nil
}

// runningWithActive loads a running run and its active stage.
func (m Machine) runningWithActive(ctx context.Context, s repo.Storage, op, runID string) (domain.Run, domain.StageExecution, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return run, domain.StageExecution{}, err
	}
	if run.Status != domain.RunRunning {
		return run, domain.StageExecution{}, &TransitionError{Op: op, RunID: runID, From: string(run.Status), Reason: "run is not running"}
	}
	cur, err := s.ActiveStage(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return run, cur, &TransitionError{Op: op, RunID: runID, Reason: "run has no active stage"}
	}
	if err != nil {
		return run, cur, err
	}
	return run, cur, nil
}

// settle closes the active stage. An artifact already stored when the stage
// reached its checkpoint is kept as is.
func (m Machine) settle(cur *domain.StageExecution, status domain.StageStatus, artifact json.RawMessage) {
	if cur.Status == domain.StageInProgress || contracts.IsEmpty(cur.Artifact) {
		if !contracts.IsEmpty(artifact) {
			cur.Artifact = artifact
		}
	}
	now := m.now()
	cur.Status = status
	cur.CompletedAt = &now
}

// AdvanceStage completes the active stage with artifact and opens the next
// stage in pipeline order. It returns the new active stage.
func (m Machine) AdvanceStage(ctx context.Context, runID string, artifact json.RawMessage) (domain.StageExecution, error) {
	if contracts.IsEmpty(artifact) {
		return domain.StageExecution{}, &TransitionError{Op: "advance", RunID: runID, Reason: "artifact is empty"}
	}
	var next domain.StageExecution
	err := m.Store.Atomic(ctx, func(s repo.Storage) error {
		run, cur, err := m.runningWithActive(ctx, s, "advance", runID)
		if err != nil {
			return err
		}
		to, ok := cur.Stage.Next()
		if !ok {
			return &TransitionError{Op: "advance", RunID: runID, From: string(cur.Stage), Reason: "last stage must be completed, not advanced"}
		}
		from := cur.Stage
		m.settle(&cur, domain.StageCompleted, artifact)
		if err := s.UpdateStage(ctx, cur); err != nil {
			return err
		}
		next, err = m.openStage(ctx, s, runID, to, nil, "")
		if err != nil {
			return err
		}
		run.CurrentStage = &to
		if err := s.UpdateRun(ctx, run); err != nil {
			return err
		}
		return s.AppendEvent(ctx, events.StageAdvanced, runID, "stage_execution", next.ID, actorFrom(ctx), events.EventPayload{
			"from": from, "to": to, "attempt": next.Attempt, "completed_stage_execution_id": cur.ID,
		})
	})
	if err != nil {
		return domain.StageExecution{}, err
	}
	m.log().Info("stage advanced", "run_id", runID, "stage", next.Stage, "attempt", next.Attempt)
	return next, nil
}

// SendBack marks the active stage sent_back and opens a new attempt at target.
// Only feasibility_risk -> solution_validation and human_review -> any earlier
// stage are allowed.
func (m Machine) SendBack(ctx context.Context, runID string, target domain.Stage, reason string, artifact json.RawMessage) (domain.StageExecution, error) {
	var next domain.StageExecution
	err := m.Store.Atomic(ctx, func(s repo.Storage) error {
		run, cur, err := m.runningWithActive(ctx, s, "send back", runID)
		if err != nil {
			return err
		}
		if !CanSendBack(cur.Stage, target) {
			return &TransitionError{Op: "send back", RunID: runID, From: string(cur.Stage), To: string(target), Reason: "not an allowed backward transition"}
		}
		if reason == "" {
			return &TransitionError{Op: "send back", RunID: runID, From: string(cur.Stage), To: string(target), Reason: "reason is required"}
		}
		from := cur.Stage
		m.settle(&cur, domain.StageSentBack, artifact)
		if err := s.UpdateStage(ctx, cur); err != nil {
			return err
		}
		next, err = m.openStage(ctx, s, runID, target, &from, reason)
		if err != nil {
			return err
		}
		run.CurrentStage = &target
		if err := s.UpdateRun(ctx, run); err != nil {
			return err
		}
		return s.AppendEvent(ctx, events.StageSentBack, runID, "stage_execution", next.ID, actorFrom(ctx), events.EventPayload{
			"from": from, "to": target, "attempt": next.Attempt, "reason": reason,
		})
	})
	if err != nil {
		return domain.StageExecution{}, err
	}
	m.log().Info("stage sent back", "run_id", runID, "stage", target, "attempt", next.Attempt, "reason", reason)
	return next, nil
}

// CompleteRun closes the last stage with artifact and completes the run.
// The run keeps its current stage.
func (m Machine) CompleteRun(ctx context.Context, runID string, artifact json.RawMessage) (domain.Run, error) {
	if contracts.IsEmpty(artifact) {
		return domain.Run{}, &TransitionError{Op: "complete", RunID: runID, Reason: "artifact is empty"}
	}
	var run domain.Run
	err := m.Store.Atomic(ctx, func(s repo.Storage) error {
		var (
			cur domain.StageExecution
			err error
		)
		run, cur, err = m.runningWithActive(ctx, s, "complete", runID)
		if err != nil {
			return err
		}
		if !cur.Stage.IsLast() {
			return &TransitionError{Op: "complete", RunID: runID, From: string(cur.Stage), Reason: "only the last stage can complete a run"}
		}
		m.settle(&cur, domain.StageCompleted, artifact)
		if err := s.UpdateStage(ctx, cur); err != nil {
			return err
		}
		run.Status = domain.RunCompleted
		run.CompletedAt = cur.CompletedAt
		if err := s.UpdateRun(ctx, run); err != nil {
			return err
		}
		return s.AppendEvent(ctx, events.RunCompleted, runID, "run", runID, actorFrom(ctx), events.EventPayload{"stage_execution_id": cur.ID})
	})
	if err != nil {
		return domain.Run{}, err
	}
	m.log().Info("run completed", "run_id", runID)
	return run, nil
}

// FailRun terminates a non-terminal run, fails its active stage and records rerr.
func (m Machine) FailRun(ctx context.Context, runID string, rerr domain.RunError) (domain.Run, error) {
	if rerr.Timestamp == "" {
		rerr.Timestamp = m.now()
	}
	run, err := m.terminate(ctx, runID, domain.RunFailed, func(r *domain.Run) {
		r.Errors = append(r.Errors, rerr)
	}, events.RunFailed, events.EventPayload{"stage": rerr.Stage, "error_type": rerr.ErrorType, "message": rerr.Message})
	if err != nil {
		return run, err
	}
	m.log().Error("run failed", "run_id", runID, "stage", rerr.Stage, "error_type", rerr.ErrorType, "message", rerr.Message)
	return run, nil
}

// StopRun terminates a non-terminal run and fails its active stage.
func (m Machine) StopRun(ctx context.Context, runID string) (domain.Run, error) {
	run, err := m.terminate(ctx, runID, domain.RunStopped, nil, events.RunStopped, nil)
	if err != nil {
		return run, err
	}
	m.log().Info("run stopped", "run_id", runID)
	return run, nil
}

func (m Machine) terminate(ctx context.Context, runID string, to domain.RunStatus, mutate func(*domain.Run), evtType string, payload events.EventPayload) (domain.Run, error) {
	var run domain.Run
	err := m.Store.Atomic(ctx, func(s repo.Storage) error {
		var err error
		run, err = s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if err := ensureRunTransition(run.Status, to); err != nil {
			return &TransitionError{Op: string(to), RunID: runID, From: string(run.Status), To: string(to), Reason: "run is already terminal"}
		}
		now := m.now()
		cur, err := s.ActiveStage(ctx, runID)
		switch {
		case err == nil:
			cur.Status = domain.StageFailed
			cur.CompletedAt = &now
			if err := s.UpdateStage(ctx, cur); err != nil {
				return err
			}
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		run.Status = to
		run.CompletedAt = &now
		if mutate != nil {
			mutate(&run)
		}
		if err := s.UpdateRun(ctx, run); err != nil {
			return err
		}
		return s.AppendEvent(ctx, evtType, runID, "run", runID, actorFrom(ctx), payload)
	})
	if err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// ReachCheckpoint records a validated artifact on an in_progress stage and
// marks it checkpoint_reached.
func (m Machine) ReachCheckpoint(ctx context.Context, stageID string, artifact json.RawMessage) (domain.StageExecution, error) {
	if contracts.IsEmpty(artifact) {
		return domain.StageExecution{}, &TransitionError{Op: "checkpoint", Reason: "artifact is empty"}
	}
	var se domain.StageExecution
	err := m.Store.Atomic(ctx, func(s repo.Storage) error {
		var err error
		se, err = s.GetStage(ctx, stageID)
		if err != nil {
			return err
		}
		if se.Status != domain.StageInProgress {
			return &TransitionError{Op: "checkpoint", RunID: se.RunID, From: string(se.Status), To: string(domain.StageCheckpointReached), Reason: "stage is not in progress"}
		}
		se.Status = domain.StageCheckpointReached
		se.Artifact = artifact
		if err := s.UpdateStage(ctx, se); err != nil {
			return err
		}
		return s.AppendEvent(ctx, events.StageCheckpoint, se.RunID, "stage_execution", se.ID, actorFrom(ctx), events.EventPayload{
			"stage": se.Stage, "attempt": se.Attempt,
		})
	})
	return se, err
}

// AddParticipant records name as a participant of a stage execution.
func (m Machine) AddParticipant(ctx context.Context, stageID, name string) error {
	return m.Store.Atomic(ctx, func(s repo.Storage) error {
		se, err := s.GetStage(ctx, stageID)
		if err != nil {
			return err
		}
		for _, p := range se.Participants {
			if p == name {
				return nil
			}
		}
		se.Participants = append(se.Participants, name)
		return s.UpdateStage(ctx, se)
	})
}

// AddWarning appends a non-fatal note to the run.
func (m Machine) AddWarning(ctx context.Context, runID, msg string) (domain.Run, error) {
	var run domain.Run
	err := m.Store.Atomic(ctx, func(s repo.Storage) error {
		var err error
		run, err = s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		run.Warnings = append(run.Warnings, msg)
		if err := s.UpdateRun(ctx, run); err != nil {
			return err
		}
		return s.AppendEvent(ctx, events.RunWarning, runID, "run", runID, actorFrom(ctx), events.EventPayload{"warning": msg})
	})
	if err != nil {
		return domain.Run{}, err
	}
	m.log().Warn("run warning", "run_id", runID, "warning", msg)
	return run, nil
}

func (m Machine) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	return m.Store.GetRun(ctx, runID)
}

func (m Machine) ActiveStage(ctx context.Context, runID string) (domain.StageExecution, error) {
	return m.Store.ActiveStage(ctx, runID)
}

func (m Machine) ListStages(ctx context.Context, runID string) ([]domain.StageExecution, error) {
	if _, err := m.Store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return m.Store.ListStages(ctx, runID)
}

func (m Machine) ListRuns(ctx context.Context, status string) ([]domain.RunSummary, error) {
	return m.Store.ListRuns(ctx, status)
}
