package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"discoveryline/internal/contracts"
	"discoveryline/internal/conversation"
	"discoveryline/internal/domain"
	"discoveryline/internal/events"
	"discoveryline/internal/repo"
	"discoveryline/internal/statemachine"
)

var (
	ErrNoActiveStage        = errors.New("run has no active stage")
	ErrConversationMismatch = errors.New("conversation is not linked to the active stage")
	ErrWrongStage           = errors.New("operation not allowed at the active stage")
)

const defaultMaxIDAttempts = 5

// Service sits between stage participants and the state machine: it owns the
// conversation linked to each stage execution and gates advancement on a
// validated checkpoint artifact.
type Service struct {
	Machine       statemachine.Machine
	Transport     conversation.Transport
	Contracts     contracts.Registry
	MaxIDAttempts int
	Logger        *slog.Logger
}

func New(m statemachine.Machine, t conversation.Transport) Service {
	return Service{Machine: m, Transport: t, Contracts: contracts.DefaultRegistry(), MaxIDAttempts: defaultMaxIDAttempts}
}

func (s Service) store() repo.Storage { return s.Machine.Store }

func (s Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s Service) now() string {
	if s.Machine.Now != nil {
		return s.Machine.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// StartRun starts a pending run and links a conversation to its first stage.
func (s Service) StartRun(ctx context.Context, runID string) (domain.Run, domain.StageExecution, error) {
	run, err := s.Machine.StartRun(ctx, runID)
	if err != nil {
		return run, domain.StageExecution{}, err
	}
	cur, err := s.store().ActiveStage(ctx, runID)
	if err != nil {
		return run, cur, err
	}
	convID, err := s.LinkConversation(ctx, cur.ID)
	if err != nil {
		return run, cur, err
	}
	cur.ConversationID = &convID
	return run, cur, nil
}

// LinkConversation gives a stage execution its own conversation. Generated
// ids that are already linked elsewhere are retried up to MaxIDAttempts
// times. Linking an already linked stage returns the existing id.
func (s Service) LinkConversation(ctx context.Context, stageID string) (string, error) {
	se, err := s.store().GetStage(ctx, stageID)
	if err != nil {
		return "", err
	}
	if se.ConversationID != nil {
		return *se.ConversationID, nil
	}
	attempts := s.MaxIDAttempts
	if attempts <= 0 {
		attempts = defaultMaxIDAttempts
	}
	for i := 0; i < attempts; i++ {
		id := s.Transport.GenerateConversationID()
		if _, err := s.store().StageByConversation(ctx, id); err == nil {
			s.log().Debug("conversation id collision", "stage_execution_id", stageID, "conversation_id", id)
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		err := s.store().Atomic(ctx, func(st repo.Storage) error {
			cur, err := st.GetStage(ctx, stageID)
			if err != nil {
				return err
			}
			cur.ConversationID = &id
			if err := st.UpdateStage(ctx, cur); err != nil {
				return err
			}
			return st.AppendEvent(ctx, events.StageLinked, cur.RunID, "stage_execution", cur.ID, "", events.EventPayload{"conversation_id": id})
		})
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		if err := s.Transport.CreateConversation(ctx, id); err != nil {
			return "", fmt.Errorf("create conversation: %w", err)
		}
		return id, nil
	}
	return "", fmt.Errorf("no unique conversation id for stage execution %s after %d attempts", stageID, attempts)
}

// ActiveConversation returns the run's active stage and its conversation,
// linking one when the stage has none yet.
func (s Service) ActiveConversation(ctx context.Context, runID string) (domain.StageExecution, string, error) {
	cur, err := s.active(ctx, runID)
	if err != nil {
		return cur, "", err
	}
	if cur.ConversationID != nil {
		return cur, *cur.ConversationID, nil
	}
	id, err := s.LinkConversation(ctx, cur.ID)
	if err != nil {
		return cur, "", err
	}
	cur.ConversationID = &id
	return cur, id, nil
}

func (s Service) active(ctx context.Context, runID string) (domain.StageExecution, error) {
	cur, err := s.store().ActiveStage(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		if _, rerr := s.store().GetRun(ctx, runID); rerr != nil {
			return cur, rerr
		}
		return cur, fmt.Errorf("run %s: %w", runID, ErrNoActiveStage)
	}
	return cur, err
}

func (s Service) PostMessage(ctx context.Context, conversationID, role, text string) (int64, error) {
	return s.Transport.PostTurn(ctx, conversationID, role, text)
}

// PostEvent appends a structured event as one turn.
func (s Service) PostEvent(ctx context.Context, conversationID, role string, ev conversation.Event) (int64, error) {
	text, err := conversation.Encode(ev)
	if err != nil {
		return 0, err
	}
	return s.Transport.PostTurn(ctx, conversationID, role, text)
}

// History returns the decoded turns after sinceTurnID.
func (s Service) History(ctx context.Context, conversationID string, sinceTurnID int64) ([]conversation.Entry, error) {
	turns, err := s.Transport.ReadTurns(ctx, conversationID, sinceTurnID)
	if err != nil {
		return nil, err
	}
	entries := make([]conversation.Entry, 0, len(turns))
	for _, t := range turns {
		entries = append(entries, conversation.Entry{Turn: t, Event: conversation.Decode(t.Text)})
	}
	return entries, nil
}

// Submission is a checkpoint posted by a stage participant.
type Submission struct {
	ConversationID string
	RunID          string
	Participant    string
	Artifact       json.RawMessage
}

// SubmitCheckpoint validates the artifact against the active stage's contract
// and advances the run. Validation failures leave every piece of state as it was.
func (s Service) SubmitCheckpoint(ctx context.Context, sub Submission) (domain.StageExecution, error) {
	cur, err := s.prepare(ctx, sub)
	if err != nil {
		return domain.StageExecution{}, err
	}
	if cur.Stage.IsLast() {
		return domain.StageExecution{}, &statemachine.TransitionError{Op: "submit checkpoint", RunID: sub.RunID, From: string(cur.Stage), Reason: "the last stage is closed with a completing checkpoint"}
	}
	if err := s.Contracts.Validate(cur.Stage, sub.Artifact); err != nil {
		return domain.StageExecution{}, err
	}
	ctx = statemachine.WithActor(ctx, sub.Participant)
	if err := s.checkpoint(ctx, cur, sub); err != nil {
		return domain.StageExecution{}, err
	}
	next, err := s.Machine.AdvanceStage(ctx, sub.RunID, sub.Artifact)
	if err != nil {
		return domain.StageExecution{}, err
	}
	convID, err := s.LinkConversation(ctx, next.ID)
	if err != nil {
		return next, err
	}
	next.ConversationID = &convID
	_, err = s.PostEvent(ctx, sub.ConversationID, conversation.RoleSystem, conversation.StageTransition{
		Action:            conversation.TransitionAdvance,
		From:              cur.Stage,
		To:                next.Stage,
		Attempt:           next.Attempt,
		NewConversationID: convID,
		Participant:       sub.Participant,
	})
	return next, err
}

// CompleteWithCheckpoint is SubmitCheckpoint for the last stage: it completes
// the run instead of advancing it.
func (s Service) CompleteWithCheckpoint(ctx context.Context, sub Submission) (domain.Run, error) {
	cur, err := s.prepare(ctx, sub)
	if err != nil {
		return domain.Run{}, err
	}
	if !cur.Stage.IsLast() {
		return domain.Run{}, &statemachine.TransitionError{Op: "complete", RunID: sub.RunID, From: string(cur.Stage), Reason: "only the last stage can complete a run"}
	}
	if err := s.Contracts.Validate(cur.Stage, sub.Artifact); err != nil {
		return domain.Run{}, err
	}
	ctx = statemachine.WithActor(ctx, sub.Participant)
	if err := s.checkpoint(ctx, cur, sub); err != nil {
		return domain.Run{}, err
	}
	run, err := s.Machine.CompleteRun(ctx, sub.RunID, sub.Artifact)
	if err != nil {
		return run, err
	}
	_, err = s.PostEvent(ctx, sub.ConversationID, conversation.RoleSystem, conversation.StageTransition{
		Action:      conversation.TransitionComplete,
		From:        cur.Stage,
		Participant: sub.Participant,
	})
	return run, err
}

// prepare resolves the active stage and checks the submission's conversation.
func (s Service) prepare(ctx context.Context, sub Submission) (domain.StageExecution, error) {
	cur, err := s.active(ctx, sub.RunID)
	if err != nil {
		return cur, err
	}
	if cur.ConversationID == nil || *cur.ConversationID != sub.ConversationID {
		linked := "<none>"
		if cur.ConversationID != nil {
			linked = *cur.ConversationID
		}
		return cur, fmt.Errorf("%w: got %s, active %s stage uses %s", ErrConversationMismatch, sub.ConversationID, cur.Stage, linked)
	}
	return cur, nil
}

// checkpoint records the submission in the conversation and marks the stage
// checkpoint_reached.
func (s Service) checkpoint(ctx context.Context, cur domain.StageExecution, sub Submission) error {
	if sub.Participant != "" {
		if err := s.Machine.AddParticipant(ctx, cur.ID, sub.Participant); err != nil {
			return err
		}
	}
	if _, err := s.PostEvent(ctx, sub.ConversationID, conversation.RoleAgent, conversation.CheckpointSubmit{
		Participant: sub.Participant,
		Stage:       cur.Stage,
		Attempt:     cur.Attempt,
		Artifact:    sub.Artifact,
	}); err != nil {
		return fmt.Errorf("post checkpoint event: %w", err)
	}
	if _, err := s.Machine.ReachCheckpoint(ctx, cur.ID, sub.Artifact); err != nil {
		return err
	}
	return nil
}

// SendBack moves the run back to target and links a fresh conversation for
// the new attempt. The old conversation records the transition.
func (s Service) SendBack(ctx context.Context, runID string, target domain.Stage, reason, participant string) (domain.StageExecution, error) {
	cur, err := s.active(ctx, runID)
	if err != nil {
		return cur, err
	}
	ctx = statemachine.WithActor(ctx, participant)
	next, err := s.Machine.SendBack(ctx, runID, target, reason, cur.Artifact)
	if err != nil {
		return next, err
	}
	convID, err := s.LinkConversation(ctx, next.ID)
	if err != nil {
		return next, err
	}
	next.ConversationID = &convID
	if cur.ConversationID != nil {
		_, err = s.PostEvent(ctx, *cur.ConversationID, conversation.RoleSystem, conversation.StageTransition{
			Action:            conversation.TransitionSendBack,
			From:              cur.Stage,
			To:                target,
			Attempt:           next.Attempt,
			NewConversationID: convID,
			Reason:            reason,
			Participant:       participant,
		})
	}
	return next, err
}
