package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run audit event types.
const (
	RunCreated      = "run.created"
	RunStarted      = "run.started"
	RunCompleted    = "run.completed"
	RunFailed       = "run.failed"
	RunStopped      = "run.stopped"
	RunWarning      = "run.warning"
	StageAdvanced   = "stage.advanced"
	StageSentBack   = "stage.sent_back"
	StageCheckpoint = "stage.checkpoint_reached"
	StageLinked     = "stage.conversation_linked"
	ReviewRecorded  = "review.recorded"
)

// Execer is satisfied by both *sql.DB and *sql.Tx so events land in the same
// transaction as the state change they describe.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, q Execer, evtType, runID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(runID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
