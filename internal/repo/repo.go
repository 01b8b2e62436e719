package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"discoveryline/internal/domain"
	"discoveryline/internal/events"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Storage is the durable state consumed by the state machine and the
// checkpoint service. Atomic runs fn against a transaction-bound Storage;
// either every write inside fn commits or none does.
type Storage interface {
	InsertRun(ctx context.Context, r domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	UpdateRun(ctx context.Context, r domain.Run) error
	ListRuns(ctx context.Context, status string) ([]domain.RunSummary, error)

	InsertStage(ctx context.Context, s domain.StageExecution) error
	GetStage(ctx context.Context, id string) (domain.StageExecution, error)
	UpdateStage(ctx context.Context, s domain.StageExecution) error
	ListStages(ctx context.Context, runID string) ([]domain.StageExecution, error)
	ActiveStage(ctx context.Context, runID string) (domain.StageExecution, error)
	MaxAttempt(ctx context.Context, runID string, stage domain.Stage) (int, error)
	StageByConversation(ctx context.Context, conversationID string) (domain.StageExecution, error)

	InsertInvocation(ctx context.Context, inv domain.AgentInvocation) error
	UpdateInvocation(ctx context.Context, inv domain.AgentInvocation) error
	GetInvocation(ctx context.Context, id string) (domain.AgentInvocation, error)
	ListInvocations(ctx context.Context, runID string) ([]domain.AgentInvocation, error)

	AppendEvent(ctx context.Context, evtType, runID, entityKind, entityID, actorID string, payload events.EventPayload) error
	ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)

	Atomic(ctx context.Context, fn func(Storage) error) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo is the SQLite Storage implementation.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	tx     *sql.Tx
}

var _ Storage = Repo{}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

func (r Repo) q() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

// Atomic runs fn inside a transaction. Nested calls join the outer transaction.
func (r Repo) Atomic(ctx context.Context, fn func(Storage) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(Repo{DB: r.DB, Events: r.Events, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- runs ---

const runColumns = `id,status,current_stage,parent_run_id,config_json,metadata_json,errors_json,warnings_json,created_at,started_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run                                  domain.Run
		status                               string
		stage, parent, started, completed    sql.NullString
		cfgJSON, metaJSON, errJSON, warnJSON string
	)
	if err := row.Scan(&run.ID, &status, &stage, &parent, &cfgJSON, &metaJSON, &errJSON, &warnJSON, &run.CreatedAt, &started, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, ErrNotFound
		}
		return run, err
	}
	run.Status = domain.RunStatus(status)
	if stage.Valid {
		s := domain.Stage(stage.String)
		run.CurrentStage = &s
	}
	run.ParentRunID = optionalString(parent)
	run.StartedAt = optionalString(started)
	run.CompletedAt = optionalString(completed)
	if err := unmarshalColumn(cfgJSON, &run.Config); err != nil {
		return run, fmt.Errorf("run %s config: %w", run.ID, err)
	}
	if err := unmarshalColumn(metaJSON, &run.Metadata); err != nil {
		return run, fmt.Errorf("run %s metadata: %w", run.ID, err)
	}
	if err := unmarshalColumn(errJSON, &run.Errors); err != nil {
		return run, fmt.Errorf("run %s errors: %w", run.ID, err)
	}
	if err := unmarshalColumn(warnJSON, &run.Warnings); err != nil {
		return run, fmt.Errorf("run %s warnings: %w", run.ID, err)
	}
	if run.Errors == nil {
		run.Errors = []domain.RunError{}
	}
	if run.Warnings == nil {
		run.Warnings = []string{}
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	cfg, meta, errs, warns, err := runJSON(run)
	if err != nil {
		return err
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, string(run.Status), stageValue(run.CurrentStage), ptrValue(run.ParentRunID), cfg, meta, errs, warns,
		run.CreatedAt, ptrValue(run.StartedAt), ptrValue(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", classify(err))
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(r.q().QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return run, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

func (r Repo) UpdateRun(ctx context.Context, run domain.Run) error {
	cfg, meta, errs, warns, err := runJSON(run)
	if err != nil {
		return err
	}
	res, err := r.q().ExecContext(ctx, `UPDATE runs SET status=?,current_stage=?,parent_run_id=?,config_json=?,metadata_json=?,errors_json=?,warnings_json=?,started_at=?,completed_at=? WHERE id=?`,
		string(run.Status), stageValue(run.CurrentStage), ptrValue(run.ParentRunID), cfg, meta, errs, warns,
		ptrValue(run.StartedAt), ptrValue(run.CompletedAt), run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// ListRuns returns runs newest first with stage and invocation counts.
// Pass "" for status to return every run.
func (r Repo) ListRuns(ctx context.Context, status string) ([]domain.RunSummary, error) {
	query := `SELECT ` + prefixed("r.", runColumns) + `,
		(SELECT COUNT(*) FROM stage_executions s WHERE s.run_id=r.id),
		(SELECT COUNT(*) FROM agent_invocations a WHERE a.run_id=r.id),
		(SELECT COUNT(*) FROM agent_invocations a WHERE a.run_id=r.id AND a.status='failed')
		FROM runs r`
	var args []any
	if status != "" {
		query += ` WHERE r.status=?`
		args = append(args, status)
	}
	query += ` ORDER BY r.created_at DESC, r.rowid DESC`
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunSummary
	for rows.Next() {
		var sum domain.RunSummary
		run, err := scanRun(summaryScanner{rows: rows, extra: []any{&sum.StageExecutions, &sum.Invocations, &sum.FailedAttempts}})
		if err != nil {
			return nil, err
		}
		sum.Run = run
		res = append(res, sum)
	}
	return res, rows.Err()
}

// summaryScanner appends the count columns to a run scan.
type summaryScanner struct {
	rows  *sql.Rows
	extra []any
}

func (s summaryScanner) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, s.extra...)...)
}

// --- stage executions ---

const stageColumns = `id,run_id,stage,status,attempt,participants_json,artifact_json,conversation_id,sent_back_from,send_back_reason,started_at,completed_at`

func scanStage(row rowScanner) (domain.StageExecution, error) {
	var (
		s                                       domain.StageExecution
		stage, status, participants             string
		artifact, conv, from, reason, completed sql.NullString
	)
	if err := row.Scan(&s.ID, &s.RunID, &stage, &status, &s.Attempt, &participants, &artifact, &conv, &from, &reason, &s.StartedAt, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	s.Stage = domain.Stage(stage)
	s.Status = domain.StageStatus(status)
	if err := unmarshalColumn(participants, &s.Participants); err != nil {
		return s, fmt.Errorf("stage %s participants: %w", s.ID, err)
	}
	if s.Participants == nil {
		s.Participants = []string{}
	}
	if artifact.Valid && artifact.String != "" {
		s.Artifact = json.RawMessage(artifact.String)
	}
	s.ConversationID = optionalString(conv)
	if from.Valid {
		st := domain.Stage(from.String)
		s.SentBackFrom = &st
	}
	if reason.Valid {
		s.SendBackReason = reason.String
	}
	s.CompletedAt = optionalString(completed)
	return s, nil
}

func (r Repo) InsertStage(ctx context.Context, s domain.StageExecution) error {
	participants, err := marshalColumn(nonNil(s.Participants))
	if err != nil {
		return err
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO stage_executions(`+stageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RunID, string(s.Stage), string(s.Status), s.Attempt, participants, rawValue(s.Artifact),
		ptrValue(s.ConversationID), stageValue(s.SentBackFrom), nullable(s.SendBackReason), s.StartedAt, ptrValue(s.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert stage execution: %w", classify(err))
	}
	return nil
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.StageExecution, error) {
	s, err := scanStage(r.q().QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stage_executions WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return s, fmt.Errorf("stage execution %s: %w", id, ErrNotFound)
	}
	return s, err
}

func (r Repo) UpdateStage(ctx context.Context, s domain.StageExecution) error {
	participants, err := marshalColumn(nonNil(s.Participants))
	if err != nil {
		return err
	}
	res, err := r.q().ExecContext(ctx, `UPDATE stage_executions SET status=?,participants_json=?,artifact_json=?,conversation_id=?,sent_back_from=?,send_back_reason=?,completed_at=? WHERE id=?`,
		string(s.Status), participants, rawValue(s.Artifact), ptrValue(s.ConversationID), stageValue(s.SentBackFrom),
		nullable(s.SendBackReason), ptrValue(s.CompletedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update stage execution: %w", classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("stage execution %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// ListStages returns a run's stage executions in creation order.
func (r Repo) ListStages(ctx context.Context, runID string) ([]domain.StageExecution, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+stageColumns+` FROM stage_executions WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageExecution
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ActiveStage(ctx context.Context, runID string) (domain.StageExecution, error) {
	s, err := scanStage(r.q().QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stage_executions
		WHERE run_id=? AND status IN ('in_progress','checkpoint_reached') ORDER BY seq DESC LIMIT 1`, runID))
	if errors.Is(err, ErrNotFound) {
		return s, fmt.Errorf("active stage for run %s: %w", runID, ErrNotFound)
	}
	return s, err
}

func (r Repo) MaxAttempt(ctx context.Context, runID string, stage domain.Stage) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt),0) FROM stage_executions WHERE run_id=? AND stage=?`, runID, string(stage)).Scan(&n)
	return n, err
}

func (r Repo) StageByConversation(ctx context.Context, conversationID string) (domain.StageExecution, error) {
	s, err := scanStage(r.q().QueryRowContext(ctx, `SELECT `+stageColumns+` FROM stage_executions WHERE conversation_id=?`, conversationID))
	if errors.Is(err, ErrNotFound) {
		return s, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return s, err
}

// --- agent invocations ---

const invocationColumns = `id,stage_execution_id,run_id,agent_name,status,retry_count,output_json,error,usage_json,created_at,completed_at`

func scanInvocation(row rowScanner) (domain.AgentInvocation, error) {
	var (
		inv                   domain.AgentInvocation
		status, usage         string
		output, errText, done sql.NullString
	)
	if err := row.Scan(&inv.ID, &inv.StageExecutionID, &inv.RunID, &inv.AgentName, &status, &inv.RetryCount, &output, &errText, &usage, &inv.CreatedAt, &done); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inv, ErrNotFound
		}
		return inv, err
	}
	inv.Status = domain.InvocationStatus(status)
	if output.Valid && output.String != "" {
		inv.Output = json.RawMessage(output.String)
	}
	if errText.Valid {
		inv.Error = errText.String
	}
	if err := unmarshalColumn(usage, &inv.Usage); err != nil {
		return inv, fmt.Errorf("invocation %s usage: %w", inv.ID, err)
	}
	inv.CompletedAt = optionalString(done)
	return inv, nil
}

func (r Repo) InsertInvocation(ctx context.Context, inv domain.AgentInvocation) error {
	usage, err := marshalColumn(inv.Usage)
	if err != nil {
		return err
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO agent_invocations(`+invocationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.StageExecutionID, inv.RunID, inv.AgentName, string(inv.Status), inv.RetryCount,
		rawValue(inv.Output), nullable(inv.Error), usage, inv.CreatedAt, ptrValue(inv.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert invocation: %w", classify(err))
	}
	return nil
}

func (r Repo) UpdateInvocation(ctx context.Context, inv domain.AgentInvocation) error {
	usage, err := marshalColumn(inv.Usage)
	if err != nil {
		return err
	}
	res, err := r.q().ExecContext(ctx, `UPDATE agent_invocations SET status=?,retry_count=?,output_json=?,error=?,usage_json=?,completed_at=? WHERE id=?`,
		string(inv.Status), inv.RetryCount, rawValue(inv.Output), nullable(inv.Error), usage, ptrValue(inv.CompletedAt), inv.ID)
	if err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("invocation %s: %w", inv.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) GetInvocation(ctx context.Context, id string) (domain.AgentInvocation, error) {
	inv, err := scanInvocation(r.q().QueryRowContext(ctx, `SELECT `+invocationColumns+` FROM agent_invocations WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return inv, fmt.Errorf("invocation %s: %w", id, ErrNotFound)
	}
	return inv, err
}

func (r Repo) ListInvocations(ctx context.Context, runID string) ([]domain.AgentInvocation, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+invocationColumns+` FROM agent_invocations WHERE run_id=? ORDER BY created_at, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentInvocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) AppendEvent(ctx context.Context, evtType, runID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	return r.Events.Append(ctx, r.q(), evtType, runID, entityKind, entityID, actorID, payload)
}

// ListEvents returns audit events for a run after afterID, oldest first.
// A zero limit returns every matching event.
func (r Repo) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{afterID}
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	query := `SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.q().QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func runJSON(run domain.Run) (cfg, meta, errs, warns string, err error) {
	if cfg, err = marshalColumn(nonNilMap(run.Config)); err != nil {
		return
	}
	if meta, err = marshalColumn(nonNilMap(run.Metadata)); err != nil {
		return
	}
	if errs, err = marshalColumn(nonNilErrors(run.Errors)); err != nil {
		return
	}
	warns, err = marshalColumn(nonNil(run.Warnings))
	return
}

func marshalColumn(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal column: %w", err)
	}
	return string(b), nil
}

func unmarshalColumn(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

// classify maps constraint violations to ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ",")
}

func optionalString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func ptrValue(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stageValue(v *domain.Stage) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func rawValue(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func nonNilErrors(v []domain.RunError) []domain.RunError {
	if v == nil {
		return []domain.RunError{}
	}
	return v
}
