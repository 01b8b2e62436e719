package domain

import (
	"encoding/json"
	"fmt"
)

// Stage is one of the six ordered pipeline phases.
type Stage string

const (
	StageExploration        Stage = "exploration"
	StageOpportunityFraming Stage = "opportunity_framing"
	StageSolutionValidation Stage = "solution_validation"
	StageFeasibilityRisk    Stage = "feasibility_risk"
	StagePrioritization     Stage = "prioritization"
	StageHumanReview        Stage = "human_review"
)

// StageOrder is the fixed total order of the pipeline. Next and last are
// defined by position here, never by name.
var StageOrder = []Stage{
	StageExploration,
	StageOpportunityFraming,
	StageSolutionValidation,
	StageFeasibilityRisk,
	StagePrioritization,
	StageHumanReview,
}

// Index returns the position of s in StageOrder, or -1.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) Valid() bool { return s.Index() >= 0 }

// Next returns the stage after s. ok is false for the last stage and for unknown stages.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(StageOrder) {
		return "", false
	}
	return StageOrder[i+1], true
}

func (s Stage) IsLast() bool { return s.Index() == len(StageOrder)-1 }

// Before reports whether s comes strictly earlier than other in the pipeline.
func (s Stage) Before(other Stage) bool {
	a, b := s.Index(), other.Index()
	return a >= 0 && b >= 0 && a < b
}

func FirstStage() Stage { return StageOrder[0] }
func LastStage() Stage  { return StageOrder[len(StageOrder)-1] }

// ParseStage validates a stage name.
func ParseStage(v string) (Stage, error) {
	s := Stage(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", v)
	}
	return s, nil
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal statuses admit no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

type StageStatus string

const (
	StagePending           StageStatus = "pending"
	StageInProgress        StageStatus = "in_progress"
	StageCheckpointReached StageStatus = "checkpoint_reached"
	StageCompleted         StageStatus = "completed"
	StageFailed            StageStatus = "failed"
	StageSentBack          StageStatus = "sent_back"
)

// Active statuses mark the run's single current stage execution.
func (s StageStatus) Active() bool {
	return s == StageInProgress || s == StageCheckpointReached
}

type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
)

// RunError is the structured failure detail appended to a run.
type RunError struct {
	Stage     string `json:"stage"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Trace     string `json:"trace,omitempty"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type Run struct {
	ID           string         `json:"id"`
	Status       RunStatus      `json:"status" enum:"pending,running,completed,failed,stopped"`
	CurrentStage *Stage         `json:"current_stage,omitempty"`
	ParentRunID  *string        `json:"parent_run_id,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Errors       []RunError     `json:"errors"`
	Warnings     []string       `json:"warnings"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	StartedAt    *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string        `json:"completed_at,omitempty" format:"date-time"`
}

type StageExecution struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	Stage          Stage           `json:"stage"`
	Status         StageStatus     `json:"status" enum:"pending,in_progress,checkpoint_reached,completed,failed,sent_back"`
	Attempt        int             `json:"attempt"`
	Participants   []string        `json:"participants"`
	Artifact       json.RawMessage `json:"artifact,omitempty"`
	ConversationID *string         `json:"conversation_id,omitempty"`
	SentBackFrom   *Stage          `json:"sent_back_from,omitempty"`
	SendBackReason string          `json:"send_back_reason,omitempty"`
	StartedAt      string          `json:"started_at" format:"date-time"`
	CompletedAt    *string         `json:"completed_at,omitempty" format:"date-time"`
}

type AgentInvocation struct {
	ID               string           `json:"id"`
	StageExecutionID string           `json:"stage_execution_id"`
	RunID            string           `json:"run_id"`
	AgentName        string           `json:"agent_name"`
	Status           InvocationStatus `json:"status" enum:"pending,running,completed,failed"`
	RetryCount       int              `json:"retry_count"`
	Output           json.RawMessage  `json:"output,omitempty"`
	Error            string           `json:"error,omitempty"`
	Usage            map[string]int   `json:"usage,omitempty"`
	CreatedAt        string           `json:"created_at" format:"date-time"`
	CompletedAt      *string          `json:"completed_at,omitempty" format:"date-time"`
}

// RunSummary is a run plus the counts shown in listings.
type RunSummary struct {
	Run
	StageExecutions int `json:"stage_executions"`
	Invocations     int `json:"invocations"`
	FailedAttempts  int `json:"failed_invocations"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
