package discoverylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Discoveryline review API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when the server runs without auth.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Run represents the API run model (partial).
type Run struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	CurrentStage string         `json:"current_stage,omitempty"`
	ParentRunID  string         `json:"parent_run_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Warnings     []string       `json:"warnings"`
	Errors       []RunError     `json:"errors"`
	CreatedAt    string         `json:"created_at"`
	CompletedAt  string         `json:"completed_at,omitempty"`
}

type RunError struct {
	Stage     string `json:"stage"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// StageExecution is one attempt of one stage.
type StageExecution struct {
	ID             string `json:"id"`
	RunID          string `json:"run_id"`
	Stage          string `json:"stage"`
	Status         string `json:"status"`
	Attempt        int    `json:"attempt"`
	ConversationID string `json:"conversation_id,omitempty"`
	SentBackFrom   string `json:"sent_back_from,omitempty"`
	SendBackReason string `json:"send_back_reason,omitempty"`
}

// Decision is a reviewer's verdict on one ranked opportunity.
type Decision struct {
	OpportunityID    string `json:"opportunity_id"`
	Decision         string `json:"decision"`
	Reasoning        string `json:"reasoning"`
	AdjustedPriority *int   `json:"adjusted_priority,omitempty"`
	SendBackToStage  string `json:"send_back_to_stage,omitempty"`
	Reviewer         string `json:"reviewer,omitempty"`
	DecidedAt        string `json:"decided_at,omitempty"`
}

type Review struct {
	Decisions []Decision `json:"decisions"`
}

// Opportunity is the artifact chain behind one ranking position. Artifacts
// are left as raw JSON.
type Opportunity struct {
	Rank       int             `json:"rank"`
	Ranking    json.RawMessage `json:"ranking"`
	Brief      json.RawMessage `json:"brief,omitempty"`
	Solution   json.RawMessage `json:"solution,omitempty"`
	Spec       json.RawMessage `json:"spec,omitempty"`
	Infeasible json.RawMessage `json:"infeasible,omitempty"`
	Decision   *Decision       `json:"decision,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListRuns returns runs, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string) ([]Run, error) {
	endpoint := "runs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Run
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, runPath(runID, ""), nil, &resp)
	return resp, err
}

func (c *Client) Stages(ctx context.Context, runID string) ([]StageExecution, error) {
	var resp []StageExecution
	err := c.do(ctx, http.MethodGet, runPath(runID, "stages"), nil, &resp)
	return resp, err
}

// Opportunity returns the artifact chain at a 1-based ranking position.
func (c *Client) Opportunity(ctx context.Context, runID string, rank int) (Opportunity, error) {
	var resp Opportunity
	err := c.do(ctx, http.MethodGet, runPath(runID, fmt.Sprintf("opportunities/%d", rank)), nil, &resp)
	return resp, err
}

// SubmitReview records a decision; the reviewer is the authenticated actor.
func (c *Client) SubmitReview(ctx context.Context, runID string, d Decision) (Review, error) {
	d.Reviewer = ""
	d.DecidedAt = ""
	var resp Review
	err := c.do(ctx, http.MethodPost, runPath(runID, "reviews"), d, &resp)
	return resp, err
}

// CompleteRun closes human review.
func (c *Client) CompleteRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, runPath(runID, "complete"), nil, &resp)
	return resp, err
}

func (c *Client) SendBack(ctx context.Context, runID, target, reason string) (StageExecution, error) {
	body := map[string]any{"target": target, "reason": reason}
	var resp StageExecution
	err := c.do(ctx, http.MethodPost, runPath(runID, "send-back"), body, &resp)
	return resp, err
}

func (c *Client) StopRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, runPath(runID, "stop"), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated listing of the run's audit events.
func (c *Client) EventsPage(ctx context.Context, runID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := runPath(runID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func runPath(runID, p string) string {
	out := "runs/" + url.PathEscape(runID)
	if p != "" {
		out += "/" + p
	}
	return out
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
