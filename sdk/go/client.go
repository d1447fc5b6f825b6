package agentlinesdk

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

// Client is a minimal Agentline resource API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// AgentID is sent as X-Agent-Id when no bearer token is set.
	AgentID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:7400/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Workspace represents the API workspace model (partial).
type Workspace struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Agent represents the API agent model (partial).
type Agent struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	WorkspaceID string  `json:"workspaceId"`
	ParentID    *string `json:"parentId,omitempty"`
	Status      string  `json:"status"`
}

// Task represents the API task model (partial).
type Task struct {
	ID                 string   `json:"id"`
	WorkspaceID        string   `json:"workspaceId"`
	Title              string   `json:"title"`
	Objective          string   `json:"objective"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	AssignedTo         *string  `json:"assignedTo,omitempty"`
	Status             string   `json:"status"`
	ParallelGroup      *string  `json:"parallelGroup,omitempty"`
	CompletionSummary  *string  `json:"completionSummary,omitempty"`
	Version            int      `json:"version"`
}

// Note represents a shared note.
type Note struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspaceId"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags"`
}

// Event represents an audit log entry.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
	EntityKind  string `json:"entityKind"`
	EntityID    string `json:"entityId"`
	ActorID     string `json:"actorId"`
	Payload     string `json:"payloadJson"`
}

// Delegation is the result of spawning an agent for a task.
type Delegation struct {
	AgentID        string `json:"agentId"`
	SessionID      string `json:"sessionId"`
	TaskID         string `json:"taskId"`
	PID            int    `json:"pid,omitempty"`
	WaitMode       string `json:"waitMode"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// TaskInput holds fields for task creation.
type TaskInput struct {
	WorkspaceID        string   `json:"workspaceId"`
	Title              string   `json:"title"`
	Objective          string   `json:"objective,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
	AssignedTo         string   `json:"assignedTo,omitempty"`
	ParallelGroup      string   `json:"parallelGroup,omitempty"`
}

// DelegateInput holds delegation options. Empty fields use server defaults.
type DelegateInput struct {
	Specialist             string `json:"specialist,omitempty"`
	CallerAgentID          string `json:"callerAgentId,omitempty"`
	Provider               string `json:"provider,omitempty"`
	Cwd                    string `json:"cwd,omitempty"`
	AdditionalInstructions string `json:"additionalInstructions,omitempty"`
	WaitMode               string `json:"waitMode,omitempty"`
	WaitGroupID            string `json:"waitGroupId,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsVersionConflict reports whether err is a rejected stale task write.
func IsVersionConflict(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == "version_conflict"
}

// CreateWorkspace creates a workspace.
func (c *Client) CreateWorkspace(ctx context.Context, title string) (Workspace, error) {
	var resp Workspace
	err := c.do(ctx, http.MethodPost, "workspaces", map[string]any{"title": title}, &resp)
	return resp, err
}

// CreateAgent registers an agent in a workspace.
func (c *Client) CreateAgent(ctx context.Context, workspaceID, name, role, parentID string) (Agent, error) {
	body := map[string]any{
		"workspaceId": workspaceID,
		"name":        name,
		"role":        role,
	}
	if parentID != "" {
		body["parentId"] = parentID
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents", body, &resp)
	return resp, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks lists a workspace's tasks, optionally by status.
func (c *Client) ListTasks(ctx context.Context, workspaceID, status string) ([]Task, error) {
	q := url.Values{}
	if workspaceID != "" {
		q.Set("workspaceId", workspaceID)
	}
	if status != "" {
		q.Set("status", status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

// UpdateTask patches a task. With expectedVersion > 0 the server rejects the
// write if the task moved past that version; see IsVersionConflict.
func (c *Client) UpdateTask(ctx context.Context, id string, expectedVersion int, patch map[string]any) (Task, error) {
	body := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		body[k] = v
	}
	if expectedVersion > 0 {
		body["expectedVersion"] = expectedVersion
	}
	var resp Task
	err := c.do(ctx, http.MethodPatch, "tasks/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// Delegate spawns an agent process for a task.
func (c *Client) Delegate(ctx context.Context, taskID string, in DelegateInput) (Delegation, error) {
	var resp Delegation
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/delegate", in, &resp)
	return resp, err
}

// CreateNote writes a shared note.
func (c *Client) CreateNote(ctx context.Context, workspaceID, title, content string, tags []string) (Note, error) {
	body := map[string]any{
		"workspaceId": workspaceID,
		"title":       title,
		"content":     content,
		"tags":        tags,
	}
	var resp Note
	err := c.do(ctx, http.MethodPost, "notes", body, &resp)
	return resp, err
}

// Events returns recent audit events, newest last.
func (c *Client) Events(ctx context.Context, workspaceID string, limit int) ([]Event, error) {
	q := url.Values{}
	if workspaceID != "" {
		q.Set("workspaceId", workspaceID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// WhoAmI returns the actor the server resolved for this client.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	var resp struct {
		ActorID string `json:"actorId"`
	}
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp.ActorID, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
