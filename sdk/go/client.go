package dispatchlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dispatchline HTTP API client for workers.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Work is one claimed queue item.
type Work struct {
	SessionID       string    `json:"sessionId"`
	IssueID         string    `json:"issueId"`
	IssueIdentifier string    `json:"issueIdentifier"`
	Priority        int       `json:"priority"`
	QueuedAt        time.Time `json:"queuedAt"`
	WorkType        string    `json:"workType"`
	ProjectName     string    `json:"projectName,omitempty"`
	Prompt          string    `json:"prompt,omitempty"`
}

// Session is the server-side state of one session.
type Session struct {
	SessionID    string     `json:"sessionId"`
	IssueID      string     `json:"issueId"`
	WorkType     string     `json:"workType"`
	Status       string     `json:"status"`
	WorkerID     string     `json:"workerId,omitempty"`
	Outcome      string     `json:"outcome,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CostUSD      float64    `json:"costUsd"`
	InputTokens  int64      `json:"inputTokens"`
	OutputTokens int64      `json:"outputTokens"`
}

// WorkerInfo is a registered worker as the server sees it.
type WorkerInfo struct {
	ID            string    `json:"id"`
	Capacity      int       `json:"capacity"`
	ActiveCount   int       `json:"activeCount"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Projects      []string  `json:"projects,omitempty"`
}

// StatusReport updates a session. Nil fields are left unchanged.
type StatusReport struct {
	Status       string   `json:"status"`
	WorkerID     *string  `json:"worker_id,omitempty"`
	Outcome      *string  `json:"outcome,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
	InputTokens  *int64   `json:"input_tokens,omitempty"`
	OutputTokens *int64   `json:"output_tokens,omitempty"`
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

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// RegisterWorker registers or refreshes a worker.
func (c *Client) RegisterWorker(ctx context.Context, id string, capacity int, projects []string) (WorkerInfo, error) {
	body := map[string]any{
		"id":       id,
		"capacity": capacity,
		"projects": projects,
	}
	var resp WorkerInfo
	err := c.do(ctx, http.MethodPost, "v0/workers", body, &resp)
	return resp, err
}

// Heartbeat records liveness and the current number of running sessions.
func (c *Client) Heartbeat(ctx context.Context, workerID string, activeCount int) (WorkerInfo, error) {
	var resp WorkerInfo
	endpoint := fmt.Sprintf("v0/workers/%s/heartbeat", url.PathEscape(workerID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"active_count": activeCount}, &resp)
	return resp, err
}

// Claim takes the next eligible item. It returns nil when nothing is queued
// for the given projects.
func (c *Client) Claim(ctx context.Context, workerID string, projects []string) (*Work, error) {
	body := map[string]any{"worker_id": workerID}
	if len(projects) > 0 {
		body["projects"] = projects
	}
	var resp struct {
		Work *Work `json:"work"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/queue/claim", body, &resp); err != nil {
		return nil, err
	}
	return resp.Work, nil
}

// ReportStatus updates a session.
func (c *Client) ReportStatus(ctx context.Context, sessionID string, report StatusReport) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s/status", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, report, &resp)
	return resp, err
}

// Session fetches a session.
func (c *Client) Session(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Depth returns the number of queued items.
func (c *Client) Depth(ctx context.Context) (int, error) {
	var resp struct {
		Depth int `json:"depth"`
	}
	err := c.do(ctx, http.MethodGet, "v0/queue/depth", nil, &resp)
	return resp.Depth, err
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
