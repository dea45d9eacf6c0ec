// Package reviewgatesdk is a minimal client for the Reviewgate HTTP API.
package reviewgatesdk

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

// Client talks to one coordinator.
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

// Session is the API session model (partial).
type Session struct {
	ID            string  `json:"id"`
	Task          string  `json:"task"`
	Mode          string  `json:"mode"`
	Specialist    string  `json:"specialist,omitempty"`
	Phase         string  `json:"phase"`
	Branch        string  `json:"branch,omitempty"`
	StartMarker   string  `json:"start_marker,omitempty"`
	ValidationRun int     `json:"validation_run"`
	ReviewCycle   int     `json:"review_cycle"`
	AbandonReason string  `json:"abandon_reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

// Status is the compact latest-session view.
type Status struct {
	SessionID     string `json:"session_id"`
	Phase         string `json:"phase"`
	Mode          string `json:"mode"`
	ValidationRun int    `json:"validation_run"`
	ReviewCycle   int    `json:"review_cycle"`
	OpenFindings  int    `json:"open_findings"`
}

// Finding is one recorded review finding.
type Finding struct {
	ID            string `json:"id"`
	SessionID     string `json:"session_id"`
	RaisedBy      string `json:"raised_by"`
	Description   string `json:"description"`
	Severity      string `json:"severity"`
	Status        string `json:"status"`
	Justification string `json:"justification,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Verdict is one reviewer's final ruling.
type Verdict struct {
	SessionID string `json:"session_id"`
	Reviewer  string `json:"reviewer"`
	Verdict   string `json:"verdict"`
	CreatedAt string `json:"created_at"`
}

// SessionDetail bundles the persisted record of one session.
type SessionDetail struct {
	Session  Session   `json:"session"`
	Gates    []Gate    `json:"gates"`
	Verdicts []Verdict `json:"verdicts"`
	Findings []Finding `json:"findings"`
}

// Gate is one persisted synchronization barrier.
type Gate struct {
	SessionID string   `json:"session_id"`
	Name      string   `json:"name"`
	Required  []string `json:"required"`
	Confirmed []string `json:"confirmed,omitempty"`
	Status    string   `json:"status"`
	Round     int      `json:"round"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ValidationRun is one iteration through the verification layers.
type ValidationRun struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Iteration int    `json:"iteration"`
	Outcome   string `json:"outcome"`
	Layers    []struct {
		Name    string `json:"name"`
		Outcome string `json:"outcome"`
		Detail  string `json:"detail,omitempty"`
	} `json:"layers"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status returns the latest session's status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Sessions lists all sessions, newest first.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var resp []Session
	err := c.do(ctx, http.MethodGet, "v0/sessions", nil, &resp)
	return resp, err
}

// Session fetches one session's full record.
func (c *Client) Session(ctx context.Context, id string) (SessionDetail, error) {
	var resp SessionDetail
	err := c.do(ctx, http.MethodGet, "v0/sessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Findings lists the findings raised during a session's reviews.
func (c *Client) Findings(ctx context.Context, sessionID string) ([]Finding, error) {
	var resp []Finding
	endpoint := fmt.Sprintf("v0/sessions/%s/findings", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Validations lists a session's validation runs.
func (c *Client) Validations(ctx context.Context, sessionID string) ([]ValidationRun, error) {
	var resp []ValidationRun
	endpoint := fmt.Sprintf("v0/sessions/%s/validations", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events for a session.
func (c *Client) Events(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/sessions/%s/events", url.PathEscape(sessionID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
