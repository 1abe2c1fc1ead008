package missionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Missionline HTTP API client.
type Client struct {
	BaseURL string
	// BasePath is the API prefix; empty means /v0.
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Mission represents the API mission model with its progress log.
type Mission struct {
	ID           string            `json:"id"`
	Prompt       string            `json:"prompt"`
	Agent        string            `json:"agent"`
	Status       string            `json:"status"`
	Result       *string           `json:"result,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
	CompletedAt  *string           `json:"completed_at,omitempty"`
	Updates      []Update          `json:"updates"`
}

// Terminal reports whether the mission can no longer change.
func (m Mission) Terminal() bool {
	return m.Status == "completed" || m.Status == "failed"
}

// MissionSummary is the list view of a mission.
type MissionSummary struct {
	ID           string  `json:"id"`
	Agent        string  `json:"agent"`
	Status       string  `json:"status"`
	ErrorMessage *string `json:"error_message,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
}

// Update is one progress log entry.
type Update struct {
	MissionID  string `json:"mission_id"`
	Seq        int64  `json:"seq"`
	Message    string `json:"message"`
	UpdateType string `json:"update_type"`
	Timestamp  string `json:"timestamp"`
}

// Event represents a lifecycle log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// Dispatched is the acknowledgement returned by Dispatch.
type Dispatched struct {
	MissionID string `json:"mission_id"`
	Status    string `json:"status"`
}

// Agents lists the registered agents.
type Agents struct {
	Default string   `json:"default"`
	Agents  []string `json:"agents"`
}

// APIError wraps non-2xx responses. Code, Message and Details are filled from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Body       string
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedMissions wraps list responses with cursors.
type PaginatedMissions struct {
	Items      []MissionSummary `json:"items"`
	NextCursor string           `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListOptions filters List; zero values are omitted.
type ListOptions struct {
	Status string
	Limit  int
	Cursor string
}

// Dispatch submits a prompt. An empty agent selects the server default.
func (c *Client) Dispatch(ctx context.Context, prompt, agent string) (Dispatched, error) {
	body := map[string]any{"prompt": prompt}
	if agent != "" {
		body["agent"] = agent
	}
	var resp Dispatched
	err := c.do(ctx, http.MethodPost, "missions", body, &resp)
	return resp, err
}

// Get fetches a mission with its updates.
func (c *Client) Get(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, "missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// List returns one page of missions, newest first.
func (c *Client) List(ctx context.Context, opts ListOptions) (PaginatedMissions, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	var resp PaginatedMissions
	err := c.do(ctx, http.MethodGet, withQuery("missions", q), nil, &resp)
	return resp, err
}

// Updates returns progress entries with seq greater than after.
func (c *Client) Updates(ctx context.Context, id string, after int64, limit int) ([]Update, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Update `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("missions/"+url.PathEscape(id)+"/updates", q), nil, &resp)
	return resp.Items, err
}

// Wait polls until the mission is terminal or ctx is done.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (Mission, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m, err := c.Get(ctx, id)
		if err != nil {
			return m, err
		}
		if m.Terminal() {
			return m, nil
		}
		select {
		case <-ctx.Done():
			return m, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Agents returns the registered agents.
func (c *Client) Agents(ctx context.Context) (Agents, error) {
	var resp Agents
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated lifecycle event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, missionID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if missionID != "" {
		q.Set("mission_id", missionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
