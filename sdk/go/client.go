package protovaultsdk

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

// Client is a minimal ProtoVault HTTP API client.
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

// Protocol represents the API protocol model (partial).
type Protocol struct {
	ID        string  `json:"id"`
	AuthorID  string  `json:"author_id"`
	Title     string  `json:"title"`
	Category  string  `json:"category,omitempty"`
	Version   string  `json:"version"`
	Status    string  `json:"status"`
	Price     float64 `json:"price"`
	RiskClass string  `json:"risk_class,omitempty"`
}

// Run represents one execution attempt.
type Run struct {
	ID         string  `json:"id"`
	ProtocolID string  `json:"protocol_id"`
	ActorID    string  `json:"actor_id"`
	SessionID  string  `json:"session_id"`
	StepIndex  int     `json:"step_index"`
	Status     string  `json:"status"`
	Cost       int     `json:"cost"`
	StartedAt  string  `json:"started_at"`
	EndedAt    *string `json:"ended_at,omitempty"`
}

// Entitlement is an actor's license snapshot.
type Entitlement struct {
	ActorID string `json:"actor_id"`
	Tier    string `json:"tier"`
	Balance int    `json:"balance"`
}

// Score is the quality breakdown returned by the score endpoint.
type Score struct {
	Total     int    `json:"total"`
	Structure int    `json:"structure"`
	Logic     int    `json:"logic"`
	Risk      int    `json:"risk"`
	Weakest   string `json:"weakest"`
	Threshold int    `json:"threshold"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProtocol creates a draft from a full document payload.
func (c *Client) CreateProtocol(ctx context.Context, document map[string]any) (Protocol, error) {
	var resp Protocol
	err := c.do(ctx, http.MethodPost, "v0/protocols", document, &resp)
	return resp, err
}

// GetProtocol fetches a protocol by id.
func (c *Client) GetProtocol(ctx context.Context, id string) (Protocol, error) {
	var resp Protocol
	err := c.do(ctx, http.MethodGet, "v0/protocols/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Score returns the quality breakdown for a protocol.
func (c *Client) Score(ctx context.Context, id string) (Score, error) {
	var resp Score
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/protocols/%s/score", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Publish moves a draft to active.
func (c *Client) Publish(ctx context.Context, id string) (Protocol, error) {
	var resp struct {
		Protocol Protocol `json:"protocol"`
		Score    Score    `json:"score"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/protocols/%s/publish", url.PathEscape(id)), nil, &resp)
	return resp.Protocol, err
}

// StartRun opens a run of a protocol.
func (c *Client) StartRun(ctx context.Context, protocolID, sessionID string) (Run, error) {
	body := map[string]any{}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/protocols/%s/runs", url.PathEscape(protocolID)), body, &resp)
	return resp, err
}

// Confirm advances past an action step.
func (c *Client) Confirm(ctx context.Context, runID string) (Run, error) {
	return c.advance(ctx, runID, map[string]any{"confirmed": true})
}

// Decide advances past a decision step with approved or rejected.
func (c *Client) Decide(ctx context.Context, runID, choice string) (Run, error) {
	return c.advance(ctx, runID, map[string]any{"choice": choice})
}

// Input advances past an input step with the captured text.
func (c *Client) Input(ctx context.Context, runID, text string) (Run, error) {
	return c.advance(ctx, runID, map[string]any{"text": text})
}

// Advance advances past an automation step.
func (c *Client) Advance(ctx context.Context, runID string) (Run, error) {
	return c.advance(ctx, runID, map[string]any{})
}

func (c *Client) advance(ctx context.Context, runID string, body map[string]any) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/runs/%s/advance", url.PathEscape(runID)), body, &resp)
	return resp, err
}

// AbandonRun halts a running run.
func (c *Client) AbandonRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/runs/%s/abandon", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

// Report renders the audit record for a run.
func (c *Client) Report(ctx context.Context, runID string) (string, error) {
	var resp struct {
		RunID  string `json:"run_id"`
		Report string `json:"report"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/runs/%s/report", url.PathEscape(runID)), nil, &resp)
	return resp.Report, err
}

// Entitlement returns an actor's tier and balance.
func (c *Client) Entitlement(ctx context.Context, actorID string) (Entitlement, error) {
	var resp Entitlement
	err := c.do(ctx, http.MethodGet, "v0/entitlements/"+url.PathEscape(actorID), nil, &resp)
	return resp, err
}

// SetEntitlement moves an actor to a tier.
func (c *Client) SetEntitlement(ctx context.Context, actorID, tier string) (Entitlement, error) {
	var resp Entitlement
	err := c.do(ctx, http.MethodPut, "v0/entitlements/"+url.PathEscape(actorID), map[string]any{"tier": tier}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
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
