package statuslinesdk

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

// Client is a minimal Statusline HTTP API client bound to one feature.
type Client struct {
	BaseURL     string
	Feature     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. The server
	// only honors it in legacy mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, feature string) *Client {
	return &Client{
		BaseURL: baseURL,
		Feature: feature,
		Timeout: 10 * time.Second,
	}
}

type Evidence struct {
	Review struct {
		Reviewer  string `json:"reviewer"`
		Verdict   string `json:"verdict"`
		Reference string `json:"reference,omitempty"`
	} `json:"review"`
}

// Event is one recorded lane transition.
type Event struct {
	EventID       string          `json:"event_id"`
	FeatureSlug   string          `json:"feature_slug"`
	WPID          string          `json:"wp_id"`
	FromLane      string          `json:"from_lane"`
	ToLane        string          `json:"to_lane"`
	At            string          `json:"at"`
	Actor         string          `json:"actor"`
	Force         bool            `json:"force"`
	ExecutionMode string          `json:"execution_mode"`
	Reason        *string         `json:"reason"`
	ReviewRef     *string         `json:"review_ref"`
	Evidence      json.RawMessage `json:"evidence"`
}

type WorkPackage struct {
	Lane             string `json:"lane"`
	Actor            string `json:"actor"`
	LastEventID      string `json:"last_event_id"`
	LastTransitionAt string `json:"last_transition_at"`
	ForceCount       int    `json:"force_count"`
}

type Snapshot struct {
	FeatureSlug    string                 `json:"feature_slug"`
	EventCount     int                    `json:"event_count"`
	LastEventID    *string                `json:"last_event_id"`
	MaterializedAt string                 `json:"materialized_at"`
	Summary        map[string]int         `json:"summary"`
	WorkPackages   map[string]WorkPackage `json:"work_packages"`
}

type Status struct {
	Phase struct {
		Phase  int    `json:"phase"`
		Name   string `json:"name"`
		Source string `json:"source"`
	} `json:"phase"`
	Snapshot Snapshot `json:"snapshot"`
}

// Transition is the body of a transition request. The actor comes from the
// credentials.
type Transition struct {
	WPID          string    `json:"wp_id"`
	ToLane        string    `json:"to_lane"`
	Force         bool      `json:"force,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	ReviewRef     string    `json:"review_ref,omitempty"`
	Evidence      *Evidence `json:"evidence,omitempty"`
	ExecutionMode string    `json:"execution_mode,omitempty"`
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
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Emit requests a transition and returns the recorded event.
func (c *Client) Emit(ctx context.Context, t Transition) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, c.featurePath("transitions"), t, &resp)
	return resp, err
}

// Status returns the current snapshot and phase.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.featurePath("status"), nil, &resp)
	return resp, err
}

// History returns the ordered events of one work package.
func (c *Client) History(ctx context.Context, wpID string) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	endpoint := c.featurePath(fmt.Sprintf("work-packages/%s/history", url.PathEscape(wpID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.featurePath("events")
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
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) featurePath(p string) string {
	return fmt.Sprintf("v0/features/%s/%s", url.PathEscape(c.Feature), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
