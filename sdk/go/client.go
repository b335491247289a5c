package ballotlinesdk

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

// Client calls the Ballotline HTTP API. BearerToken wins over APIKey when
// both are set.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New returns a client for the /v0 API with a 10s timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Instance is the API instance model (partial).
type Instance struct {
	ID                 string  `json:"id"`
	TemplateID         string  `json:"template_id"`
	Name               string  `json:"name"`
	CurrentPhaseID     string  `json:"current_phase_id"`
	CurrentPhaseEndsAt *string `json:"current_phase_ends_at,omitempty"`
	Revision           int64   `json:"revision"`
	CompletedAt        *string `json:"completed_at,omitempty"`
}

type Proposal struct {
	ID              string   `json:"id"`
	InstanceID      string   `json:"instance_id"`
	AuthorProfileID string   `json:"author_profile_id"`
	Title           string   `json:"title"`
	Budget          *float64 `json:"budget,omitempty"`
	Status          string   `json:"status"`
}

type Ballot struct {
	InstanceID      string   `json:"instance_id"`
	PhaseID         string   `json:"phase_id"`
	MemberProfileID string   `json:"member_profile_id"`
	ProposalIDs     []string `json:"proposal_ids"`
	CastAt          string   `json:"cast_at"`
}

// Results is the live tally while voting is open and the stored outcome after.
type Results struct {
	InstanceID      string  `json:"instance_id"`
	Mode            string  `json:"mode"`
	PhaseID         string  `json:"phase_id,omitempty"`
	MembersVoted    int     `json:"members_voted"`
	ProposalsFunded int     `json:"proposals_funded"`
	TotalAllocated  float64 `json:"total_allocated"`
	Tallies         []struct {
		ProposalID string `json:"proposal_id"`
		Votes      int    `json:"votes"`
	} `json:"tallies"`
}

// TickSummary reports one scheduler pass.
type TickSummary struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	MutationID string         `json:"mutation_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError is a non-2xx response. Code and Message come from the
// {"error":{...}} envelope; Body keeps the raw payload.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("ballotline: http %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("ballotline: http %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateInstance instantiates a template.
func (c *Client) CreateInstance(ctx context.Context, templateID, name string) (Instance, error) {
	body := map[string]any{"template_id": templateID}
	if name != "" {
		body["name"] = name
	}
	return call[Instance](ctx, c, http.MethodPost, "instances", body)
}

func (c *Client) GetInstance(ctx context.Context, id string) (Instance, error) {
	return call[Instance](ctx, c, http.MethodGet, instancePath(id, ""), nil)
}

// SubmitProposal files a proposal as the authenticated caller.
func (c *Client) SubmitProposal(ctx context.Context, instanceID, title string, budget *float64) (Proposal, error) {
	body := map[string]any{"title": title}
	if budget != nil {
		body["budget"] = *budget
	}
	return call[Proposal](ctx, c, http.MethodPost, instancePath(instanceID, "proposals"), body)
}

// CastBallot replaces the caller's ballot for the current phase.
func (c *Client) CastBallot(ctx context.Context, instanceID string, proposalIDs []string) (Ballot, error) {
	return call[Ballot](ctx, c, http.MethodPut, instancePath(instanceID, "ballot"), map[string]any{"proposal_ids": proposalIDs})
}

func (c *Client) Results(ctx context.Context, instanceID string) (Results, error) {
	return call[Results](ctx, c, http.MethodGet, instancePath(instanceID, "results"), nil)
}

// Tick asks the server to advance every instance past its deadline. The
// caller needs the scheduler.tick permission or an API key.
func (c *Client) Tick(ctx context.Context) (TickSummary, error) {
	return call[TickSummary](ctx, c, http.MethodPost, "scheduler/tick", nil)
}

// EventsPage returns one page of an instance's event log. Pass the previous
// page's NextCursor to continue.
func (c *Client) EventsPage(ctx context.Context, instanceID string, limit int, cursor string) (PaginatedEvents, error) {
	q := make(url.Values)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := instancePath(instanceID, "events")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	return call[PaginatedEvents](ctx, c, http.MethodGet, endpoint, nil)
}

func call[T any](ctx context.Context, c *Client, method, endpoint string, body any) (T, error) {
	var out T
	err := c.do(ctx, method, endpoint, body, &out)
	return out, err
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), payload)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return decodeError(res)
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func decodeError(res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	apiErr := &APIError{StatusCode: res.StatusCode, Body: string(raw)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil {
		apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
	}
	return apiErr
}

func instancePath(id, sub string) string {
	p := "instances/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base
}
