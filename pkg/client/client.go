// Package client is a Go client for the Warden operator API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultHTTPTimeout is used by clients created without WithTimeout.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the HTTP interactions with the operator API.
type Client struct {
	http *resty.Client

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the operator bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// WithHTTPClient makes resty use the given http.Client, e.g. httptest's.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			timeout := c.http.GetClient().Timeout
			c.http = resty.NewWithClient(hc).SetBaseURL(c.http.BaseURL).SetTimeout(timeout)
		}
	}
}

// New creates a client for the API served at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	c := &Client{http: resty.New().SetBaseURL(strings.TrimRight(u.String(), "/")).SetTimeout(DefaultHTTPTimeout)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.http.SetHeader("Accept", "application/json")
	return c, nil
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// Token returns the bearer token in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Status returns the agent status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approvals lists approvals; an empty status lists them all.
func (c *Client) Approvals(ctx context.Context, status string) ([]Approval, error) {
	var out []Approval
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/approvals", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Approval fetches one approval.
func (c *Client) Approval(ctx context.Context, id string) (*Approval, error) {
	var out Approval
	if err := c.do(ctx, http.MethodGet, "/api/v1/approvals/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve approves a pending call and returns its execution result.
func (c *Client) Approve(ctx context.Context, id string) (*Decision, error) {
	var out Decision
	if err := c.do(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id)+"/approve", nil, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deny rejects a pending call.
func (c *Client) Deny(ctx context.Context, id, reason string) (*Decision, error) {
	var out Decision
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id)+"/deny", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RetryActions lists queued retries; an empty status lists them all.
func (c *Client) RetryActions(ctx context.Context, status string) ([]RetryAction, error) {
	var out []RetryAction
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/retry", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Audit returns the most recent audit entries.
func (c *Client) Audit(ctx context.Context, limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Interact sends an operator message and waits for the round to finish.
func (c *Client) Interact(ctx context.Context, message string) (*InteractResult, error) {
	var out InteractResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/interact", nil, map[string]string{"message": message}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if token := c.Token(); token != "" {
		req.SetAuthToken(token)
	}
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(resp.String())
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
