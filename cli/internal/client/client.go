// Package client talks to the faultline core HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%d)", e.Code, e.StatusCode)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusBadGateway || e.StatusCode == http.StatusGatewayTimeout
}

type Client struct {
	baseURL    string
	project    string
	client     *http.Client
	maxRetries uint64
	retryWait  time.Duration
}

func New(baseURL, project string) *Client {
	return &Client{
		baseURL:    baseURL,
		project:    project,
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		retryWait:  500 * time.Millisecond,
	}
}

func (c *Client) Project() string { return c.project }

func (c *Client) projectPath(suffix string) string {
	return "/api/v1/projects/" + url.PathEscape(c.project) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// doRetry repeats do on transport errors and retryable statuses with
// exponential backoff.
func (c *Client) doRetry(ctx context.Context, method, path string, body, out any) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryWait
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.maxRetries), ctx)
	return backoff.Retry(func() error {
		err := c.do(ctx, method, path, body, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// SendError submits one report. The server answers 202 once the report is
// stored; grouping happens asynchronously.
func (c *Client) SendError(ctx context.Context, report *ErrorReport) (*IngestResult, error) {
	var res IngestResult
	if err := c.doRetry(ctx, http.MethodPost, c.projectPath("/errors"), report, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListGroups(ctx context.Context, filter GroupFilter) ([]Group, error) {
	var res struct {
		Groups []Group `json:"groups"`
	}
	if err := c.do(ctx, http.MethodGet, c.projectPath("/groups")+filter.query(), nil, &res); err != nil {
		return nil, err
	}
	return res.Groups, nil
}

func (c *Client) GroupStats(ctx context.Context, filter GroupFilter) (*GroupCounts, error) {
	var res GroupCounts
	if err := c.do(ctx, http.MethodGet, c.projectPath("/groups/stats")+filter.query(), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetGroup(ctx context.Context, fingerprint string) (*Group, error) {
	var g Group
	if err := c.do(ctx, http.MethodGet, c.projectPath("/groups/"+url.PathEscape(fingerprint)), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// SetStatus changes a group's lifecycle status (unresolved, resolved, ignored).
func (c *Client) SetStatus(ctx context.Context, fingerprint, status string) (*Group, error) {
	var g Group
	body := map[string]string{"status": status}
	if err := c.do(ctx, http.MethodPatch, c.projectPath("/groups/"+url.PathEscape(fingerprint)), body, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) GroupEvents(ctx context.Context, fingerprint string, limit int) ([]Event, error) {
	var res struct {
		Events []Event `json:"events"`
	}
	path := c.projectPath("/groups/"+url.PathEscape(fingerprint)+"/events") + "?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

func (c *Client) Workflow(ctx context.Context, workflowID string) (*Workflow, error) {
	var wf Workflow
	if err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(workflowID), nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Usage returns the ingest counters of the configured project.
func (c *Client) Usage(ctx context.Context) (*Usage, error) {
	var u Usage
	if err := c.do(ctx, http.MethodGet, c.projectPath("/usage"), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
