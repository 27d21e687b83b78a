package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// BridgeClient provides HTTP client utilities against the UI bridge
type BridgeClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewBridgeClient creates a new bridge test client
func NewBridgeClient(baseURL string) *BridgeClient {
	return &BridgeClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// RequestOption configures HTTP requests
type RequestOption func(*http.Request)

// WithHeader adds a header to the request
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithQuery adds query parameters
func WithQuery(params map[string]string) RequestOption {
	return func(r *http.Request) {
		q := r.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		r.URL.RawQuery = q.Encode()
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrorCode returns the code field of an error body, or "".
func (r *Response) ErrorCode() string {
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return ""
	}
	return body.Error.Code
}

// Get performs HTTP GET request
func (c *BridgeClient) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts...)
}

// Post performs HTTP POST request with JSON body
func (c *BridgeClient) Post(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, opts...)
}

// Patch performs HTTP PATCH request with JSON body
func (c *BridgeClient) Patch(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPatch, path, body, opts...)
}

// Delete performs HTTP DELETE request
func (c *BridgeClient) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, opts...)
}

// do performs the actual HTTP request
func (c *BridgeClient) do(ctx context.Context, method, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	fullURL := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// ---- Session Helpers ----

// OpenDocument opens a document's session and returns the snapshot
func (c *BridgeClient) OpenDocument(ctx context.Context, path string) (*types.Session, error) {
	resp, err := c.Post(ctx, "/session/open", map[string]string{"path": path})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to open document: %d - %s", resp.StatusCode, resp.String())
	}

	var session types.Session
	if err := resp.JSON(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession retrieves a session by document path
func (c *BridgeClient) GetSession(ctx context.Context, path string) (*types.Session, error) {
	resp, err := c.Get(ctx, "/session/status", WithQuery(map[string]string{"path": path}))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to get session: %d - %s", resp.StatusCode, resp.String())
	}

	var session types.Session
	if err := resp.JSON(&session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions lists all sessions
func (c *BridgeClient) ListSessions(ctx context.Context) ([]*types.Session, error) {
	resp, err := c.Get(ctx, "/session")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to list sessions: %d - %s", resp.StatusCode, resp.String())
	}

	var sessions []*types.Session
	if err := resp.JSON(&sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SendPrompt submits a prompt for a document's session
func (c *BridgeClient) SendPrompt(ctx context.Context, path, content string) (*Response, error) {
	return c.Post(ctx, "/session/prompt", map[string]string{
		"path":    path,
		"content": content,
	})
}

// CancelRun interrupts a document's active run
func (c *BridgeClient) CancelRun(ctx context.Context, path string) (*Response, error) {
	return c.Post(ctx, "/session/cancel", map[string]string{"path": path})
}

// SetForeground marks a document as the foreground session
func (c *BridgeClient) SetForeground(ctx context.Context, path string) (*Response, error) {
	return c.Post(ctx, "/session/foreground", map[string]string{"path": path})
}

// SetOptions updates a session's option selections
func (c *BridgeClient) SetOptions(ctx context.Context, path string, opts types.Options) (*Response, error) {
	return c.Patch(ctx, "/session/options", map[string]string{
		"path":            path,
		"model":           opts.Model,
		"reasoningEffort": opts.ReasoningEffort,
		"sandbox":         opts.Sandbox,
	})
}

// NewThread resets a document's conversation and returns the new thread id
func (c *BridgeClient) NewThread(ctx context.Context, path string) (string, error) {
	resp, err := c.Post(ctx, "/session/thread", map[string]string{"path": path})
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("failed to reset thread: %d - %s", resp.StatusCode, resp.String())
	}

	var body struct {
		ThreadID string `json:"threadID"`
	}
	if err := resp.JSON(&body); err != nil {
		return "", err
	}
	return body.ThreadID, nil
}

// DeleteThread removes a document's conversation from the backend and
// returns the replacement thread id
func (c *BridgeClient) DeleteThread(ctx context.Context, path string) (string, error) {
	resp, err := c.Delete(ctx, "/session/thread", WithQuery(map[string]string{"path": path}))
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("failed to delete thread: %d - %s", resp.StatusCode, resp.String())
	}

	var body struct {
		ThreadID string `json:"threadID"`
	}
	if err := resp.JSON(&body); err != nil {
		return "", err
	}
	return body.ThreadID, nil
}

// CloseDocument notifies the engine that a document's tab closed
func (c *BridgeClient) CloseDocument(ctx context.Context, path string) (*Response, error) {
	return c.Post(ctx, "/session/close", map[string]string{"path": path})
}

// DeleteAllSessions requests a bulk delete of every session
func (c *BridgeClient) DeleteAllSessions(ctx context.Context) (*Response, error) {
	return c.Delete(ctx, "/session")
}

// ---- Backend Helpers ----

// BackendState reports the transport connection state
type BackendState struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

// GetBackendState retrieves the transport state
func (c *BridgeClient) GetBackendState(ctx context.Context) (*BackendState, error) {
	resp, err := c.Get(ctx, "/backend/state")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to get backend state: %d - %s", resp.StatusCode, resp.String())
	}

	var state BackendState
	if err := resp.JSON(&state); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetDefaults retrieves the backend's advertised defaults
func (c *BridgeClient) GetDefaults(ctx context.Context) (*types.BackendDefaults, error) {
	resp, err := c.Get(ctx, "/backend/defaults")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to get defaults: %d - %s", resp.StatusCode, resp.String())
	}

	var defaults types.BackendDefaults
	if err := resp.JSON(&defaults); err != nil {
		return nil, err
	}
	return &defaults, nil
}

// GetLimits retrieves the usage snapshot; a nil snapshot means the
// backend has not reported one yet
func (c *BridgeClient) GetLimits(ctx context.Context) (*types.RateLimits, error) {
	resp, err := c.Get(ctx, "/backend/limits")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("failed to get limits: %d - %s", resp.StatusCode, resp.String())
	}

	var limits types.RateLimits
	if err := resp.JSON(&limits); err != nil {
		return nil, err
	}
	return &limits, nil
}

// RefreshLimits asks the backend for a fresh usage snapshot
func (c *BridgeClient) RefreshLimits(ctx context.Context) (*Response, error) {
	return c.Post(ctx, "/backend/limits/refresh", nil)
}

// WriteLog forwards a UI log line
func (c *BridgeClient) WriteLog(ctx context.Context, level, message string) (*Response, error) {
	return c.Post(ctx, "/log", map[string]string{
		"level":   level,
		"message": message,
	})
}

// EventStreamURL returns the per-document SSE endpoint for a path
func (c *BridgeClient) EventStreamURL(path string) string {
	return "/session/event?path=" + url.QueryEscape(path)
}
