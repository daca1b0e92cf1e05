// Package client is an HTTP client for a remote orchestra server. It starts
// and inspects executions, registers definitions, and implements
// worker.Poller so a worker.Pool can run against a remote gateway.
//
//	c := client.New("http://orchestra:8080", client.WithToken(token))
//	eid, err := c.StartExecution(ctx, client.StartRequest{
//	    DefinitionName: "customer_support_triage",
//	    Input:          map[string]any{"ticket_id": "T-1"},
//	})
//
//	pool := worker.NewPool(c, registry, logger)
//
// Error replies are decoded into *orchestra.RemoteError, which matches the
// server-side sentinel through errors.Is.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/gateway"
	"github.com/xraph/orchestra/id"
)

// Client talks to the HTTP API of an orchestra server.
type Client struct {
	base     string
	basePath string
	token    string
	http     *http.Client
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBasePath sets the route prefix the server mounts its API under. It
// defaults to /v1 and must match the server's api.WithBasePath.
func WithBasePath(p string) Option {
	return func(c *Client) { c.basePath = p }
}

// New creates a client for the server at baseURL (without the route
// prefix).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		basePath: "/v1",
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	prefix := strings.TrimRight(strings.TrimSpace(c.basePath), "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	c.base = strings.TrimRight(baseURL, "/") + prefix
	return c
}

// StartRequest starts an execution remotely.
type StartRequest struct {
	DefinitionName string            `json:"definitionName"`
	Version        int               `json:"version,omitempty"`
	Input          any               `json:"inputPayload"`
	Priority       int               `json:"priority,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	TaskToDomain   map[string]string `json:"taskToDomain,omitempty"`
}

// StartExecution starts an execution and returns its ID.
func (c *Client) StartExecution(ctx context.Context, req StartRequest) (id.ExecutionID, error) {
	var resp struct {
		ExecutionID id.ExecutionID `json:"executionId"`
	}
	err := c.do(ctx, http.MethodPost, "/executions", nil, req, &resp)
	return resp.ExecutionID, err
}

// GetExecution returns the full execution record.
func (c *Client) GetExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	var e execution.Execution
	if err := c.do(ctx, http.MethodGet, "/executions/"+execID.String(), nil, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExecutions lists executions matching opts.
func (c *Client) ListExecutions(ctx context.Context, opts execution.ListOpts) ([]*execution.Execution, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.DefinitionName != "" {
		q.Set("definition", opts.DefinitionName)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	var list []*execution.Execution
	err := c.do(ctx, http.MethodGet, "/executions", q, nil, &list)
	return list, err
}

// Terminate stops a running execution.
func (c *Client) Terminate(ctx context.Context, execID id.ExecutionID, reason string) (*execution.Execution, error) {
	var e execution.Execution
	body := struct {
		Reason string `json:"reason,omitempty"`
	}{reason}
	if err := c.do(ctx, http.MethodPost, "/executions/"+execID.String()+"/terminate", nil, body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// RegisterDefinition registers a definition version.
func (c *Client) RegisterDefinition(ctx context.Context, d *definition.Definition) error {
	return c.do(ctx, http.MethodPost, "/definitions", nil, d, nil)
}

// GetDefinition returns a definition version, or the latest for version 0.
func (c *Client) GetDefinition(ctx context.Context, name string, version int) (*definition.Definition, error) {
	q := url.Values{}
	if version > 0 {
		q.Set("version", strconv.Itoa(version))
	}
	var d definition.Definition
	if err := c.do(ctx, http.MethodGet, "/definitions/"+url.PathEscape(name), q, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Poll leases tasks from the remote gateway.
func (c *Client) Poll(ctx context.Context, req gateway.PollRequest) ([]*gateway.Task, error) {
	q := url.Values{}
	q.Set("type", req.TaskType)
	if req.Domain != "" {
		q.Set("domain", req.Domain)
	}
	if req.Count > 0 {
		q.Set("count", strconv.Itoa(req.Count))
	}
	if req.LeaseDuration > 0 {
		q.Set("leaseMs", strconv.FormatInt(req.LeaseDuration.Milliseconds(), 10))
	}
	if req.WorkerID != "" {
		q.Set("workerId", req.WorkerID)
	}
	var tasks []*gateway.Task
	err := c.do(ctx, http.MethodGet, "/tasks/poll", q, nil, &tasks)
	return tasks, err
}

// Report sends a task result. A rejected output comes back as
// *orchestra.InvalidOutputError.
func (c *Client) Report(ctx context.Context, res gateway.Result) error {
	body := struct {
		TaskID string `json:"taskId"`
		Status string `json:"status"`
		Output any    `json:"output,omitempty"`
		Error  string `json:"error,omitempty"`
	}{res.TaskID, string(res.Status), res.Output, res.Error}

	err := c.do(ctx, http.MethodPost, taskPath(res.ExecutionID, res.TaskRef, res.Attempt), nil, body, nil)
	if re, ok := err.(*orchestra.RemoteError); ok && re.Code == orchestra.CodeInvalidOutput {
		return &orchestra.InvalidOutputError{TaskRef: res.TaskRef, Reason: re.Message}
	}
	return err
}

// Heartbeat extends a lease and returns the new expiry.
func (c *Client) Heartbeat(ctx context.Context, req gateway.HeartbeatRequest) (time.Time, error) {
	body := struct {
		TaskID   string `json:"taskId"`
		ExtendMs int64  `json:"extendMs,omitempty"`
	}{req.TaskID, req.Extension.Milliseconds()}
	var resp struct {
		LeaseExpiry time.Time `json:"leaseExpiry"`
	}
	err := c.do(ctx, http.MethodPost, taskPath(req.ExecutionID, req.TaskRef, req.Attempt)+"/heartbeat", nil, body, &resp)
	return resp.LeaseExpiry, err
}

func taskPath(execID id.ExecutionID, ref string, attempt int) string {
	return fmt.Sprintf("/tasks/%s/%s/%d", execID, url.PathEscape(ref), attempt)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("orchestra/client: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("orchestra/client: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("orchestra/client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("orchestra request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("orchestra/client: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	re := &orchestra.RemoteError{Status: resp.StatusCode, Code: orchestra.CodeInternal}
	if json.Unmarshal(raw, &body) == nil && body.Code != "" {
		re.Code = body.Code
		re.Message = body.Error
	}
	if re.Message == "" {
		re.Message = fmt.Sprintf("orchestra/client: %s", resp.Status)
	}
	return re
}
