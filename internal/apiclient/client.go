// Package apiclient calls the HTTP API of a running "revisor serve". CLI commands
// use it when the serve process holds the store open.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/revisor/internal/common"
	"github.com/ternarybob/revisor/internal/interfaces"
	"github.com/ternarybob/revisor/internal/models"
	"github.com/ternarybob/revisor/internal/services/workitems"
)

const (
	// DefaultTimeout bounds every request. Real runs return as soon as they start.
	DefaultTimeout = 30 * time.Second

	// PingTimeout bounds the reachability check
	PingTimeout = 2 * time.Second
)

// Client is a client for the revisor HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     arbor.ILogger
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the URL a local client uses to reach the configured server.
// Wildcard listen addresses are reached through localhost.
func BaseURL(config *common.ServerConfig) string {
	host := config.Host
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(config.Port))
}

// BaseURL returns the server URL this client calls
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError is a non-success response from the server
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("revisor API error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// RunResult is the server's answer to a run request. Dry runs carry the report;
// real runs carry the request id of the background run.
type RunResult struct {
	Report    *models.RunReport
	RequestID string
}

// Ping checks that a server answers on the base URL. Any HTTP response counts,
// an unhealthy server still owns the store.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable at %s: %w", c.baseURL, err)
	}
	resp.Body.Close()
	return nil
}

// Run triggers a pipeline run. A failed dry run returns both the report and an error.
func (c *Client) Run(ctx context.Context, name string, opts models.RunOptions) (*RunResult, error) {
	params := url.Values{}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Batch != "" {
		params.Set("batch", opts.Batch)
	}
	if opts.DryRun {
		params.Set("dry_run", "true")
	}
	if opts.Force {
		params.Set("force", "true")
	}

	path := "/api/pipelines/" + url.PathEscape(name) + "/run"
	status, body, err := c.do(ctx, http.MethodPost, path, params, nil)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusAccepted:
		var started struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(body, &started); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &RunResult{RequestID: started.RequestID}, nil
	case http.StatusOK, http.StatusInternalServerError:
		var report models.RunReport
		if err := json.Unmarshal(body, &report); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if report.Pipeline == "" {
			report.Pipeline = name
		}
		if status == http.StatusInternalServerError {
			report.Status = models.RunStatusError
			return &RunResult{Report: &report}, fmt.Errorf("run of %s failed on server: %s", name, report.Error)
		}
		return &RunResult{Report: &report}, nil
	}

	apiErr := newAPIError(status, body, path)
	switch status {
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %w", interfaces.ErrUnknownPipeline, apiErr)
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %w", interfaces.ErrAlreadyRunning, apiErr)
	}
	return nil, apiErr
}

// Enqueue creates work items on the server
func (c *Client) Enqueue(ctx context.Context, requests []workitems.EnqueueRequest) ([]*models.WorkItem, error) {
	var result struct {
		Items []*models.WorkItem `json:"items"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/items", nil, map[string]interface{}{"items": requests}, http.StatusCreated, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// Reset returns matching items to pending on the server
func (c *Client) Reset(ctx context.Context, filter workitems.ResetFilter) (int, error) {
	var result struct {
		Reset int `json:"reset"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/items/reset", nil, filter, http.StatusOK, &result); err != nil {
		return 0, err
	}
	return result.Reset, nil
}

// Purge deletes expired items on the server. days <= 0 uses the server's window.
func (c *Client) Purge(ctx context.Context, pipeline string, days int) (int, error) {
	params := url.Values{}
	if pipeline != "" {
		params.Set("pipeline", pipeline)
	}
	if days > 0 {
		params.Set("days", strconv.Itoa(days))
	}

	var result struct {
		Deleted int `json:"deleted"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/items/purge", params, nil, http.StatusOK, &result); err != nil {
		return 0, err
	}
	return result.Deleted, nil
}

// PipelineStats returns the stats window of a pipeline
func (c *Client) PipelineStats(ctx context.Context, name string, days int) (*models.WindowStats, error) {
	params := url.Values{}
	params.Set("days", strconv.Itoa(days))

	var window models.WindowStats
	if err := c.call(ctx, http.MethodGet, "/api/pipelines/"+url.PathEscape(name)+"/stats", params, nil, http.StatusOK, &window); err != nil {
		return nil, err
	}
	return &window, nil
}

// call performs a request expecting the want status and decodes the body into result.
// Rejections map onto the error kinds the local services return.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, payload interface{}, want int, result interface{}) error {
	status, body, err := c.do(ctx, method, path, params, payload)
	if err != nil {
		return err
	}

	if status != want {
		apiErr := newAPIError(status, body, path)
		switch status {
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %w", workitems.ErrInvalidRequest, apiErr)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", interfaces.ErrNotFound, apiErr)
		}
		return apiErr
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, payload interface{}) (int, []byte, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("method", method).
			Str("url", c.baseURL+path).
			Msg("Revisor API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func newAPIError(status int, body []byte, path string) *APIError {
	message := string(bytes.TrimSpace(body))
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		message = envelope.Error
	}
	return &APIError{
		StatusCode: status,
		Message:    message,
		Endpoint:   path,
	}
}
