// Package chainprobe is a Go client for the ChainProbe REST API.
package chainprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Run status values reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the ChainProbe API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Submission is the payload for creating an audit run.
type Submission struct {
	ID        string `json:"id,omitempty"`
	Target    string `json:"target"`
	Chain     string `json:"chain,omitempty"`
	Objective string `json:"objective,omitempty"`
}

// Result is the outcome attached to a finished run.
type Result struct {
	Status  string `json:"status"`
	Report  string `json:"report,omitempty"`
	Steps   int    `json:"steps"`
	Partial bool   `json:"partial,omitempty"`
}

// Run describes a queued audit run.
type Run struct {
	ID         string  `json:"id"`
	Target     string  `json:"target"`
	Chain      string  `json:"chain,omitempty"`
	Objective  string  `json:"objective,omitempty"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Result     *Result `json:"result,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Done reports whether the run reached a final state on the server.
func (r Run) Done() bool {
	return r.Status == StatusSucceeded || (r.Status == StatusFailed && r.Attempts >= r.MaxRetries)
}

// Stats aggregates run counts by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Report is the final report saved for a run.
type Report struct {
	RunID     string    `json:"run_id"`
	Target    string    `json:"target"`
	Status    string    `json:"status"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one entry of a run transcript.
type Message struct {
	Role       string          `json:"role"`
	Author     string          `json:"author,omitempty"`
	Content    string          `json:"content"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Transcript is the checkpointed conversation of a run.
type Transcript struct {
	RunID    string    `json:"run_id"`
	Target   string    `json:"target"`
	Status   string    `json:"status"`
	Next     string    `json:"next"`
	Steps    int       `json:"steps"`
	Error    string    `json:"error,omitempty"`
	Messages []Message `json:"messages"`
}

// ListOptions filters ListRuns.
type ListOptions struct {
	Status []string
	Chain  string
	// Target matches the audited contract address, case-insensitively.
	Target string
	Limit  int
	Offset int
	Query  string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainprobe api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainprobe api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainProbe API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimSpace(token)
}

// SubmitRun queues a new audit run. Resubmitting an existing ID returns that run.
func (c *Client) SubmitRun(ctx context.Context, submission Submission) (Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", nil, submission, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// GetRun fetches a run by ID.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns lists runs matching opts.
func (c *Client) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	query := url.Values{}
	if len(opts.Status) > 0 {
		query.Set("status", strings.Join(opts.Status, ","))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Chain != "" {
		query.Set("chain", opts.Chain)
	}
	if opts.Target != "" {
		query.Set("target", opts.Target)
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	var resp struct {
		Runs []Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// Stats returns aggregated run counts.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/stats", nil, nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// GetReport fetches the final report of a run.
func (c *Client) GetReport(ctx context.Context, runID string) (Report, error) {
	var rep Report
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID)+"/report", nil, nil, &rep); err != nil {
		return Report{}, err
	}
	return rep, nil
}

// GetTranscript fetches the checkpointed conversation of a run.
func (c *Client) GetTranscript(ctx context.Context, runID string) (Transcript, error) {
	var tr Transcript
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID)+"/transcript", nil, nil, &tr); err != nil {
		return Transcript{}, err
	}
	return tr, nil
}

// WaitRun polls until the run is done or ctx ends.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if run.Done() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
