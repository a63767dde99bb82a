// Package chainforge is a small client for the ChainForge workflow API.
package chainforge

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
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ChainForge REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// RunOptions mirrors the per-run switches accepted by the server.
type RunOptions struct {
	AllowHighSeverity bool              `json:"allow_high_severity,omitempty"`
	SkipDeployment    bool              `json:"skip_deployment,omitempty"`
	SkipVerification  bool              `json:"skip_verification,omitempty"`
	ConstructorArgs   []any             `json:"constructor_args,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Submission is the payload required to queue a new workflow. WorkflowID is
// optional; resubmitting an existing ID returns the original job.
type Submission struct {
	WorkflowID string     `json:"workflow_id,omitempty"`
	Prompt     string     `json:"prompt"`
	Network    string     `json:"network,omitempty"`
	Options    RunOptions `json:"options"`
}

// Outcome summarizes a finished workflow.
type Outcome struct {
	WorkflowStatus  string   `json:"workflow_status"`
	ExitCode        int      `json:"exit_code"`
	DiagnosticsPath string   `json:"diagnostics_path,omitempty"`
	ContractAddress string   `json:"contract_address,omitempty"`
	Suggestions     []string `json:"suggestions,omitempty"`
}

// Job is the queue-level view of a workflow.
type Job struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Attempts    int      `json:"attempts"`
	MaxAttempts int      `json:"max_attempts"`
	LastError   string   `json:"last_error,omitempty"`
	ErrorCode   string   `json:"error_code,omitempty"`
	Outcome     *Outcome `json:"outcome,omitempty"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

// Done reports whether the job reached a final state.
func (j Job) Done() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// Stage is the summary of one pipeline stage.
type Stage struct {
	Stage     string        `json:"stage"`
	Status    string        `json:"status"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
	ErrorType string        `json:"error_type,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Workflow combines the job record with the persisted workflow context.
type Workflow struct {
	Job     *Job            `json:"job,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	Stages  []Stage         `json:"stages,omitempty"`
}

// Stats counts jobs by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ListOptions filters List results.
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []string
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
		return fmt.Sprintf("chainforge api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainforge api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainForge API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Submit queues a workflow and returns the created job.
func (c *Client) Submit(ctx context.Context, submission Submission) (Job, error) {
	var job Job
	if err := c.post(ctx, "/api/v1/workflows", submission, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Get fetches a workflow by identifier.
func (c *Client) Get(ctx context.Context, id string) (Workflow, error) {
	var wf Workflow
	if err := c.get(ctx, "/api/v1/workflows/"+url.PathEscape(id), nil, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// Diagnostics returns the raw diagnostic bundle of a workflow.
func (c *Client) Diagnostics(ctx context.Context, id string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/api/v1/workflows/"+url.PathEscape(id)+"/diagnostics", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// List returns jobs ordered by most recent update.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]Job, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	var list []Job
	if err := c.get(ctx, "/api/v1/workflows", query, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Stats returns job counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Wait polls the job until it finishes or ctx is done.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		wf, err := c.Get(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if wf.Job != nil && wf.Job.Done() {
			return *wf.Job, nil
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
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
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
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
