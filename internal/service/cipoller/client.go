package cipoller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/veleda/pipetrack/internal/config"
)

const defaultBaseURL = "https://api.github.com"

// maxLogBytes bounds how much of a job log is pulled for analysis.
const maxLogBytes = 1 << 20

// APIError is a non-2xx answer from the CI provider, kept typed so callers
// can classify the failure by status code.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ci api: %s", e.Status)
	}
	return fmt.Sprintf("ci api: %s: %s", e.Status, e.Body)
}

// WorkflowRun is the raw CI API shape for one workflow run.
type WorkflowRun struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	HeadBranch   string    `json:"head_branch"`
	HeadSHA      string    `json:"head_sha"`
	Event        string    `json:"event"`
	Status       string    `json:"status"`
	Conclusion   string    `json:"conclusion"`
	RunNumber    int       `json:"run_number"`
	HTMLURL      string    `json:"html_url"`
	CreatedAt    time.Time `json:"created_at"`
	RunStartedAt time.Time `json:"run_started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// QueueTime is how long the run waited for a runner.
func (r *WorkflowRun) QueueTime() time.Duration {
	if r.RunStartedAt.IsZero() || r.CreatedAt.IsZero() {
		return 0
	}
	if d := r.RunStartedAt.Sub(r.CreatedAt); d > 0 {
		return d
	}
	return 0
}

// Duration is the run's wall time so far.
func (r *WorkflowRun) Duration() time.Duration {
	start := r.RunStartedAt
	if start.IsZero() {
		start = r.CreatedAt
	}
	if start.IsZero() || r.UpdatedAt.IsZero() {
		return 0
	}
	if d := r.UpdatedAt.Sub(start); d > 0 {
		return d
	}
	return 0
}

// WorkflowStep is one step inside a job.
type WorkflowStep struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Number     int    `json:"number"`
}

// WorkflowJob is the raw CI API shape for one job within a run.
type WorkflowJob struct {
	ID          int64          `json:"id"`
	RunID       int64          `json:"run_id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Conclusion  string         `json:"conclusion"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Steps       []WorkflowStep `json:"steps"`
}

// Duration is the job's wall time, zero while it is still running.
func (j *WorkflowJob) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0
	}
	if d := j.CompletedAt.Sub(j.StartedAt); d > 0 {
		return d
	}
	return 0
}

// Client talks to a GitHub-Actions-compatible CI API. Reads retry briefly on
// transient failures; writes do not.
type Client struct {
	baseURL string
	token   string
	owner   string
	repo    string
	http    *http.Client
	log     *slog.Logger
}

// NewClient returns a CI API client for the configured repository.
func NewClient(cfg config.CIConfig, log *slog.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// ListWorkflowRuns returns recent runs for the branch, newest first.
func (c *Client) ListWorkflowRuns(ctx context.Context, branch string, perPage int) ([]WorkflowRun, error) {
	if perPage <= 0 {
		perPage = 20
	}
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs?per_page=%d", c.baseURL, c.owner, c.repo, perPage)
	if branch != "" {
		url += "&branch=" + branch
	}
	var result struct {
		TotalCount   int           `json:"total_count"`
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	if err := c.getJSON(ctx, url, &result); err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	return result.WorkflowRuns, nil
}

// GetWorkflowRun fetches one run by its CI identifier.
func (c *Client) GetWorkflowRun(ctx context.Context, id int64) (*WorkflowRun, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d", c.baseURL, c.owner, c.repo, id)
	var run WorkflowRun
	if err := c.getJSON(ctx, url, &run); err != nil {
		return nil, fmt.Errorf("get workflow run %d: %w", id, err)
	}
	return &run, nil
}

// ListWorkflowJobs returns all jobs of a run.
func (c *Client) ListWorkflowJobs(ctx context.Context, runID int64) ([]WorkflowJob, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/jobs?per_page=100", c.baseURL, c.owner, c.repo, runID)
	var result struct {
		TotalCount int           `json:"total_count"`
		Jobs       []WorkflowJob `json:"jobs"`
	}
	if err := c.getJSON(ctx, url, &result); err != nil {
		return nil, fmt.Errorf("list workflow jobs: %w", err)
	}
	return result.Jobs, nil
}

// JobLogs downloads a job's log text, capped at maxLogBytes.
func (c *Client) JobLogs(ctx context.Context, jobID int64) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/jobs/%d/logs", c.baseURL, c.owner, c.repo, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download job logs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download job logs: %w", newAPIError(resp))
	}
	text, err := io.ReadAll(io.LimitReader(resp.Body, maxLogBytes))
	if err != nil {
		return "", fmt.Errorf("read job logs: %w", err)
	}
	return string(text), nil
}

// DispatchWorkflow asks the CI to start the named workflow on ref. The API
// answers 204 with no body.
func (c *Client) DispatchWorkflow(ctx context.Context, workflow, ref string, inputs map[string]any) error {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches", c.baseURL, c.owner, c.repo, workflow)
	payload := map[string]any{"ref": ref}
	if len(inputs) > 0 {
		payload["inputs"] = inputs
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch workflow: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("dispatch workflow: %w", newAPIError(resp))
	}
	return nil
}

func newAPIError(resp *http.Response) *APIError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(snippet)),
	}
}

// getJSON performs an authenticated GET, retrying transient failures with a
// short exponential backoff.
func (c *Client) getJSON(ctx context.Context, url string, target any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setHeaders(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
			return nil
		}

		apiErr := newAPIError(resp)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 20 * time.Second
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}
