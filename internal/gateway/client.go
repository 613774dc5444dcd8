package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"jobagent/internal/auth"
	"jobagent/internal/job"
	"jobagent/pkg/api"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	defaultRequestTimeout = 10 * time.Second
	// pollSlack is added to the server-side poll timeout for the client deadline.
	pollSlack = 10 * time.Second
)

// Client is the HTTP implementation of Gateway.
type Client struct {
	BaseURL    string
	Token      string
	WorkerID   string
	HTTPClient *http.Client

	// RequestTimeout bounds every call except Poll.
	RequestTimeout time.Duration
}

// NewClient creates a client for the orchestrator at baseURL.
func NewClient(baseURL, token, workerID string) *Client {
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Token:          token,
		WorkerID:       workerID,
		HTTPClient:     &http.Client{},
		RequestTimeout: defaultRequestTimeout,
	}
}

var _ Gateway = (*Client)(nil)

// Register sends POST /workers/register.
func (c *Client) Register(ctx context.Context, hostname string, capabilities []string) error {
	req := api.RegisterRequest{
		WorkerID:     c.WorkerID,
		Hostname:     hostname,
		Capabilities: capabilities,
	}
	_, err := c.do(ctx, "register", http.MethodPost, "/workers/register", req, nil, c.RequestTimeout)
	return err
}

// Poll sends POST /jobs/poll. 204 means no job.
func (c *Client) Poll(ctx context.Context, capabilities []string, timeout time.Duration) (*job.Job, error) {
	req := api.PollRequest{
		WorkerID:       c.WorkerID,
		Capabilities:   capabilities,
		TimeoutSeconds: int(timeout.Seconds()),
	}

	var resp api.JobResponse
	status, err := c.do(ctx, "poll", http.MethodPost, "/jobs/poll", req, &resp, timeout+pollSlack)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || resp.ID == "" {
		return nil, ErrNoJob
	}

	return jobFromResponse(resp), nil
}

// Complete sends POST /jobs/{id}/complete.
func (c *Client) Complete(ctx context.Context, jobID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: result of job %s: %v", ErrEncode, jobID, err)
	}
	_, err = c.do(ctx, "complete", http.MethodPost, jobPath(jobID, "complete"), api.CompleteRequest{Result: raw}, nil, c.RequestTimeout)
	return err
}

// Fail sends POST /jobs/{id}/fail.
func (c *Client) Fail(ctx context.Context, jobID string, summary job.ErrorSummary) error {
	req := api.FailRequest{Error: api.ErrorSummary{Kind: string(summary.Kind), Message: summary.Message}}
	_, err := c.do(ctx, "fail", http.MethodPost, jobPath(jobID, "fail"), req, nil, c.RequestTimeout)
	return err
}

// UpdateProgress sends POST /jobs/{id}/progress.
func (c *Client) UpdateProgress(ctx context.Context, jobID string, fraction float64, message string) error {
	req := api.ProgressRequest{Fraction: fraction, Message: message}
	_, err := c.do(ctx, "progress", http.MethodPost, jobPath(jobID, "progress"), req, nil, c.RequestTimeout)
	return err
}

// CreateChildJob sends POST /jobs.
func (c *Client) CreateChildJob(ctx context.Context, spec job.ChildSpec) (string, error) {
	var payload json.RawMessage
	switch p := spec.Payload.(type) {
	case nil:
	case json.RawMessage:
		payload = p
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("%w: child payload: %v", ErrEncode, err)
		}
		payload = raw
	}

	req := api.CreateJobRequest{
		Type:        spec.Type,
		Payload:     payload,
		UserID:      spec.UserID,
		ParentJobID: spec.ParentJobID,
	}

	var resp api.CreateJobResponse
	if _, err := c.do(ctx, "create job", http.MethodPost, "/jobs", req, &resp, c.RequestTimeout); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// GetJob sends GET /jobs/{id}.
func (c *Client) GetJob(ctx context.Context, jobID string) (*api.JobResponse, error) {
	var resp api.JobResponse
	if _, err := c.do(ctx, "get job", http.MethodGet, jobPath(jobID, ""), nil, &resp, c.RequestTimeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any, timeout time.Duration) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrEncode, op, err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.Header.Set("Authorization", auth.BearerHeader(c.Token))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &NetworkError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, &AuthError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return resp.StatusCode, &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(errorMessage(respBody))}
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return resp.StatusCode, &ValidationError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	case resp.StatusCode >= 300:
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: failed to parse response: %w", op, err)
		}
	}

	return resp.StatusCode, nil
}

func jobPath(jobID, action string) string {
	p := "/jobs/" + url.PathEscape(jobID)
	if action != "" {
		p += "/" + action
	}
	return p
}

// errorMessage prefers the structured error field over the raw body.
func errorMessage(body []byte) string {
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	return strings.TrimSpace(string(body))
}

func jobFromResponse(r api.JobResponse) *job.Job {
	j := &job.Job{
		ID:          r.ID,
		Type:        r.Type,
		Payload:     r.Payload,
		Status:      job.StatusClaimed,
		CreatedAt:   r.CreatedAt,
		UserID:      r.UserID,
		ParentJobID: r.ParentJobID,
		Trace:       r.Trace,
	}
	if r.Status != "" {
		j.Status = job.Status(r.Status)
	}
	return j
}
