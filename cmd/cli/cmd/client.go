package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"jobagent/internal/auth"
	"jobagent/pkg/api"
	"net/http"
	"net/url"
	"time"
)

// JobClient handles API calls to the orchestrator and to a worker's admin API.
type JobClient struct {
	BaseURL    string
	AdminURL   string
	Token      string
	HTTPClient *http.Client
}

// NewJobClient creates a new client with the given endpoints and token.
func NewJobClient(baseURL, adminURL, token string) *JobClient {
	return &JobClient{
		BaseURL:  baseURL,
		AdminURL: adminURL,
		Token:    token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// SubmitJob sends POST /jobs to create a new job.
func (c *JobClient) SubmitJob(req api.CreateJobRequest) (*api.CreateJobResponse, error) {
	var result api.CreateJobResponse
	if err := c.do(http.MethodPost, c.BaseURL+"/jobs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetJob sends GET /jobs/{id} to retrieve a job.
func (c *JobClient) GetJob(jobID string) (*api.JobResponse, error) {
	var result api.JobResponse
	if err := c.do(http.MethodGet, c.BaseURL+"/jobs/"+url.PathEscape(jobID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListUnreported sends GET /unreported to the worker admin API.
func (c *JobClient) ListUnreported(limit int) ([]api.UnreportedOutcome, error) {
	endpoint := c.AdminURL + "/unreported"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}

	var result []api.UnreportedOutcome
	if err := c.do(http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ReplayUnreported sends POST /unreported/{id}/replay to the worker admin API.
func (c *JobClient) ReplayUnreported(id string) error {
	return c.do(http.MethodPost, c.AdminURL+"/unreported/"+url.PathEscape(id)+"/replay", nil, nil)
}

// DeleteUnreported sends DELETE /unreported/{id} to the worker admin API.
func (c *JobClient) DeleteUnreported(id string) error {
	return c.do(http.MethodDelete, c.AdminURL+"/unreported/"+url.PathEscape(id), nil, nil)
}

func (c *JobClient) do(method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		httpReq.Header.Add("Authorization", auth.BearerHeader(c.Token))
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage prefers the error field of an api.ErrorResponse body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}

// printAPIError renders err the way every command reports request failures.
func printAPIError(printf func(string, ...any), prefix string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		printf("%s (%d): %s\n", prefix, apiErr.StatusCode, apiErr.Message)
		return
	}
	printf("%s: %v\n", prefix, err)
}
