// Package civicnotice is a Go client for the CivicNotice REST API.
package civicnotice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// A synchronous generation performs two model calls, so it is generous.
const DefaultHTTPTimeout = 3 * time.Minute

// Client wraps the HTTP interactions with the CivicNotice API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NoticeRequest is the payload describing the notice to generate.
type NoticeRequest struct {
	Title           string  `json:"title"`
	Body            string  `json:"body"`
	Date            string  `json:"date"`
	Location        string  `json:"location"`
	Audience        string  `json:"audience"`
	Category        string  `json:"category"`
	Department      string  `json:"department"`
	ContactOfficer  string  `json:"contact_officer"`
	ContactNumber   string  `json:"contact_number"`
	Email           string  `json:"email"`
	AdditionalNotes *string `json:"additional_notes"`
	Language        string  `json:"language,omitempty"`
}

// NoticeSubmission creates an asynchronous job. ID is optional; reusing an
// ID returns the existing job instead of creating a new one.
type NoticeSubmission struct {
	ID string `json:"id,omitempty"`
	NoticeRequest
}

// JobReceipt is returned when a job has been accepted.
type JobReceipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// NoticeResult holds the texts produced by a successful job.
type NoticeResult struct {
	RunID  string `json:"run_id,omitempty"`
	Model  string `json:"model,omitempty"`
	Draft  string `json:"draft"`
	Notice string `json:"notice"`
}

// NoticeJob is the server-side view of an asynchronous job.
type NoticeJob struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	Attempts   int           `json:"attempts"`
	MaxRetries int           `json:"max_retries"`
	Request    NoticeRequest `json:"request"`
	Result     *NoticeResult `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  string        `json:"error_code,omitempty"`
	Finished   bool          `json:"finished"`
	CreatedAt  int64         `json:"created_at"`
	UpdatedAt  int64         `json:"updated_at"`
}

// NoticeError reports a generation that was accepted but failed inside the
// pipeline. The server answers such requests with HTTP 200.
type NoticeError struct {
	Message string
}

func (e *NoticeError) Error() string {
	return "civicnotice generation failed: " + e.Message
}

// APIError represents a non-2xx response such as a validation failure.
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
		return fmt.Sprintf("civicnotice api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("civicnotice api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the API rooted at rawURL. When
// httpClient is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// GenerateNotice runs the synchronous pipeline and returns the final text.
// Pipeline failures are returned as *NoticeError, HTTP failures as *APIError.
func (c *Client) GenerateNotice(ctx context.Context, req NoticeRequest) (string, error) {
	var resp struct {
		Message string  `json:"message"`
		Error   *string `json:"error"`
	}
	if err := c.post(ctx, "/generate_notice", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", &NoticeError{Message: *resp.Error}
	}
	return resp.Message, nil
}

// SubmitNotice creates an asynchronous job.
func (c *Client) SubmitNotice(ctx context.Context, submission NoticeSubmission) (JobReceipt, error) {
	var receipt JobReceipt
	if err := c.post(ctx, "/api/v1/notices", submission, &receipt); err != nil {
		return JobReceipt{}, err
	}
	return receipt, nil
}

// GetNotice fetches a job by identifier.
func (c *Client) GetNotice(ctx context.Context, id string) (NoticeJob, error) {
	var job NoticeJob
	if err := c.get(ctx, "/api/v1/notices/"+url.PathEscape(id), &job); err != nil {
		return NoticeJob{}, err
	}
	return job, nil
}

// WaitForNotice polls a job until it is finished or ctx is done.
func (c *Client) WaitForNotice(ctx context.Context, id string, interval time.Duration) (NoticeJob, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetNotice(ctx, id)
		if err != nil {
			return NoticeJob{}, err
		}
		if job.Finished {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
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

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeAPIError understands both error shapes the server emits: the job API
// wraps {code, message} under "error", while /generate_notice puts a plain
// string there.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && len(envelope.Error) > 0 {
		var text string
		if json.Unmarshal(envelope.Error, &text) == nil {
			apiErr.Message = text
		} else {
			_ = json.Unmarshal(envelope.Error, apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
