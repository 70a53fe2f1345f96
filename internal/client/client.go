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
	"os"
	"strings"
	"time"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/pipeline"
)

const defaultBaseURL = "http://localhost:8080/v0"

// Client is a lightweight client for the refresh API.
type Client struct {
	BaseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; event streams stay open for the whole run.
	streamClient *http.Client
	token        string
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Detail     string
	// JobID is set when the server refused to start a duplicate job.
	JobID string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unexpected status: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("unexpected status: %d %s, %s", e.StatusCode, http.StatusText(e.StatusCode), e.Detail)
}

// IsConflict reports whether err is a 409 response.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// StartRequest is the body of a job start.
type StartRequest struct {
	OrganizationID string `json:"organizationId"`
	LocationID     string `json:"locationId"`
	JobType        string `json:"jobType"`
	DryRun         bool   `json:"dryRun,omitempty"`
	AllowDuplicate bool   `json:"allowDuplicate,omitempty"`
}

// Started is returned by a non-streaming start.
type Started struct {
	JobID       jobs.JobID      `json:"jobId"`
	JobType     string          `json:"jobType"`
	Steps       []jobs.StepSpec `json:"steps"`
	RedirectURL string          `json:"redirectUrl"`
}

// JobView is a job with its derived progress.
type JobView struct {
	Job      *jobs.Job `json:"job"`
	Progress int       `json:"progress"`
}

type jobList struct {
	Jobs  []JobView `json:"jobs"`
	Count int       `json:"count"`
}

// ListOptions narrows job listings.
type ListOptions struct {
	LocationID string
	JobType    string
	// Within is the trailing window for recent jobs. Zero uses the server default.
	Within time.Duration
}

// NewClientFromEnv constructs a client from IBCTL_API_BASE_URL and IBCTL_API_TOKEN.
func NewClientFromEnv() *Client {
	return NewClient(os.Getenv("IBCTL_API_BASE_URL"), os.Getenv("IBCTL_API_TOKEN"))
}

// NewClient constructs a client with explicit baseURL and token
func NewClient(baseURL, token string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		BaseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		streamClient: &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, pathWithQuery string, body io.Reader) (*http.Request, error) {
	fullURL := strings.TrimRight(c.BaseURL, "/") + pathWithQuery
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	if out != nil {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) doJSONRequest(ctx context.Context, method, pathWithQuery string, in, out any) error {
	var body io.Reader
	if in != nil {
		inBytes, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %T: %w", in, err)
		}
		body = bytes.NewReader(inBytes)
	}
	req, err := c.newRequest(ctx, method, pathWithQuery, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doJSON(req, out)
}

// problem covers both the huma error model and the streaming handlers' body.
type problem struct {
	Detail string `json:"detail"`
	JobID  string `json:"jobId"`
	Errors []struct {
		Location string `json:"location"`
		Value    any    `json:"value"`
	} `json:"errors"`
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// read up to 4KB of body for error message
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var p problem
	if json.Unmarshal(raw, &p) == nil {
		apiErr.Detail = p.Detail
		apiErr.JobID = p.JobID
		for _, e := range p.Errors {
			if s, ok := e.Value.(string); ok && e.Location == "jobId" {
				apiErr.JobID = s
			}
		}
	} else {
		apiErr.Detail = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// Ping checks connectivity to the API
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSONRequest(ctx, http.MethodGet, "/ping", nil, nil)
}

// ServerVersion describes the build of the server the client talks to.
type ServerVersion struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

// Version returns the server's build information.
func (c *Client) Version(ctx context.Context) (*ServerVersion, error) {
	var out ServerVersion
	if err := c.doJSONRequest(ctx, http.MethodGet, "/version", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob returns one persisted job.
func (c *Client) GetJob(ctx context.Context, id jobs.JobID) (*JobView, error) {
	var out JobView
	if err := c.doJSONRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(string(id)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListActive returns the organization's running jobs.
func (c *Client) ListActive(ctx context.Context, organizationID string, opts ListOptions) ([]JobView, error) {
	return c.list(ctx, organizationID, "active", opts)
}

// ListRecent returns the organization's recently updated jobs.
func (c *Client) ListRecent(ctx context.Context, organizationID string, opts ListOptions) ([]JobView, error) {
	return c.list(ctx, organizationID, "recent", opts)
}

func (c *Client) list(ctx context.Context, organizationID, kind string, opts ListOptions) ([]JobView, error) {
	q := url.Values{}
	if opts.LocationID != "" {
		q.Set("locationId", opts.LocationID)
	}
	if opts.JobType != "" {
		q.Set("jobType", opts.JobType)
	}
	if kind == "recent" && opts.Within > 0 {
		q.Set("within", opts.Within.String())
	}
	path := "/organizations/" + url.PathEscape(organizationID) + "/jobs/" + kind
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out jobList
	if err := c.doJSONRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// JobTypes lists the job types the server can run.
func (c *Client) JobTypes(ctx context.Context) ([]pipeline.TypeInfo, error) {
	var out struct {
		JobTypes []pipeline.TypeInfo `json:"jobTypes"`
	}
	if err := c.doJSONRequest(ctx, http.MethodGet, "/job-types", nil, &out); err != nil {
		return nil, err
	}
	return out.JobTypes, nil
}

// StartJob starts a job without streaming its events.
func (c *Client) StartJob(ctx context.Context, req StartRequest) (*Started, error) {
	var out Started
	if err := c.doJSONRequest(ctx, http.MethodPost, "/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJob asks the server to cancel a running job.
func (c *Client) CancelJob(ctx context.Context, id jobs.JobID) error {
	return c.doJSONRequest(ctx, http.MethodPost, "/jobs/"+url.PathEscape(string(id))+"/cancel", nil, nil)
}

// OpenStartStream starts a job and returns its event stream.
func (c *Client) OpenStartStream(ctx context.Context, req StartRequest) (*EventReader, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal start request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/jobs/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.openStream(httpReq)
}

// OpenResumeStream attaches to an existing job's event stream.
func (c *Client) OpenResumeStream(ctx context.Context, id jobs.JobID) (*EventReader, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(string(id))+"/stream", nil)
	if err != nil {
		return nil, err
	}
	return c.openStream(req)
}

func (c *Client) openStream(req *http.Request) (*EventReader, error) {
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return NewEventReader(resp.Body), nil
}
