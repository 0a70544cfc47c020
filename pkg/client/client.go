// Package client is the REST client for the processes API, used by the CLI
// and by workflow step dispatch to downstream executors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Client talks to one processes endpoint
type Client struct {
	base  string
	http  *http.Client
	token string
}

// Option configures the client
type Option func(*Client)

// WithToken sets a bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the given base URL.
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ProcessSummary is one entry of a process listing
type ProcessSummary struct {
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// ProcessList is the /processes response
type ProcessList struct {
	Processes []ProcessSummary `json:"processes"`
	Links     []Link           `json:"links,omitempty"`
}

// ProcessDescription is the full process description
type ProcessDescription struct {
	ProcessSummary
	Inputs  map[string]json.RawMessage `json:"inputs,omitempty"`
	Outputs map[string]json.RawMessage `json:"outputs,omitempty"`
}

// Link is an OGC API link object
type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel,omitempty"`
	Type string `json:"type,omitempty"`
}

// StatusInfo is the job status document
type StatusInfo struct {
	JobID     string     `json:"jobID"`
	ProcessID string     `json:"processID,omitempty"`
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	Progress  int        `json:"progress,omitempty"`
	Created   time.Time  `json:"created,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Links     []Link     `json:"links,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (s *StatusInfo) Terminal() bool {
	return types.JobStatus(s.Status).Terminal()
}

// JobList is the /jobs response
type JobList struct {
	Jobs  []StatusInfo `json:"jobs"`
	Links []Link       `json:"links,omitempty"`
}

// Execution is an execute request body
type Execution struct {
	Inputs   map[string]any            `json:"inputs,omitempty"`
	Outputs  map[string]map[string]any `json:"outputs,omitempty"`
	Response string                    `json:"response,omitempty"`
}

// LogList is the job log response
type LogList struct {
	Logs []types.LogEntry `json:"logs"`
}

// ListProcesses fetches the deployed process list.
func (c *Client) ListProcesses(ctx context.Context) (*ProcessList, error) {
	var out ProcessList
	if err := c.do(ctx, http.MethodGet, "/processes", nil, "", &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// DescribeProcess fetches one process description.
func (c *Client) DescribeProcess(ctx context.Context, id string) (*ProcessDescription, error) {
	var out ProcessDescription
	if err := c.do(ctx, http.MethodGet, "/processes/"+url.PathEscape(id), nil, "", &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deploy registers an application package. The body is the raw CWL document.
func (c *Client) Deploy(ctx context.Context, pkg []byte, contentType string) (string, error) {
	var headers http.Header
	err := c.do(ctx, http.MethodPost, "/processes", bytes.NewReader(pkg), contentType, nil, &headers)
	if err != nil {
		return "", err
	}
	return headers.Get("Location"), nil
}

// Undeploy removes a deployed process.
func (c *Client) Undeploy(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/processes/"+url.PathEscape(id), nil, "", nil, nil)
}

// Execute submits an execution request. async selects the Prefer header;
// the returned StatusInfo carries the job id for polling.
func (c *Client) Execute(ctx context.Context, processID string, req Execution, async bool) (*StatusInfo, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "failed to encode execute request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/processes/"+url.PathEscape(processID)+"/execution", bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if async {
		httpReq.Header.Set("Prefer", "respond-async")
	}
	c.auth(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "execute request failed")
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var status StatusInfo
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fault.Wrap(fault.KindRemoteExecutor, err, "failed to decode status")
	}
	if status.JobID == "" {
		// Fall back to the Location header for servers that return bare
		// result documents
		if loc := resp.Header.Get("Location"); loc != "" {
			status.JobID = loc[strings.LastIndex(loc, "/")+1:]
		}
	}
	return &status, nil
}

// JobStatus polls one job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*StatusInfo, error) {
	var out StatusInfo
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, "", &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJobs fetches the job list.
func (c *Client) ListJobs(ctx context.Context) (*JobList, error) {
	var out JobList
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, "", &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Results fetches the results document of a finished job.
func (c *Client) Results(ctx context.Context, jobID string) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/results", nil, "", &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// Logs fetches the job log.
func (c *Client) Logs(ctx context.Context, jobID string) ([]types.LogEntry, error) {
	var out LogList
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/logs", nil, "", &out, nil); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// Dismiss cancels a job.
func (c *Client) Dismiss(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobID), nil, "", nil, nil)
}

// Poll waits for the job to reach a terminal state, polling at the given
// interval.
func (c *Client) Poll(ctx context.Context, jobID string, interval time.Duration) (*StatusInfo, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.JobStatus(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if status.Terminal() {
			return status, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindCancelled, ctx.Err(), "polling cancelled")
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any, headers *http.Header) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "failed to build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindRemoteExecutor, err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if headers != nil {
		*headers = resp.Header
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fault.Wrap(fault.KindRemoteExecutor, err, "failed to decode %s response", path)
		}
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// checkStatus maps HTTP error responses onto fault kinds.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fault.New(fault.KindNotFound, "%s", msg)
	case http.StatusConflict, http.StatusGone:
		return fault.New(fault.KindConflict, "%s", msg)
	case http.StatusForbidden, http.StatusUnauthorized:
		return fault.New(fault.KindPolicy, "%s", msg)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return fault.New(fault.KindValidation, "%s", msg)
	case http.StatusServiceUnavailable:
		return fault.New(fault.KindServiceUnavailable, "%s", msg)
	default:
		return fault.New(fault.KindRemoteExecutor, "server error: %s", msg)
	}
}

// ErrorBody renders a fault for CLI display with its kind prefix.
func ErrorBody(err error) string {
	return fmt.Sprintf("%s: %s", fault.KindOf(err), fault.Summary(err))
}
