// Package client provides a Go client for the jobs HTTP API. It mirrors
// the scheduler surface, so an out-of-process engine can swap between a
// local *bidscore.Scheduler and a remote daemon without code changes.
//
// Usage:
//
//	c := client.New("http://localhost:8080")
//
//	j, ok, err := c.Next(ctx)                 // claim work
//	if ok {
//	    _, err = c.Update(ctx, j.ID, job.Mutation{State: job.StateComplete})
//	}
//
// Errors come back as the same bidscore sentinels the scheduler returns,
// so errors.Is works identically on both sides of the wire.
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

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/id"
	"github.com/nellh/bids-core/job"
)

// Client talks to a jobs API server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client, e.g. to configure
// transport-level timeouts or TLS.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the jobs API rooted at baseURL, e.g.
// "http://localhost:8080". The path prefix the server mounts the routes
// under, if any, belongs in baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit creates a new pending job carrying the given payload.
func (c *Client) Submit(ctx context.Context, payload json.RawMessage) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, "/jobs", payload, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Next claims the next pending job. ok is false when the server has no
// pending work; that is the normal idle result, not an error.
func (c *Client) Next(ctx context.Context) (*job.Job, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/next", nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, transportErr("next", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusNoContent {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, c.responseError("next", resp)
	}

	var j job.Job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return nil, false, fmt.Errorf("bidscore/client: next: decode response: %w", err)
	}
	return &j, true, nil
}

// Get returns the job with the given id.
func (c *Client) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID.String(), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Update applies a mutation to a job and returns the updated record.
// An empty mutation is a heartbeat, exactly as with the local scheduler.
func (c *Client) Update(ctx context.Context, jobID id.JobID, mut job.Mutation) (*job.Job, error) {
	body, err := json.Marshal(mut)
	if err != nil {
		return nil, fmt.Errorf("bidscore/client: update: marshal mutation: %w", err)
	}

	var j job.Job
	if err := c.do(ctx, http.MethodPut, "/jobs/"+jobID.String(), body, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// List returns jobs matching the given filters, newest first.
func (c *Client) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if !opts.ModifiedBefore.IsZero() {
		q.Set("modified_before", opts.ModifiedBefore.UTC().Format(time.RFC3339))
	}

	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var jobs []*job.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Count returns the number of jobs matching the given filters.
func (c *Client) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	path := "/jobs/count"
	if opts.State != "" {
		path += "?state=" + url.QueryEscape(string(opts.State))
	}

	var body struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return 0, err
	}
	return body.Count, nil
}

// ── request plumbing ─────────────────────────────────────────────────

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("bidscore/client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do issues a request and decodes a 2xx JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	op := strings.ToLower(method) + " " + path

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(op, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.responseError(op, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bidscore/client: %s: decode response: %w", op, err)
	}
	return nil
}

// responseError turns a non-2xx response back into the error the server
// reported. The body keeps the sentinel text, so the matching sentinel
// is re-wrapped and errors.Is behaves as it would in-process.
func (c *Client) responseError(op string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if readErr == nil {
		_ = json.Unmarshal(raw, &body) //nolint:errcheck // fall through to status-based mapping
	}

	if s := sentinelIn(body.Error); s != nil {
		if body.Error == s.Error() {
			return s
		}
		return fmt.Errorf("%w%s", s, strings.TrimPrefix(body.Error, s.Error()))
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("bidscore/client: %s: %w", op, bidscore.ErrStoreUnavailable)
	}
	if body.Error != "" {
		return fmt.Errorf("bidscore/client: %s: status %d: %s", op, resp.StatusCode, body.Error)
	}
	return fmt.Errorf("bidscore/client: %s: unexpected status %d", op, resp.StatusCode)
}

// sentinels the server may report, most specific first.
var sentinels = []error{
	bidscore.ErrJobNotFound,
	bidscore.ErrJobExists,
	bidscore.ErrUpdateConflict,
	bidscore.ErrJobNotMutable,
	bidscore.ErrInvalidTransition,
	bidscore.ErrStoreUnavailable,
}

// sentinelIn returns the sentinel whose text the message carries, or nil.
func sentinelIn(msg string) error {
	for _, s := range sentinels {
		if strings.Contains(msg, s.Error()) {
			return s
		}
	}
	return nil
}

// transportErr classifies a failed round trip as the scheduler being
// unreachable, the remote analogue of the store being down.
func transportErr(op string, err error) error {
	return fmt.Errorf("bidscore/client: %s: %w: %w", op, bidscore.ErrStoreUnavailable, err)
}

// drain reads the rest of a response body so the connection can be
// reused, then closes it.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16)) //nolint:errcheck // best effort
	_ = body.Close()
}
