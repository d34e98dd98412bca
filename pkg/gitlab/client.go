// Package gitlab wraps the remote GitLab REST API behind a capability
// interface so the sync and epic components can be tested against fakes.
package gitlab

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

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
)

// ListOptions controls pagination for listing endpoints.
type ListOptions struct {
	Page    int
	PerPage int
}

// Gateway is the capability surface of a remote GitLab server.
type Gateway interface {
	TestConnection(ctx context.Context) error

	GetProjects(ctx context.Context, opts ListOptions) ([]Project, error)
	GetProject(ctx context.Context, id int64) (*Project, error)

	GetUsers(ctx context.Context, opts ListOptions) ([]User, error)
	GetUser(ctx context.Context, id int64) (*User, error)

	GetIssues(ctx context.Context, projectID int64, opts ListOptions) ([]Issue, error)
	GetIssue(ctx context.Context, projectID, iid int64) (*Issue, error)

	GetMergeRequests(ctx context.Context, projectID int64, opts ListOptions) ([]MergeRequest, error)
	GetMergeRequest(ctx context.Context, projectID, iid int64) (*MergeRequest, error)

	GetGroups(ctx context.Context, opts ListOptions) ([]Group, error)
	GetGroup(ctx context.Context, id int64) (*Group, error)

	GetEpic(ctx context.Context, groupID, epicIID int64) (*Epic, error)
	CreateEpic(ctx context.Context, groupID int64, req *EpicRequest) (*Epic, error)
	UpdateEpic(ctx context.Context, groupID, epicIID int64, req *EpicRequest) (*Epic, error)
	DeleteEpic(ctx context.Context, groupID, epicIID int64) error
}

// Compile-time interface check.
var _ Gateway = (*client)(nil)

// Options configures a Gateway client.
type Options struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	Retries           int
	RequestsPerMinute int
	PerPage           int
}

type client struct {
	log     logrus.FieldLogger
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	retries int
	perPage int
}

const defaultPerPage = 50

// New creates a Gateway talking to one GitLab server.
func New(log logrus.FieldLogger, opts Options) Gateway {
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}

	rps := rate.Limit(float64(opts.RequestsPerMinute) / 60.0)
	if opts.RequestsPerMinute <= 0 {
		rps = rate.Inf
	}

	return &client{
		log:     log.WithField("component", "gitlab"),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rps, maxInt(1, opts.RequestsPerMinute)),
		retries: opts.Retries,
		perPage: perPage,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}

// do performs one API call with rate limiting and bounded retries on
// transient failures. out may be nil for calls without a response body.
func (c *client) do(
	ctx context.Context,
	method, path string,
	query url.Values,
	body, out any,
) error {
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			// Exponential backoff between retry attempts.
			delay := time.Duration(1<<(attempt-1)) * time.Second

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return apperrors.Timeout(ctx.Err(), "request cancelled")
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.Timeout(err, "rate limiter wait")
		}

		lastErr = c.doOnce(ctx, method, path, query, body, out)
		if lastErr == nil || !apperrors.Retryable(lastErr) {
			return lastErr
		}

		c.log.WithError(lastErr).
			WithField("attempt", attempt+1).
			WithField("path", path).
			Debug("Retrying GitLab API call")
	}

	return lastErr
}

func (c *client) doOnce(
	ctx context.Context,
	method, path string,
	query url.Values,
	body, out any,
) error {
	u := c.baseURL + "/api/v4" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}

		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("PRIVATE-TOKEN", c.token)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) ||
			isTimeout(err) {
			return apperrors.Timeout(err, "calling %s %s", method, path)
		}

		return apperrors.Connection(err, "calling %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.statusError(resp, method, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Connection(err, "decoding %s %s response", method, path)
		}
	}

	return nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }

	return errors.As(err, &ne) && ne.Timeout()
}

// statusError converts an HTTP error status into the domain taxonomy.
func (c *client) statusError(resp *http.Response, method, path string) error {
	// Bounded read: GitLab error bodies are small JSON documents.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.AuthenticationFailed(
			"%s %s: status %d", method, path, resp.StatusCode)
	case http.StatusNotFound:
		return apperrors.NotFound("%s %s: not found", method, path)
	case http.StatusTooManyRequests:
		return apperrors.RateLimited("%s %s: rate limited", method, path)
	default:
		if resp.StatusCode >= 500 {
			return apperrors.Connection(nil,
				"%s %s: status %d: %s", method, path, resp.StatusCode,
				strings.TrimSpace(string(snippet)))
		}

		return apperrors.Validation(
			"%s %s: status %d: %s", method, path, resp.StatusCode,
			strings.TrimSpace(string(snippet)))
	}
}

func (c *client) listQuery(opts ListOptions) url.Values {
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = c.perPage
	}

	page := opts.Page
	if page <= 0 {
		page = 1
	}

	q := url.Values{}
	q.Set("page", fmt.Sprintf("%d", page))
	q.Set("per_page", fmt.Sprintf("%d", perPage))

	return q
}

// TestConnection verifies the base URL and token by fetching the
// API version endpoint.
func (c *client) TestConnection(ctx context.Context) error {
	var version struct {
		Version string `json:"version"`
	}

	if err := c.do(ctx, http.MethodGet, "/version", nil, nil, &version); err != nil {
		return err
	}

	c.log.WithField("version", version.Version).
		Debug("GitLab connection verified")

	return nil
}

func (c *client) GetProjects(
	ctx context.Context, opts ListOptions,
) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/projects",
		c.listQuery(opts), nil, &projects); err != nil {
		return nil, err
	}

	return projects, nil
}

func (c *client) GetProject(ctx context.Context, id int64) (*Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/projects/%d", id), nil, nil, &project); err != nil {
		return nil, err
	}

	return &project, nil
}

func (c *client) GetUsers(
	ctx context.Context, opts ListOptions,
) ([]User, error) {
	var users []User
	if err := c.do(ctx, http.MethodGet, "/users",
		c.listQuery(opts), nil, &users); err != nil {
		return nil, err
	}

	return users, nil
}

func (c *client) GetUser(ctx context.Context, id int64) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/users/%d", id), nil, nil, &user); err != nil {
		return nil, err
	}

	return &user, nil
}

func (c *client) GetIssues(
	ctx context.Context, projectID int64, opts ListOptions,
) ([]Issue, error) {
	var issues []Issue
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/projects/%d/issues", projectID),
		c.listQuery(opts), nil, &issues); err != nil {
		return nil, err
	}

	return issues, nil
}

func (c *client) GetIssue(
	ctx context.Context, projectID, iid int64,
) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/projects/%d/issues/%d", projectID, iid),
		nil, nil, &issue); err != nil {
		return nil, err
	}

	return &issue, nil
}

func (c *client) GetMergeRequests(
	ctx context.Context, projectID int64, opts ListOptions,
) ([]MergeRequest, error) {
	var mrs []MergeRequest
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/projects/%d/merge_requests", projectID),
		c.listQuery(opts), nil, &mrs); err != nil {
		return nil, err
	}

	return mrs, nil
}

func (c *client) GetMergeRequest(
	ctx context.Context, projectID, iid int64,
) (*MergeRequest, error) {
	var mr MergeRequest
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/projects/%d/merge_requests/%d", projectID, iid),
		nil, nil, &mr); err != nil {
		return nil, err
	}

	return &mr, nil
}

func (c *client) GetGroups(
	ctx context.Context, opts ListOptions,
) ([]Group, error) {
	var groups []Group
	if err := c.do(ctx, http.MethodGet, "/groups",
		c.listQuery(opts), nil, &groups); err != nil {
		return nil, err
	}

	return groups, nil
}

func (c *client) GetGroup(ctx context.Context, id int64) (*Group, error) {
	var group Group
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/groups/%d", id), nil, nil, &group); err != nil {
		return nil, err
	}

	return &group, nil
}

func (c *client) GetEpic(
	ctx context.Context, groupID, epicIID int64,
) (*Epic, error) {
	var epic Epic
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/groups/%d/epics/%d", groupID, epicIID),
		nil, nil, &epic); err != nil {
		return nil, err
	}

	return &epic, nil
}

func (c *client) CreateEpic(
	ctx context.Context, groupID int64, req *EpicRequest,
) (*Epic, error) {
	var epic Epic
	if err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/groups/%d/epics", groupID),
		nil, req, &epic); err != nil {
		return nil, err
	}

	return &epic, nil
}

func (c *client) UpdateEpic(
	ctx context.Context, groupID, epicIID int64, req *EpicRequest,
) (*Epic, error) {
	var epic Epic
	if err := c.do(ctx, http.MethodPut,
		fmt.Sprintf("/groups/%d/epics/%d", groupID, epicIID),
		nil, req, &epic); err != nil {
		return nil, err
	}

	return &epic, nil
}

func (c *client) DeleteEpic(
	ctx context.Context, groupID, epicIID int64,
) error {
	return c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/groups/%d/epics/%d", groupID, epicIID),
		nil, nil, nil)
}
