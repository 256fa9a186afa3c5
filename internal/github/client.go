package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
)

const (
	defaultBaseURL = "https://api.github.com"
	perPage        = 100
	userAgent      = "gcp-landing-zone-portal"
)

// ListOptions filters an issue listing.
//
// When IssueNumbers is set it wins over State/Labels: exactly those issues are
// fetched, and numbers that do not exist are silently omitted rather than
// treated as an error. Callers are expected to have validated the numbers.
type ListOptions struct {
	State        string // "open" (default), "closed", "all"
	Labels       []string
	IssueNumbers []int
}

// Client talks to the GitHub REST v3 API. It is the issue-source boundary:
// everything past it works with validated domain.IssueRef values, never raw
// API payloads.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests, GitHub Enterprise).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimit caps outbound request rate. GitHub allows 5000 req/h for
// authenticated tokens; the default stays well under that.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a GitHub API client. An empty token is allowed but
// anonymous rate limits are very restrictive.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(1), 5),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// issueWire is the subset of the GitHub issue payload we consume.
type issueWire struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        *string   `json:"body"`
	State       string    `json:"state"`
	HTMLURL     string    `json:"html_url"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
	Labels      []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
}

func (w issueWire) toRef(repository string) domain.IssueRef {
	ref := domain.IssueRef{
		Number:     w.Number,
		Title:      w.Title,
		State:      w.State,
		HTMLURL:    w.HTMLURL,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
		Repository: repository,
	}
	if w.Body != nil {
		ref.Body = *w.Body
	}
	for _, l := range w.Labels {
		ref.Labels = append(ref.Labels, l.Name)
	}
	for _, a := range w.Assignees {
		ref.Assignees = append(ref.Assignees, a.Login)
	}
	return ref
}

// Issues returns a lazy, restartable sequence of issues matching opts.
// Pagination happens behind the iterator so memory stays bounded for large
// repositories. Pull requests are excluded unconditionally.
//
// The sequence yields a non-nil error (and stops) if the source is
// unreachable or rejects our credentials.
func (c *Client) Issues(ctx context.Context, repository string, opts ListOptions) iter.Seq2[domain.IssueRef, error] {
	if len(opts.IssueNumbers) > 0 {
		return c.specificIssues(ctx, repository, opts.IssueNumbers)
	}
	return c.pagedIssues(ctx, repository, opts)
}

// ListIssues collects Issues into a slice.
func (c *Client) ListIssues(ctx context.Context, repository string, opts ListOptions) ([]domain.IssueRef, error) {
	var issues []domain.IssueRef
	for ref, err := range c.Issues(ctx, repository, opts) {
		if err != nil {
			return nil, err
		}
		issues = append(issues, ref)
	}
	return issues, nil
}

func (c *Client) specificIssues(ctx context.Context, repository string, numbers []int) iter.Seq2[domain.IssueRef, error] {
	return func(yield func(domain.IssueRef, error) bool) {
		ctx, span := otel.Tracer("github").Start(ctx, "github.fetch_issues")
		defer span.End()
		span.SetAttributes(
			attribute.String("github.repository", repository),
			attribute.Int("github.issue_count", len(numbers)),
		)

		for _, n := range numbers {
			var w issueWire
			status, err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/issues/%d", repository, n), nil, &w)
			if status == http.StatusNotFound {
				// Documented behavior: unknown numbers are omitted, not errors.
				c.logger.Warn("issue not found, omitting",
					slog.String("repository", repository),
					slog.Int("issue_number", n),
				)
				continue
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "fetch issue failed")
				yield(domain.IssueRef{}, c.sourceErr(repository, status, err))
				return
			}
			if w.PullRequest != nil {
				continue
			}
			if !yield(w.toRef(repository), nil) {
				return
			}
		}
	}
}

func (c *Client) pagedIssues(ctx context.Context, repository string, opts ListOptions) iter.Seq2[domain.IssueRef, error] {
	state := opts.State
	if state == "" {
		state = "open"
	}
	return func(yield func(domain.IssueRef, error) bool) {
		ctx, span := otel.Tracer("github").Start(ctx, "github.list_issues")
		defer span.End()
		span.SetAttributes(
			attribute.String("github.repository", repository),
			attribute.String("github.state", state),
		)

		for page := 1; ; page++ {
			params := map[string]string{
				"state":    state,
				"per_page": strconv.Itoa(perPage),
				"page":     strconv.Itoa(page),
			}
			if len(opts.Labels) > 0 {
				params["labels"] = strings.Join(opts.Labels, ",")
			}

			var items []issueWire
			status, err := c.getJSON(ctx, "/repos/"+repository+"/issues", params, &items)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "list issues failed")
				yield(domain.IssueRef{}, c.sourceErr(repository, status, err))
				return
			}

			for _, w := range items {
				if w.PullRequest != nil {
					continue
				}
				ref := w.toRef(repository)
				// GitHub treats the labels param as AND; the delegation
				// contract is "at least one", so re-filter here.
				if !ref.HasAnyLabel(opts.Labels) {
					continue
				}
				if !yield(ref, nil) {
					return
				}
			}

			if len(items) < perPage {
				return
			}
		}
	}
}

// AddLabels adds labels to an issue without removing existing ones.
func (c *Client) AddLabels(ctx context.Context, repository string, number int, labels []string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels", repository, number)
	body := map[string][]string{"labels": labels}
	status, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return c.sourceErr(repository, status, err)
	}
	return nil
}

// CreateComment posts a comment on an issue.
func (c *Client) CreateComment(ctx context.Context, repository string, number int, comment string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repository, number)
	body := map[string]string{"body": comment}
	status, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return c.sourceErr(repository, status, err)
	}
	return nil
}

// getJSON performs a rate-limited GET and decodes the response into out.
// It returns the HTTP status code alongside any error so callers can
// distinguish 404 from real failures.
func (c *Client) getJSON(ctx context.Context, path string, params map[string]string, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		pairs := make([]string, 0, len(params))
		for k, v := range params {
			pairs = append(pairs, k+"="+v)
		}
		u += "?" + strings.Join(pairs, "&")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, fmt.Errorf("GET %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response from %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
}

// sourceErr maps a transport or HTTP failure to the domain error taxonomy.
func (c *Client) sourceErr(repository string, status int, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.UpstreamTimeoutError{Dependency: "github", Op: "fetch issues", Err: err}
	}
	return &domain.SourceUnavailableError{Repository: repository, StatusCode: status, Err: err}
}
