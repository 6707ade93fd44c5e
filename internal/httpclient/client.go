// Package httpclient provides the self-healing authenticated HTTP client used
// for every call to the simulation platform. It retries unexpected responses,
// backs off harder when the platform reports a rate limit, and re-authenticates
// when a response looks like an expired or rejected credential.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/simrelay/internal/auth"
)

const (
	// DefaultMaxTries is the per-call attempt budget when none is given.
	DefaultMaxTries = 3
	// DefaultUnexpectedDelay is the pause after an unexpected response.
	DefaultUnexpectedDelay = 2 * time.Second
	// DefaultLimitMarker is searched for in the error detail of rate-limited responses.
	DefaultLimitMarker = "LIMIT_EXCEEDED"

	rateLimitMultiplier = 10
	maxResponseBytes    = 32 << 20
	maxLoggedBytes      = 2048
)

// Authenticator is the login side of the client: AuthenticatedSession.
type Authenticator interface {
	Login(ctx context.Context, forceRefresh bool) auth.Credential
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	URL        string
	Elapsed    time.Duration
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s response: %w", r.URL, err)
	}
	return nil
}

// IsOK is the default expectation: any 2xx response.
func IsOK(r *Response) bool {
	return r.OK()
}

// RetryPolicy controls how hard a single call tries before giving up.
type RetryPolicy struct {
	MaxTries        int
	UnexpectedDelay time.Duration
	Expected        func(*Response) bool
}

// DefaultPolicy returns the client-wide defaults.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        DefaultMaxTries,
		UnexpectedDelay: DefaultUnexpectedDelay,
		Expected:        IsOK,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxTries < 1 {
		p.MaxTries = 1
	}
	if p.UnexpectedDelay < 0 {
		p.UnexpectedDelay = 0
	}
	if p.Expected == nil {
		p.Expected = IsOK
	}
	return p
}

// CallOption overrides part of the retry policy for one call.
type CallOption func(*RetryPolicy)

// WithMaxTries overrides the attempt budget.
func WithMaxTries(n int) CallOption {
	return func(p *RetryPolicy) { p.MaxTries = n }
}

// WithUnexpectedDelay overrides the delay after an unexpected response.
func WithUnexpectedDelay(d time.Duration) CallOption {
	return func(p *RetryPolicy) { p.UnexpectedDelay = d }
}

// WithExpected overrides the success predicate.
func WithExpected(fn func(*Response) bool) CallOption {
	return func(p *RetryPolicy) { p.Expected = fn }
}

// Client wraps an http.Client with an Authenticator. It is safe for
// concurrent use; the credential header is swapped atomically on re-login.
type Client struct {
	httpClient  *http.Client
	auth        Authenticator
	policy      RetryPolicy
	limitMarker string
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error

	loginOnce sync.Once

	mu     sync.RWMutex
	header http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPolicy sets the client-wide retry policy.
func WithPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p.normalized() }
}

// WithLimitMarker sets the error-detail marker that identifies rate limiting.
func WithLimitMarker(marker string) Option {
	return func(c *Client) { c.limitMarker = marker }
}

// WithSleep replaces the backoff sleep; used by tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New creates a Client that authenticates through a.
func New(a Authenticator, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		auth:        a,
		policy:      DefaultPolicy(),
		limitMarker: DefaultLimitMarker,
		logger:      logger,
		sleep:       auth.Sleep,
		header:      http.Header{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get performs a GET through Do.
func (c *Client) Get(ctx context.Context, url string, opts ...CallOption) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, opts...)
}

// Post performs a JSON POST through Do.
func (c *Client) Post(ctx context.Context, url string, body []byte, opts ...CallOption) (*Response, error) {
	return c.Do(ctx, http.MethodPost, url, body, opts...)
}

// Do sends the request until the policy's Expected predicate holds or the
// attempt budget runs out. Running out is not an error: the last response is
// returned and the caller must inspect it. An error is returned only when the
// context ends or the final attempt failed at the transport level.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, opts ...CallOption) (*Response, error) {
	policy := c.policy
	for _, opt := range opts {
		opt(&policy)
	}
	policy = policy.normalized()

	c.loginOnce.Do(func() { c.Relogin(ctx) })

	var (
		resp *Response
		err  error
	)
	for attempt := 1; attempt <= policy.MaxTries; attempt++ {
		resp, err = c.send(ctx, method, url, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			attemptsTotal.WithLabelValues(outcomeTransport).Inc()
			c.logger.Warn("request transport error", "method", method, "url", url, "attempt", attempt, "error", err)
			if attempt == policy.MaxTries {
				break
			}
			if serr := c.sleep(ctx, policy.UnexpectedDelay); serr != nil {
				return nil, serr
			}
			continue
		}

		if policy.Expected(resp) {
			attemptsTotal.WithLabelValues(outcomeExpected).Inc()
			return resp, nil
		}

		outcome := c.classify(resp)
		attemptsTotal.WithLabelValues(outcome).Inc()

		if outcome == outcomeBadRequest {
			c.logger.Warn("request rejected, not retrying",
				"method", method, "url", url, "status", resp.StatusCode, "body", truncate(resp.Body))
			return resp, nil
		}
		if attempt == policy.MaxTries {
			break
		}

		delay := policy.UnexpectedDelay
		if outcome == outcomeRateLimited {
			delay *= rateLimitMultiplier
		}
		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
		if outcome == outcomeUnexpected {
			c.Relogin(ctx)
		}
	}

	exhaustedTotal.Inc()
	if err != nil {
		c.logger.Warn("request tries exhausted",
			"method", method, "url", url, "tries", policy.MaxTries,
			"request_body", truncate(body), "error", err)
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	c.logger.Warn("request tries exhausted",
		"method", method,
		"url", url,
		"tries", policy.MaxTries,
		"request_body", truncate(body),
		"status", resp.StatusCode,
		"reason", resp.Status,
		"elapsed", resp.Elapsed.String(),
		"headers", resp.Header,
		"body", truncate(resp.Body),
	)
	return resp, nil
}

// Relogin refreshes the credential without forcing the platform to rotate
// it, and installs the result on subsequent requests.
func (c *Client) Relogin(ctx context.Context) {
	cred := c.auth.Login(ctx, false)
	reloginsTotal.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	cred.Apply(c.header)
}

// Header returns a copy of the headers sent with every request.
func (c *Client) Header() http.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.header.Clone()
}

func (c *Client) send(ctx context.Context, method, url string, body []byte) (*Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.Header() {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Status:     httpResp.Status,
		Header:     httpResp.Header,
		Body:       data,
		URL:        httpResp.Request.URL.String(),
		Elapsed:    time.Since(start),
	}, nil
}

// classify decides what to do about a response that did not meet expectations.
func (c *Client) classify(resp *Response) string {
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return outcomeBadRequest
	case resp.StatusCode == http.StatusGatewayTimeout:
		return outcomeGatewayTimeout
	case IsRateLimited(resp, c.limitMarker):
		return outcomeRateLimited
	default:
		return outcomeUnexpected
	}
}

// IsRateLimited reports whether resp is a 429 or carries marker in its
// structured error detail.
func IsRateLimited(resp *Response, marker string) bool {
	if resp == nil {
		return false
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if marker == "" || len(resp.Body) == 0 {
		return false
	}
	var detail struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(resp.Body, &detail); err != nil {
		return false
	}
	s, ok := detail.Detail.(string)
	return ok && strings.Contains(strings.ToUpper(s), strings.ToUpper(marker))
}

func truncate(b []byte) string {
	if len(b) <= maxLoggedBytes {
		return string(b)
	}
	return string(b[:maxLoggedBytes]) + "...(truncated)"
}
