// Package platform speaks the remote simulation API on top of the resilient
// client: submitting simulations, following their progress and reading
// child simulation status.
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/simrelay/internal/auth"
	"github.com/seantiz/simrelay/internal/httpclient"
)

const (
	simulationsPath = "/simulations"

	childMaxTries        = 5
	childUnexpectedDelay = time.Second
	maxRetryAfter        = 10 * time.Minute
)

// Simulator is what job executors and the reconciler need from a session.
type Simulator interface {
	Simulate(ctx context.Context, payload json.RawMessage, opts ...httpclient.CallOption) (*httpclient.Response, error)
	SimulationStatus(ctx context.Context, id string) (*httpclient.Response, error)
}

// Doer is the subset of httpclient.Client used here.
type Doer interface {
	Do(ctx context.Context, method, url string, body []byte, opts ...httpclient.CallOption) (*httpclient.Response, error)
}

// Client implements Simulator against one platform domain.
type Client struct {
	domain string
	http   Doer
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ Simulator = (*Client)(nil)

// New creates a platform client.
func New(domain string, doer Doer, logger *slog.Logger) *Client {
	return &Client{
		domain: strings.TrimRight(domain, "/"),
		http:   doer,
		logger: logger,
		sleep:  auth.Sleep,
	}
}

// NewSession wires a fresh authenticator, resilient client and platform
// client together; it is the factory handed to the session manager.
func NewSession(domain, apiKey string, policy httpclient.RetryPolicy, loginDelay time.Duration, logger *slog.Logger) *Client {
	authn := auth.New(domain, apiKey, logger, auth.WithBaseDelay(loginDelay))
	hc := httpclient.New(authn, logger, httpclient.WithPolicy(policy))
	return New(domain, hc, logger)
}

// Simulate posts payload (one item or an array of items) and follows the
// returned progress location until the platform stops asking the caller to
// retry. Options apply to the initial submission only.
func (c *Client) Simulate(ctx context.Context, payload json.RawMessage, opts ...httpclient.CallOption) (*httpclient.Response, error) {
	opts = append([]httpclient.CallOption{
		httpclient.WithExpected(func(r *httpclient.Response) bool { return r.StatusCode == http.StatusCreated }),
	}, opts...)

	resp, err := c.http.Do(ctx, http.MethodPost, c.domain+simulationsPath, payload, opts...)
	if err != nil {
		return nil, fmt.Errorf("submit simulation: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return resp, nil
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return resp, nil
	}
	progressURL, err := c.resolve(location)
	if err != nil {
		return nil, err
	}

	for {
		progress, err := c.http.Do(ctx, http.MethodGet, progressURL, nil)
		if err != nil {
			return nil, fmt.Errorf("poll simulation progress: %w", err)
		}
		wait := retryAfter(progress.Header)
		if wait <= 0 || !progress.OK() {
			return progress, nil
		}
		c.logger.Debug("simulation in progress", "url", progressURL, "retry_after", wait.String())
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// SimulationStatus fetches one simulation by id.
func (c *Client) SimulationStatus(ctx context.Context, id string) (*httpclient.Response, error) {
	target := c.domain + simulationsPath + "/" + url.PathEscape(id)
	resp, err := c.http.Do(ctx, http.MethodGet, target, nil,
		httpclient.WithMaxTries(childMaxTries),
		httpclient.WithUnexpectedDelay(childUnexpectedDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("get simulation %s: %w", id, err)
	}
	return resp, nil
}

func (c *Client) resolve(location string) (string, error) {
	base, err := url.Parse(c.domain + "/")
	if err != nil {
		return "", fmt.Errorf("parse domain: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse progress location: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// retryAfter parses a Retry-After header given in (possibly fractional) seconds.
func retryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs * float64(time.Second))
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}
