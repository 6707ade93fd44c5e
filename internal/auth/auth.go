// Package auth obtains and refreshes the session cookie used to talk to the
// remote simulation platform.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultMaxAttempts is how many times the login call is tried.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is multiplied by the attempt number between login tries.
	DefaultBaseDelay = 10 * time.Second

	loginPath         = "/login"
	maxLoginBodyBytes = 1 << 20
)

// Credential is the session cookie handed out by the login endpoint.
// The zero value means "not authenticated".
type Credential struct {
	Cookie string
}

// Empty reports whether the credential carries no cookie.
func (c Credential) Empty() bool {
	return c.Cookie == ""
}

// Apply writes the credential into h, removing any previous cookie when empty.
func (c Credential) Apply(h http.Header) {
	if c.Empty() {
		h.Del("Cookie")
		return
	}
	h.Set("Cookie", c.Cookie)
}

type loginRequest struct {
	Cookie      *string `json:"cookie"`
	ForceUpdate bool    `json:"force_update"`
}

type loginResponse struct {
	Cookie string `json:"cookie"`
}

// Authenticator owns one credential and knows how to obtain or refresh it.
// It is safe for concurrent use.
type Authenticator struct {
	domain      string
	apiKey      string
	httpClient  *http.Client
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	credential Credential
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithHTTPClient sets the client used for login calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authenticator) { a.httpClient = c }
}

// WithBaseDelay sets the linear backoff unit between login attempts.
func WithBaseDelay(d time.Duration) Option {
	return func(a *Authenticator) {
		if d >= 0 {
			a.baseDelay = d
		}
	}
}

// WithMaxAttempts overrides the number of login attempts.
func WithMaxAttempts(n int) Option {
	return func(a *Authenticator) {
		if n >= 1 {
			a.maxAttempts = n
		}
	}
}

// WithSleep replaces the backoff sleep; used by tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Authenticator) { a.sleep = fn }
}

// New creates an Authenticator for the platform at domain.
func New(domain, apiKey string, logger *slog.Logger, opts ...Option) *Authenticator {
	a := &Authenticator{
		domain:      domain,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		sleep:       Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Credential returns the currently held credential.
func (a *Authenticator) Credential() Credential {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.credential
}

// Login posts the current credential and forceRefresh to the login endpoint
// and stores whatever comes back. After the attempts are exhausted the stored
// credential is cleared and an empty one is returned; the caller carries on
// unauthenticated and the next failing request triggers another login.
func (a *Authenticator) Login(ctx context.Context, forceRefresh bool) Credential {
	a.mu.Lock()
	defer a.mu.Unlock()

	var old *string
	if !a.credential.Empty() {
		c := a.credential.Cookie
		old = &c
	}

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		cookie, err := a.requestCookie(ctx, old, forceRefresh)
		if err == nil {
			a.credential = Credential{Cookie: cookie}
			loginsTotal.WithLabelValues(outcomeSuccess).Inc()
			a.logger.Info("login succeeded", "attempt", attempt, "force_refresh", forceRefresh)
			return a.credential
		}

		a.logger.Warn("login attempt failed", "attempt", attempt, "error", err)
		if attempt == a.maxAttempts {
			break
		}
		if serr := a.sleep(ctx, time.Duration(attempt)*a.baseDelay); serr != nil {
			break
		}
	}

	loginsTotal.WithLabelValues(outcomeFailure).Inc()
	a.logger.Error("login failed, continuing without credential", "attempts", a.maxAttempts)
	a.credential = Credential{}
	return a.credential
}

func (a *Authenticator) requestCookie(ctx context.Context, old *string, force bool) (string, error) {
	body, err := json.Marshal(loginRequest{Cookie: old, ForceUpdate: force})
	if err != nil {
		return "", fmt.Errorf("encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.domain+loginPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("login returned %s", resp.Status)
	}

	var payload loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxLoginBodyBytes)).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	return payload.Cookie, nil
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
