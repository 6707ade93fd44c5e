// Package statusapi delivers canonical status updates to the upstream status service.
package statusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/simrelay/internal/model"
)

// DefaultTimeout bounds one delivery.
const DefaultTimeout = 30 * time.Second

const maxErrorBodyBytes = 4 << 10

// ErrRejected is returned when the status service answers with a non-2xx status.
var ErrRejected = errors.New("status update rejected")

// Poster is what the reconciler needs from a status service client.
type Poster interface {
	PostStatus(ctx context.Context, updates []model.StatusUpdate) error
}

type request struct {
	Updates []model.StatusUpdate `json:"updates"`
}

// Client posts status updates to one endpoint.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Poster = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a Client for endpoint.
func New(endpoint, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostStatus sends all updates in one request. Each call carries a fresh
// Idempotency-Key.
func (c *Client) PostStatus(ctx context.Context, updates []model.StatusUpdate) error {
	body, err := json.Marshal(request{Updates: updates})
	if err != nil {
		return fmt.Errorf("encode status updates: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create status request: %w", err)
	}
	key := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Idempotency-Key", key)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post status updates: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, bytes.TrimSpace(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Info("status updates delivered",
		"count", len(updates),
		"idempotency_key", key,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
