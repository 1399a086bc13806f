// Package client talks to a node's HTTP API: it pulls backups, pushes them
// back in batches and decides when a node needs a restore.
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
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/roach88/lifeboat/internal/api"
	"github.com/roach88/lifeboat/internal/export"
	"github.com/roach88/lifeboat/internal/guard"
	"github.com/roach88/lifeboat/internal/restore"
	"github.com/roach88/lifeboat/internal/store"
)

// DefaultMaxTries bounds the attempts made for one request, the first
// included.
const DefaultMaxTries = 5

// APIError is a non-2xx response from a node.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}

// temporary reports whether resending the identical request may succeed.
func (e *APIError) temporary() bool {
	return e.Retryable || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsAPIError returns true if err is or wraps an *APIError with the given
// status. A zero status matches any.
func IsAPIError(err error, status int) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return status == 0 || ae.Status == status
}

type Client struct {
	baseURL  string
	secret   string
	http     *http.Client
	maxTries uint
	backOff  func() backoff.BackOff
	logger   *zap.SugaredLogger
}

type Option func(*Client)

// WithSecret sets the admin secret sent to guarded endpoints.
func WithSecret(secret string) Option {
	return func(c *Client) { c.secret = secret }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMaxTries bounds attempts per request. Values below 1 mean one attempt.
func WithMaxTries(n uint) Option {
	return func(c *Client) { c.maxTries = max(n, 1) }
}

// WithBackOff replaces the exponential backoff policy.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) { c.backOff = newBackOff }
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the node at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxTries: DefaultMaxTries,
		backOff:  defaultBackOff,
		logger:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	return b
}

// Health returns the node identity, fingerprint and event count.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return doJSON[api.HealthResponse](ctx, c, http.MethodGet, "/health", nil, false)
}

// ExportPage fetches one page of the node's log.
func (c *Client) ExportPage(ctx context.Context, req export.Request) (export.Response, error) {
	q := url.Values{}
	if req.SinceCursor != "" {
		q.Set("since_cursor", req.SinceCursor)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.IncludeSnapshot {
		q.Set("include_snapshot", "true")
	}
	path := "/export"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return doJSON[export.Response](ctx, c, http.MethodGet, path, nil, false)
}

// RestoreBatch pushes one batch. Transient failures resend the identical
// body, which is safe because applying a batch twice changes nothing.
func (c *Client) RestoreBatch(ctx context.Context, b restore.Batch) (restore.Response, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return restore.Response{}, fmt.Errorf("encode batch: %w", err)
	}
	return doJSON[restore.Response](ctx, c, http.MethodPost, "/restore", body, true)
}

// History lists the node's most recent restore sessions.
func (c *Client) History(ctx context.Context, limit int) ([]store.RestoreSession, error) {
	path := "/restore/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	resp, err := doJSON[api.HistoryResponse](ctx, c, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Rejects lists the events a restore session refused.
func (c *Client) Rejects(ctx context.Context, sessionID string) ([]store.RejectRecord, error) {
	resp, err := doJSON[api.RejectsResponse](ctx, c, http.MethodGet,
		"/restore/"+url.PathEscape(sessionID)+"/rejects", nil, true)
	if err != nil {
		return nil, err
	}
	return resp.Rejects, nil
}

// doJSON sends a request with bounded exponential retry and decodes the
// JSON response into T. 4xx responses other than 429 are not retried.
func doJSON[T any](ctx context.Context, c *Client, method, path string, body []byte, guarded bool) (T, error) {
	attempt := 0
	op := func() (T, error) {
		attempt++
		var out T
		err := c.send(ctx, method, path, body, guarded, &out)
		if err == nil {
			return out, nil
		}
		var ae *APIError
		if errors.As(err, &ae) && !ae.temporary() {
			return out, backoff.Permanent(err)
		}
		return out, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warnw("request failed, retrying",
				"method", method,
				"path", path,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
		}),
	)
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, guarded bool, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if guarded {
		req.Header.Set(guard.HeaderName, c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var er api.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Code != "" {
			apiErr.Code = er.Code
			apiErr.Message = er.Message
			apiErr.Retryable = er.Retryable
		}
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("%s %s: decode response: %w", method, path, err))
	}
	return nil
}
