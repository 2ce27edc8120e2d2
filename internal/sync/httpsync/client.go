// Package httpsync provides sync remote functions over HTTP. Sync down is a
// GET returning a JSON array; sync up POSTs a JSON array. Params are sent as
// query parameters in both directions.
package httpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/steveyegge/collsync/internal/collection"
	"github.com/steveyegge/collsync/internal/sync"
)

// LeveledSlog adapts slog to retryablehttp, logging intermediate failures
// as warnings since they are retried.
type LeveledSlog struct {
	inner *slog.Logger
}

func (l LeveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l LeveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries sets how often a failed request is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.rc.RetryMax = n }
}

// WithRetryWait bounds the backoff between retries.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.rc.RetryWaitMin = minWait
		c.rc.RetryWaitMax = maxWait
	}
}

// WithLogger routes retry logging to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.rc.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: logger})
		c.log = logger
	}
}

// WithHeader adds a header to every request, e.g. an Authorization token.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.rc.HTTPClient.Timeout = d }
}

// Client performs the HTTP calls. It implements sync.Transport.
type Client struct {
	rc     *retryablehttp.Client
	header http.Header
	log    *slog.Logger
}

var _ sync.Transport = (*Client)(nil)

// NewClient returns a client that retries connection errors and 5xx
// responses (except 501) three times with backoff.
func NewClient(options ...Option) *Client {
	logger := slog.Default().With("subsystem", "httpsync")
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: logger})
	rc.CheckRetry = RetryPolicy

	c := &Client{rc: rc, header: make(http.Header), log: logger}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// RetryPolicy is retryablehttp.DefaultRetryPolicy, except that 429 is not
// retried so the caller can decide how to back off.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// DownFunc returns a sync.DownFunc that GETs rawURL.
func (c *Client) DownFunc(rawURL string) sync.DownFunc {
	return func(ctx context.Context, params sync.Params) ([]collection.Document, error) {
		target, err := withQuery(rawURL, params)
		if err != nil {
			return nil, err
		}
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		var items []collection.Document
		if err := c.do(req, &items); err != nil {
			return nil, err
		}
		c.log.Debug("pulled", "url", rawURL, "count", len(items))
		return items, nil
	}
}

// UpFunc returns a sync.UpFunc that POSTs the items to rawURL.
func (c *Client) UpFunc(rawURL string) sync.UpFunc {
	return func(ctx context.Context, params sync.Params, items []collection.Document) error {
		target, err := withQuery(rawURL, params)
		if err != nil {
			return err
		}
		if items == nil {
			items = []collection.Document{}
		}
		body, err := json.Marshal(items)
		if err != nil {
			return fmt.Errorf("failed to encode items: %w", err)
		}
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		if err := c.do(req, nil); err != nil {
			return err
		}
		c.log.Debug("pushed", "url", rawURL, "count", len(items))
		return nil
	}
}

func (c *Client) do(req *retryablehttp.Request, out any) error {
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.rc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     req.Method,
			URL:        req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(msg)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", req.URL.Redacted(), err)
	}
	return nil
}

// withQuery appends params to rawURL. Slices become repeated parameters.
func withQuery(rawURL string, params sync.Params) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if len(params) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for k, p := range params {
		switch v := p.(type) {
		case []string:
			for _, s := range v {
				q.Add(k, s)
			}
		case []any:
			for _, e := range v {
				q.Add(k, collection.KeyString(e))
			}
		default:
			q.Set(k, collection.KeyString(v))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
