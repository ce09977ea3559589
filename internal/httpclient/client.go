// Package httpclient is a small JSON-over-HTTP client for the remote
// master-data API. It understands the API's response envelope
// ({success, data} / {success:false, error:{message}} / {message}) and turns
// every failure into an *errors.AppError carrying the server's message.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// Observer receives the duration of every call; used for metrics.
type Observer func(method string, status int, elapsed time.Duration)

// Client performs authenticated JSON requests against a base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	observe    Observer
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout of the default transport.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithObserver registers a call observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observe = o }
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOption adjusts a single outgoing request.
type RequestOption func(*http.Request)

// WithHeader sets a header on the request.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// envelope is the API's uniform response shape.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e *envelope) errorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Message
}

// Get issues a GET and decodes the envelope's data into out.
func (c *Client) Get(ctx context.Context, token, path string, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, token, path, nil, out, opts...)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, token, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, token, path, body, out, opts...)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, token, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPatch, token, path, body, out, opts...)
}

// Delete issues a DELETE. An empty 2xx body is success.
func (c *Client) Delete(ctx context.Context, token, path string, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodDelete, token, path, nil, nil, opts...)
}

// Do performs one request. out may be nil when the caller does not need data.
func (c *Client) Do(ctx context.Context, method, token, path string, body, out any, opts ...RequestOption) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode request body")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, opt := range opts {
		opt(req)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(method, 0, start)
		return errors.Wrap(err, errors.ErrCodeUpstream, fmt.Sprintf("%s %s failed", method, path))
	}
	defer resp.Body.Close()
	c.record(method, resp.StatusCode, start)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUpstream, "failed to read response body")
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if len(bytes.TrimSpace(raw)) == 0 {
		if ok {
			return nil
		}
		return errors.New(errors.FromHTTPStatus(resp.StatusCode),
			fmt.Sprintf("%s %s: %s", method, path, http.StatusText(resp.StatusCode)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if !ok {
			return errors.New(errors.FromHTTPStatus(resp.StatusCode), strings.TrimSpace(string(raw)))
		}
		return errors.Wrap(err, errors.ErrCodeUpstream, "failed to decode response body")
	}

	if !ok || (env.Success != nil && !*env.Success) {
		msg := env.errorMessage()
		if msg == "" {
			msg = fmt.Sprintf("%s %s: %s", method, path, http.StatusText(resp.StatusCode))
		}
		code := errors.ErrCodeUpstream
		if !ok {
			code = errors.FromHTTPStatus(resp.StatusCode)
		}
		return errors.New(code, msg)
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Wrap(err, errors.ErrCodeUpstream, "failed to decode response data")
	}
	return nil
}

func (c *Client) record(method string, status int, start time.Time) {
	if c.observe != nil {
		c.observe(method, status, time.Since(start))
	}
}
