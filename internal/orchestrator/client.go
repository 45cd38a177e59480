// Package orchestrator is the HTTP client for the agent-run server: streamed
// runs, delayed runs, cron schedules, thread state and the hierarchical store.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrStatus is matched by every *StatusError.
var ErrStatus = errors.New("orchestrator: unexpected status")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("orchestrator: %s %s: status %d: %s", e.Method, e.Path, e.Code, body)
}

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// Retryable reports whether the server may accept the same request later.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Options configures a Client.
type Options struct {
	URL         string
	APIKey      string
	AssistantID string
	Timeout     time.Duration // per request, streams excluded
	Attempts    int
	Backoff     time.Duration
	HTTPClient  *http.Client
}

// Client talks to one agent-run server.
type Client struct {
	base        string
	apiKey      string
	assistantID string
	timeout     time.Duration
	attempts    int
	backoff     time.Duration
	http        *http.Client
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a client. Zero options get usable defaults.
func New(opts Options) *Client {
	c := &Client{
		base:        strings.TrimRight(opts.URL, "/"),
		apiKey:      opts.APIKey,
		assistantID: opts.AssistantID,
		timeout:     opts.Timeout,
		attempts:    opts.Attempts,
		backoff:     opts.Backoff,
		http:        opts.HTTPClient,
		sleep:       sleepCtx,
	}
	if c.assistantID == "" {
		c.assistantID = "agent"
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.attempts <= 0 {
		c.attempts = 1
	}
	if c.backoff <= 0 {
		c.backoff = 500 * time.Millisecond
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// AssistantID returns the graph the client starts runs on.
func (c *Client) AssistantID() string { return c.assistantID }

func encodeBody(method, path string, body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
	}
	return data, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	return req, nil
}

// do sends a JSON request and decodes a JSON response into out (when non-nil),
// retrying network failures, 429 and 5xx with exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	data, err := encodeBody(method, path, body)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			slog.Debug("orchestrator: retrying", "method", method, "path", path, "attempt", attempt+1, "wait", wait, "error", lastErr)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}
		err := c.once(ctx, method, path, data, out)
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s %s: giving up after %d attempts: %w", method, path, c.attempts, lastErr)
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(method, path, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return permanent{fmt.Errorf("decode %s %s: %w", method, path, err)}
	}
	return nil
}

// permanent marks failures that happened after the server accepted the request.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

func checkStatus(method, path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var p permanent
	return !errors.As(err, &p)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
