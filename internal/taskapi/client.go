package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kazz187/taskbot/pkg/cerr"
)

const (
	DefaultMaxRetries      = 3
	DefaultRateLimitBuffer = time.Second
	// maxRateLimitWaits bounds consecutive 429 waits for one call. They are
	// not counted against the retry budget.
	maxRateLimitWaits = 10
	// Values above this are unix epoch seconds, below are a delta.
	epochThreshold = 1_000_000_000
)

// APIError is returned when the Task Service answered with a non-success status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("task service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("task service returned %d: %s", e.StatusCode, body)
}

func (e *APIError) Code() cerr.Code {
	return cerr.CodeFromHTTPStatus(e.StatusCode)
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	baseURL         string
	token           string
	httpClient      *http.Client
	maxRetries      int
	rateLimitBuffer time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
	now             func() time.Time

	mu        sync.Mutex
	remaining int
	reset     time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithMaxRetries(n int) Option {
	return func(cl *Client) { cl.maxRetries = n }
}

func WithRateLimitBuffer(d time.Duration) Option {
	return func(cl *Client) { cl.rateLimitBuffer = d }
}

// WithSleep replaces the wait used between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(cl *Client) { cl.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

func NewClient(baseURL, token string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		token:           token,
		httpClient:      &http.Client{Timeout: timeout},
		maxRetries:      DefaultMaxRetries,
		rateLimitBuffer: DefaultRateLimitBuffer,
		sleep:           sleepContext,
		now:             time.Now,
		remaining:       -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RateLimit returns the last observed remaining budget (-1 if unknown) and reset time.
func (c *Client) RateLimit() (int, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining, c.reset
}

// newRetryBackOff yields 1s, 2s, 4s, ... without jitter.
func newRetryBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(time.Minute),
		backoff.WithMaxElapsedTime(0),
	)
}

// Request performs one Task Service call. 429 responses wait for the
// rate-limit reset and repeat the call without spending a retry; 5xx and
// network failures are retried with exponential backoff up to maxRetries.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	bo := newRetryBackOff()
	attempt := 0
	rateLimited := 0
	for {
		status, respBody, err := c.do(ctx, method, path, payload)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil && status == http.StatusTooManyRequests && rateLimited < maxRateLimitWaits {
			rateLimited++
			wait := c.rateLimitWait()
			slog.WarnContext(ctx, "rate limited by task service", "method", method, "path", path, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if err == nil && status >= 200 && status < 300 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
			}
			return nil
		}

		retryable := err != nil || status >= 500
		if !retryable || attempt >= c.maxRetries {
			if err != nil {
				return fmt.Errorf("failed to call %s %s after %d attempts: %w", method, path, attempt+1, err)
			}
			return &APIError{StatusCode: status, Body: string(respBody)}
		}

		wait := bo.NextBackOff()
		attempt++
		slog.WarnContext(ctx, "retrying task service call",
			"method", method, "path", path, "status", status, "attempt", attempt, "wait", wait, "error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	c.recordRateLimit(resp.Header)
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) recordRateLimit(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.remaining = n
		}
	}
	reset := h.Get("X-RateLimit-Reset")
	if reset == "" {
		reset = h.Get("Retry-After")
	}
	if reset == "" {
		return
	}
	if n, err := strconv.ParseInt(reset, 10, 64); err == nil {
		if n > epochThreshold {
			c.reset = time.Unix(n, 0)
		} else {
			c.reset = c.now().Add(time.Duration(n) * time.Second)
		}
		return
	}
	if f, err := strconv.ParseFloat(reset, 64); err == nil && f < epochThreshold {
		c.reset = c.now().Add(time.Duration(f * float64(time.Second)))
	}
}

func (c *Client) rateLimitWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	wait := c.reset.Sub(c.now())
	if wait < 0 {
		wait = 0
	}
	return wait + c.rateLimitBuffer
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
