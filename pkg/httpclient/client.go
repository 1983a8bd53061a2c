// Package httpclient provides an HTTP client with retry and backoff aware of
// rate-limit response headers. It backs attachment downloads and the MCP
// registry client.
package httpclient

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// RetryStrategy selects how a failed attempt is retried.
type RetryStrategy int

const (
	// NoRetry fails immediately.
	NoRetry RetryStrategy = iota
	// ConservativeRetry retries transient server errors a couple of times
	// with short fixed delays.
	ConservativeRetry
	// SmartRetry honors rate-limit headers, falling back to exponential
	// backoff with jitter.
	SmartRetry
)

// RateLimitInfo carries retry hints parsed from response headers.
type RateLimitInfo struct {
	RetryAfter time.Duration
	ResetTime  int64
}

// Client wraps http.Client with retry behavior.
type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	strategy   func(statusCode int) RetryStrategy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithMaxRetries sets the retry cap.
func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

// WithBaseDelay sets the exponential backoff base.
func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

// WithRetryStrategy overrides the status-code-to-strategy mapping.
func WithRetryStrategy(strategy func(int) RetryStrategy) Option {
	return func(c *Client) { c.strategy = strategy }
}

// New creates a retrying client.
func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		baseDelay:  2 * time.Second,
		strategy:   DefaultRetryStrategy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultRetryStrategy maps status codes to retry strategies.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Do executes the request, retrying per the configured strategy. Requests
// with bodies must set GetBody so retries can replay them.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		strategy := c.strategy(resp.StatusCode)
		if strategy == NoRetry {
			return resp, nil
		}

		info := parseRetryHeaders(resp.Header)
		delay := c.delayFor(strategy, attempt, info)
		lastResp, lastErr = resp, fmt.Errorf("HTTP %d", resp.StatusCode)

		if attempt >= c.maxRetries || delay <= 0 {
			break
		}

		resp.Body.Close()
		slog.Debug("retrying HTTP request",
			"url", req.URL.String(),
			"status", resp.StatusCode,
			"delay", delay,
			"attempt", attempt+1)
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}

	return lastResp, &RetryableError{
		StatusCode: statusOf(lastResp),
		Message:    fmt.Sprintf("max HTTP retries (%d) exceeded", c.maxRetries),
		Err:        lastErr,
	}
}

func (c *Client) delayFor(strategy RetryStrategy, attempt int, info RateLimitInfo) time.Duration {
	switch strategy {
	case SmartRetry:
		if info.RetryAfter > 0 {
			return info.RetryAfter
		}
		if info.ResetTime > 0 {
			if d := time.Until(time.Unix(info.ResetTime, 0)); d > 0 {
				return d
			}
		}
		exp := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		return exp + time.Duration(float64(exp)*0.1)
	case ConservativeRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second
	default:
		return 0
	}
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
