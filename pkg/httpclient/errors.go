package httpclient

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RetryableError is returned when a request still fails after exhausting
// retries.
type RetryableError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// parseRetryHeaders extracts retry hints from standard and x-ratelimit
// response headers.
func parseRetryHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(retryAfter); err == nil {
			info.RetryAfter = time.Until(at)
		}
	}

	for _, header := range []string{"x-ratelimit-reset", "x-ratelimit-reset-requests"} {
		if resetStr := headers.Get(header); resetStr != "" {
			if at, err := time.Parse(time.RFC3339, resetStr); err == nil {
				info.ResetTime = at.Unix()
				break
			}
			if unix, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
				info.ResetTime = unix
				break
			}
		}
	}

	return info
}
