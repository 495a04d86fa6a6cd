// Package external routes outbound HTTP to delivery providers through a
// shared resilient client: circuit breaking, bounded retries with backoff,
// trace propagation, and mapping of exhausted calls to domain errors.
package external

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"appserver/internal/types"
)

// RetryPolicy bounds the retry loop around one provider call.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the policy used for provider calls unless a
// client overrides it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// ClientConfig holds the configuration for creating a Client.
type ClientConfig struct {
	// HTTPClient is the underlying transport client. Defaults to a client
	// with a 30s timeout.
	HTTPClient *http.Client
	// BreakerName labels the circuit breaker guarding this provider.
	BreakerName string
	// Retry bounds the retry loop. Zero value means DefaultRetryPolicy.
	Retry RetryPolicy
	// UserAgent is set on every outbound request when non-empty.
	UserAgent string
	// Sleep is the wait between retry attempts. Tests override this to
	// avoid real delays.
	Sleep func(time.Duration)
}

// Client is the resilient HTTP caller the provider clients send through.
// A circuit breaker per provider cuts off a consistently failing upstream;
// 429 and 5xx responses are retried with backoff until the policy is
// exhausted.
type Client struct {
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	retry   RetryPolicy
	agent   string
	sleep   func(time.Duration)
}

// NewClient creates a Client with the given configuration, applying defaults
// for any zero value.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Client{
		http:    cfg.HTTPClient,
		breaker: breaker,
		retry:   cfg.Retry,
		agent:   cfg.UserAgent,
		sleep:   cfg.Sleep,
	}
}

// Do sends the request, retrying 429 and 5xx responses until the policy is
// exhausted. Any other status returns as-is with the body open for the
// caller. The request body is buffered so attempts can replay it. An open
// breaker or exhausted retries come back as an AppError with an upstream
// error code.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-B3-TraceId", traceID)
	}
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}

	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
				"failed to buffer request body", err)
		}
		body = b
	}

	var (
		lastResp *http.Response
		lastErr  error
	)
	attempts := 1 + c.retry.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.attempt(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if resp != nil {
			if attempt == attempts-1 {
				lastResp = resp
			} else {
				resp.Body.Close()
			}
		}

		// An open breaker will not close between attempts; stop early.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt < attempts-1 {
			c.sleep(c.backoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.classify(lastResp, lastErr)
}

// attempt runs one request through the breaker. 429 and 5xx responses count
// as breaker failures so a broken upstream trips it.
func (c *Client) attempt(req *http.Request) (*http.Response, error) {
	return c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resp, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return resp, nil
	})
}

// backoff picks the wait before the next attempt. A Retry-After header from
// the upstream wins; otherwise exponential backoff with full jitter, both
// clamped to the policy window.
func (c *Client) backoff(attempt int, resp *http.Response) time.Duration {
	if wait, ok := retryAfter(resp); ok {
		if wait < c.retry.MinWait {
			return c.retry.MinWait
		}
		if wait > c.retry.MaxWait {
			return c.retry.MaxWait
		}
		return wait
	}

	ceil := float64(c.retry.MinWait) * math.Pow(2, float64(attempt))
	if limit := float64(c.retry.MaxWait); ceil > limit {
		ceil = limit
	}
	floor := float64(c.retry.MinWait)
	if ceil <= floor {
		return c.retry.MinWait
	}
	return time.Duration(floor + rand.Float64()*(ceil-floor))
}

// retryAfter parses the Retry-After header, either delta-seconds or an
// HTTP-date.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second, true
	}
	if at, err := http.ParseTime(header); err == nil {
		return time.Until(at), true
	}
	return 0, false
}

// classify maps an exhausted call to a domain error.
func (c *Client) classify(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"circuit breaker open, upstream unavailable", err)
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited,
				"upstream rate limit exceeded", err)
		case resp.StatusCode >= 500:
			return types.NewAppError(types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("upstream returned %d after retries", resp.StatusCode), err)
		}
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected,
		"upstream request failed", err)
}
