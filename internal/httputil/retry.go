package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// RetryConfig bounds retries of transient failures. Delay doubles after each
// failed attempt, capped at MaxDelay.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultRetry = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    10 * time.Second,
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultRetry.MaxAttempts
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultRetry.MaxDelay
	}
	return c
}

// StatusError is a non-2xx response that was retried until attempts ran out.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Transient reports whether err is worth retrying: timeouts, refused or reset
// connections, 5xx/429 responses and "temporarily unavailable" messages.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus(se.Code)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "temporarily unavailable")
}

// Timeout reports whether err is a deadline or network timeout.
func Timeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// Do executes an HTTP request with exponential backoff retry.
// The buildReq function is called on each attempt to produce a fresh request
// (required because request bodies are consumed on each attempt).
func Do(ctx context.Context, client *http.Client, cfg RetryConfig, buildReq func() (*http.Request, error)) (*http.Response, error) {
	cfg = cfg.normalized()

	var lastErr error
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if err != nil {
			if !Transient(err) {
				return nil, err
			}
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = &StatusError{Code: resp.StatusCode, Body: string(body)}
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		slog.Warn("retrying request",
			"url", req.URL.Redacted(),
			"attempt", fmt.Sprintf("%d/%d", attempt, cfg.MaxAttempts),
			"delay", delay,
			"err", lastErr,
		)

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = nextDelay(delay, cfg.MaxDelay)
	}

	return nil, fmt.Errorf("all %d attempts failed, last error: %w", cfg.MaxAttempts, lastErr)
}

// Retry calls fn until it succeeds, returns a non-transient error, or the
// attempts run out. Used for SDK calls that do not expose an *http.Request.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.normalized()

	var err error
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !Transient(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay = nextDelay(delay, cfg.MaxDelay)
	}
	return fmt.Errorf("all %d attempts failed, last error: %w", cfg.MaxAttempts, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	return d
}
