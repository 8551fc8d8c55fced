// ABOUTME: Error classification and exponential backoff for provider calls
// ABOUTME: Retries transient failures, fails fast on permanent ones, and gates attempts on a rate limiter

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ErrUpstream wraps every failure returned by the model gateway.
var ErrUpstream = errors.New("upstream model error")

// ErrMalformed marks a provider reply that could not be interpreted.
var ErrMalformed = errors.New("malformed model response")

// errAttemptTimeout marks an attempt killed by the per-attempt timeout.
var errAttemptTimeout = errors.New("attempt timed out")

// IsTransient reports whether err is worth retrying: rate limiting,
// provider-side failures, network errors, and attempt timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformed) {
		return false
	}
	if errors.Is(err, errAttemptTimeout) {
		return true
	}

	if status := statusCode(err); status != 0 {
		switch {
		case status == http.StatusRequestTimeout,
			status == http.StatusConflict,
			status == http.StatusTooManyRequests,
			status >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// backoff returns the delay before retry number attempt (0-based).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBackoff
	for range attempt {
		d *= 2
		if d >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	return min(d, c.cfg.MaxBackoff)
}

// doWithRetry runs fn with a per-attempt timeout, retrying transient failures
// with exponential backoff. Cancellation of ctx stops immediately.
func (c *Client) doWithRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Join(ErrUpstream, ctxErrOr(ctx, err))
		}

		err := c.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Join(ErrUpstream, ctx.Err())
		}

		lastErr = err
		if !IsTransient(err) {
			c.logger.Warn("provider request failed", "op", op, "attempt", attempt+1, "error", err)
			return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		wait := c.backoff(attempt)
		c.logger.Debug("provider request failed, retrying",
			"op", op,
			"attempt", attempt+1,
			"wait_time", wait,
			"error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return errors.Join(ErrUpstream, err)
		}
	}

	c.logger.Warn("provider retries exhausted", "op", op, "attempts", c.cfg.MaxRetries+1, "error", lastErr)
	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrUpstream, op, c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %w", errAttemptTimeout, c.cfg.RequestTimeout, err)
	}
	return err
}

// ctxErrOr prefers the context's own error so callers can match it.
func ctxErrOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
