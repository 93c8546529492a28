package shaman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second
)

// doWithRetry sends the request built by newReq, retrying network errors and
// 5xx responses. Only use it for idempotent calls. newReq is called once per
// attempt so the body can be replayed.
func (c *Client) doWithRetry(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		switch {
		case err == nil && resp.StatusCode < 500:
			return resp, nil
		case err == nil:
			body := readErrorBody(resp)
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, body)
			if attempt == c.maxRetries {
				return nil, &retryExhaustedError{status: resp.StatusCode, body: body, header: resp.Header}
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case !isRetryableError(err):
			return nil, err
		default:
			lastErr = err
		}

		if attempt < c.maxRetries {
			c.logger.Debug("retrying request", "url", req.URL.String(), "attempt", attempt+1, "error", lastErr)
			delay := c.calculateDelay(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryExhaustedError keeps the last 5xx response so callers can report it.
type retryExhaustedError struct {
	status int
	body   string
	header http.Header
}

func (e *retryExhaustedError) Error() string {
	return fmt.Sprintf("max retries exceeded: status %d: %s", e.status, e.body)
}

// isRetryableError checks if a transport error is worth another attempt
func isRetryableError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// calculateDelay calculates the retry delay with exponential backoff and jitter
func (c *Client) calculateDelay(attempt int) time.Duration {
	base := float64(c.baseDelay)
	delay := base * math.Pow(2.0, float64(attempt))

	// Add jitter (±25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	// Cap at maxDelay
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	return time.Duration(delay)
}

func readErrorBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(b)
}
