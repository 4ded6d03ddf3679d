package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// UpstreamError is a 5xx answer from a gateway.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("resilience: upstream responded %d", e.StatusCode)
}

// HTTPClient makes one bounded attempt per call behind a breaker. Gateways
// redeliver notifications on their own schedule, so retrying here would only
// hold the webhook response open.
type HTTPClient struct {
	Client  *http.Client
	Breaker *Breaker
	Timeout time.Duration
}

// Do sends req. Responses below 500 are returned to the caller, who must close
// the body; 5xx answers become *UpstreamError and count as breaker failures.
func (c HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	if c.Breaker != nil && !c.Breaker.Allow(ctx) {
		return nil, ErrOpenCircuit
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	resp, err := c.Client.Do(req.WithContext(callCtx))
	switch {
	case err != nil:
		cancel()
		// a caller that gave up says nothing about the gateway
		c.report(ctx, ctx.Err() != nil)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	case resp.StatusCode >= http.StatusInternalServerError:
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		cancel()
		c.report(ctx, false)
		return nil, &UpstreamError{StatusCode: resp.StatusCode}
	}
	c.report(ctx, true)
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c HTTPClient) report(ctx context.Context, success bool) {
	if c.Breaker != nil {
		c.Breaker.Report(ctx, success)
	}
}

// cancelOnClose keeps the call deadline alive until the body is read.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
