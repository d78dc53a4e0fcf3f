package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Transport is an http.RoundTripper that bounds every call with a timeout and
// reports outcomes to a circuit breaker. It never retries.
type Transport struct {
	Base    http.RoundTripper
	Breaker *Breaker
	Timeout time.Duration
}

// RoundTrip implements http.RoundTripper. When the breaker is open the request
// is not sent and ErrOpenCircuit is returned.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	ctx := req.Context()
	if t.Breaker != nil && !t.Breaker.Allow(ctx) {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, ErrOpenCircuit
	}

	cancel := context.CancelFunc(func() {})
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		req = req.WithContext(ctx)
	}
	resp, err := base.RoundTrip(req)
	if t.Breaker != nil {
		success := err == nil && !FailureStatus(resp.StatusCode)
		t.Breaker.Report(ctx, success)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// FailureStatus reports whether an upstream status counts against the breaker.
// Client errors other than throttling are the caller's fault and do not.
func FailureStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

// IsOpen reports whether err was caused by an open breaker.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpenCircuit)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
