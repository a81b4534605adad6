package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// HTTPClient wraps an http.Client with a per-call timeout and an optional
// circuit breaker. Each call is a single attempt.
type HTTPClient struct {
	Client  *http.Client
	Breaker *Breaker
	Timeout time.Duration
	Target  string
}

// Do executes the request once. A response with status >= 500 counts as a
// breaker failure but is still returned to the caller. When the breaker is
// open ErrOpenCircuit is returned without touching the network.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	ctx, span := otel.Tracer("resilience.HTTPClient").Start(ctx, "HTTPClient.Do")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.target_name", cl.targetLabel()),
		attribute.String("http.method", req.Method),
	)

	breaker := cl.Breaker
	if breaker == nil {
		breaker = NewBreaker(1, 1, time.Second)
	}
	if !breaker.Allow(ctx) {
		span.RecordError(ErrOpenCircuit)
		return nil, ErrOpenCircuit
	}

	resp, cancel, err := cl.doOnce(ctx, req)
	if err != nil {
		cancel()
		breaker.Report(ctx, false)
		span.RecordError(err)
		return nil, err
	}
	breaker.Report(ctx, resp.StatusCode < 500)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return withCancelOnClose(resp, cancel), nil
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request) (*http.Response, context.CancelFunc, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	resp, err := cl.Client.Do(req.WithContext(callCtx))
	return resp, cancel, err
}

func (cl HTTPClient) targetLabel() string {
	if cl.Target == "" {
		return "default"
	}
	return cl.Target
}

// cancelOnClose releases the per-call timeout once the caller has consumed the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func withCancelOnClose(resp *http.Response, cancel context.CancelFunc) *http.Response {
	if resp.Body == nil {
		cancel()
		return resp
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp
}
