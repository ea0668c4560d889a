package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"correlation-proxy/internal/model"
)

var (
	// ErrResponseNotReady is returned when the response did not arrive in time.
	ErrResponseNotReady = errors.New("upstream response not ready")
	// ErrResponseConsumed is returned when a future is waited on twice.
	ErrResponseConsumed = errors.New("upstream response already taken")
	// ErrTransport wraps connection-level delivery failures.
	ErrTransport = errors.New("upstream transport failure")
	// ErrProtocol wraps failures reported by the HTTP exchange itself.
	ErrProtocol = errors.New("upstream protocol failure")
)

// ResponseFuture is the pending result of a dispatched request.
type ResponseFuture struct {
	done   chan struct{}
	cancel context.CancelFunc
	resp   *http.Response
	err    error
	taken  atomic.Bool
}

func newResponseFuture(cancel context.CancelFunc) *ResponseFuture {
	return &ResponseFuture{done: make(chan struct{}), cancel: cancel}
}

func (f *ResponseFuture) resolve(resp *http.Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

// ready reports whether the round trip has completed.
func (f *ResponseFuture) ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the upstream response is available. A timeout of zero or
// less waits until ctx is done. The response can be taken once; its body
// must be consumed or closed by the caller.
func (f *ResponseFuture) Wait(ctx context.Context, timeout time.Duration) (*model.UpstreamResponse, error) {
	if !f.taken.CompareAndSwap(false, true) {
		return nil, ErrResponseConsumed
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-f.done:
	case <-expired:
		f.release()
		return nil, fmt.Errorf("%w after %s", ErrResponseNotReady, timeout)
	case <-ctx.Done():
		f.release()
		return nil, fmt.Errorf("%w: %w", ErrResponseNotReady, ctx.Err())
	}

	if f.err != nil {
		f.cancel()
		return nil, classify(f.err)
	}

	return &model.UpstreamResponse{
		StatusCode: f.resp.StatusCode,
		Header:     f.resp.Header,
		Body:       model.NewIncomingBody(&cancelOnClose{ReadCloser: f.resp.Body, cancel: f.cancel}),
	}, nil
}

// Discard gives up on a future that will not be waited on. A response that
// arrives later is closed.
func (f *ResponseFuture) Discard() {
	if f.taken.CompareAndSwap(false, true) {
		f.release()
	}
}

func (f *ResponseFuture) release() {
	f.cancel()
	go func() {
		<-f.done
		if f.resp != nil {
			_ = f.resp.Body.Close()
		}
	}()
}

// cancelOnClose keeps the request context alive until the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// classify tags a round-trip error as a transport or protocol failure.
func classify(err error) error {
	cause := err
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		cause = urlErr.Err
	}

	var netErr net.Error
	var certErr *tls.CertificateVerificationError
	switch {
	case errors.Is(cause, context.Canceled),
		errors.Is(cause, context.DeadlineExceeded),
		errors.Is(cause, io.EOF),
		errors.Is(cause, io.ErrUnexpectedEOF),
		errors.As(cause, &netErr),
		errors.As(cause, &certErr):
		return fmt.Errorf("%w: %w", ErrTransport, err)
	default:
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
}
