package model

import (
	"errors"
	"io"
	"net/http"
	"sync/atomic"
)

var (
	// ErrBodyConsumed is returned when a read handle is consumed twice.
	ErrBodyConsumed = errors.New("body already consumed")
	// ErrBodyFinished is returned when a body is written to or finished after Finish.
	ErrBodyFinished = errors.New("body already finished")
	// ErrBodyOpened is returned when the outbound body of a request is opened twice.
	ErrBodyOpened = errors.New("body already opened")
)

// BodyWriter is the write side of a streamed body. Finish must be called
// exactly once, whether or not anything was written; until then the receiving
// side considers the message incomplete.
type BodyWriter interface {
	io.Writer
	Finish(err error) error
}

// IncomingBody is a single-use read handle.
type IncomingBody struct {
	rc       io.ReadCloser
	consumed atomic.Bool
}

// NewIncomingBody wraps rc. A nil rc behaves as an empty body.
func NewIncomingBody(rc io.ReadCloser) *IncomingBody {
	if rc == nil {
		rc = http.NoBody
	}
	return &IncomingBody{rc: rc}
}

// Consume hands the stream over to the caller, who becomes responsible for
// closing it. Only the first call succeeds.
func (b *IncomingBody) Consume() (io.ReadCloser, error) {
	if !b.consumed.CompareAndSwap(false, true) {
		return nil, ErrBodyConsumed
	}
	return b.rc, nil
}

// Close releases the stream if nobody consumed it.
func (b *IncomingBody) Close() error {
	if !b.consumed.CompareAndSwap(false, true) {
		return nil
	}
	return b.rc.Close()
}

// OutgoingBody streams a request body into the transport through a pipe, so
// the request can be submitted before any byte is written.
type OutgoingBody struct {
	pw       *io.PipeWriter
	finished atomic.Bool
}

func newOutgoingBody() (*OutgoingBody, *io.PipeReader) {
	pr, pw := io.Pipe()
	return &OutgoingBody{pw: pw}, pr
}

// Write blocks until the transport has read p or given up on the body.
func (b *OutgoingBody) Write(p []byte) (int, error) {
	if b.finished.Load() {
		return 0, ErrBodyFinished
	}
	return b.pw.Write(p)
}

// Finish ends the body. A nil err signals a complete message; a non-nil err
// aborts the stream so the upstream sees it truncated.
func (b *OutgoingBody) Finish(err error) error {
	if !b.finished.CompareAndSwap(false, true) {
		return ErrBodyFinished
	}
	return b.pw.CloseWithError(err)
}

// ResponseBody is a BodyWriter over the caller's response.
type ResponseBody struct {
	w        http.ResponseWriter
	finished atomic.Bool
}

// NewResponseBody returns a writer for the body of w. Headers and status must
// already be set on w.
func NewResponseBody(w http.ResponseWriter) *ResponseBody {
	return &ResponseBody{w: w}
}

// Write sends p to the caller and flushes it, so streamed upstream bodies
// are not held back by the server's write buffer.
func (b *ResponseBody) Write(p []byte) (int, error) {
	if b.finished.Load() {
		return 0, ErrBodyFinished
	}
	n, err := b.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, b.flush()
}

// Finish flushes buffered bytes to the caller. A non-nil err is returned
// unchanged; the response cannot be completed and the caller must abort it.
func (b *ResponseBody) Finish(err error) error {
	if !b.finished.CompareAndSwap(false, true) {
		return ErrBodyFinished
	}
	if err != nil {
		return err
	}
	return b.flush()
}

func (b *ResponseBody) flush() error {
	if err := http.NewResponseController(b.w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
