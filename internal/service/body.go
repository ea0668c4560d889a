package service

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"correlation-proxy/internal/model"
)

// HasBody reports whether a request needs an outbound body. Only POST, PUT
// and PATCH qualify, and only when some Content-Length value is a positive
// integer. Malformed values are ignored; chunked bodies without a length are
// not forwarded.
func HasBody(method string, contentLength []string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return false
	}
	for _, v := range contentLength {
		n, err := strconv.ParseUint(v, 10, 64)
		if err == nil && n > 0 {
			return true
		}
	}
	return false
}

// Relay consumes src, copies it into dst until EOF and finishes dst. dst is
// finished exactly once on every path; on failure it is finished with the
// error so the receiver sees an incomplete message.
func Relay(dst model.BodyWriter, src *model.IncomingBody) (int64, error) {
	if src == nil {
		src = model.NewIncomingBody(nil)
	}
	rc, err := src.Consume()
	if err != nil {
		_ = dst.Finish(err)
		return 0, fmt.Errorf("consume body: %w", err)
	}
	defer func() { _ = rc.Close() }()

	n, err := io.Copy(dst, rc)
	if err != nil {
		_ = dst.Finish(err)
		return n, fmt.Errorf("copy body: %w", err)
	}
	if err := dst.Finish(nil); err != nil {
		return n, fmt.Errorf("finish body: %w", err)
	}
	return n, nil
}
