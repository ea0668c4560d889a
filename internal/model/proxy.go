// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// CorrelationIDKey is the echo context key holding the correlation id of the
// current request.
const CorrelationIDKey = "correlation_id"

// InboundRequest is the caller's request as seen by the forwarding pipeline.
// The pipeline only reads it; Body may be consumed once.
type InboundRequest struct {
	Method        string
	PathWithQuery string
	Header        http.Header
	ContentLength int64
	Body          *IncomingBody
}

// UpstreamResponse is the origin's response to be streamed back.
type UpstreamResponse struct {
	StatusCode    int
	Header        http.Header
	Body          *IncomingBody
	CorrelationID string
}
