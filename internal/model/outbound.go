package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// SchemeHTTPS is the only scheme used towards the origin.
const SchemeHTTPS = "https"

var (
	ErrInvalidMethod    = errors.New("invalid method")
	ErrInvalidScheme    = errors.New("invalid scheme")
	ErrInvalidAuthority = errors.New("invalid authority")
	ErrInvalidPath      = errors.New("invalid path with query")
	ErrInvalidHeader    = errors.New("invalid header")
)

// OutboundRequest is the request sent to the origin. It is built once by
// field setters, optionally given a streamed body, and then materialized by
// the client.
type OutboundRequest struct {
	header        http.Header
	method        string
	scheme        string
	authority     string
	pathWithQuery string
	contentLength int64

	body       *OutgoingBody
	bodyReader *io.PipeReader
}

// NewOutboundRequest returns a GET request for "/" over HTTPS carrying header.
// The request takes ownership of header.
func NewOutboundRequest(header http.Header) *OutboundRequest {
	if header == nil {
		header = make(http.Header)
	}
	return &OutboundRequest{
		header:        header,
		method:        http.MethodGet,
		scheme:        SchemeHTTPS,
		pathWithQuery: "/",
	}
}

// SetMethod sets the request method. Any token is accepted, including
// extension methods.
func (r *OutboundRequest) SetMethod(method string) error {
	if method == "" || strings.IndexFunc(method, isNotToken) != -1 {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	r.method = method
	return nil
}

// SetScheme sets the request scheme.
func (r *OutboundRequest) SetScheme(scheme string) error {
	switch scheme {
	case "http", "https":
		r.scheme = scheme
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScheme, scheme)
	}
}

// SetAuthority sets the target host[:port].
func (r *OutboundRequest) SetAuthority(authority string) error {
	if err := ValidateAuthority(authority); err != nil {
		return err
	}
	r.authority = authority
	return nil
}

// SetPathWithQuery sets the origin-form request target, kept byte for byte.
func (r *OutboundRequest) SetPathWithQuery(pathWithQuery string) error {
	if !strings.HasPrefix(pathWithQuery, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, pathWithQuery)
	}
	if _, err := url.ParseRequestURI(pathWithQuery); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}
	r.pathWithQuery = pathWithQuery
	return nil
}

// SetContentLength declares the length of a streamed body. Zero or negative
// means unknown.
func (r *OutboundRequest) SetContentLength(n int64) {
	r.contentLength = n
}

func (r *OutboundRequest) Method() string        { return r.method }
func (r *OutboundRequest) Scheme() string        { return r.scheme }
func (r *OutboundRequest) Authority() string     { return r.authority }
func (r *OutboundRequest) PathWithQuery() string { return r.pathWithQuery }
func (r *OutboundRequest) Header() http.Header   { return r.header }

// HasBody reports whether a body writer was opened.
func (r *OutboundRequest) HasBody() bool { return r.body != nil }

// Body opens the request's streamed body. It may be called once; the returned
// writer must be finished exactly once.
func (r *OutboundRequest) Body() (*OutgoingBody, error) {
	if r.body != nil {
		return nil, ErrBodyOpened
	}
	r.body, r.bodyReader = newOutgoingBody()
	return r.body, nil
}

// HTTPRequest materializes the request for an http.RoundTripper. Requests
// without an opened body are sent with http.NoBody.
func (r *OutboundRequest) HTTPRequest(ctx context.Context) (*http.Request, error) {
	if r.authority == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAuthority)
	}
	u, err := url.ParseRequestURI(r.pathWithQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}
	u.Scheme = r.scheme
	u.Host = r.authority

	var body io.Reader = http.NoBody
	if r.bodyReader != nil {
		body = r.bodyReader
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.URL = u
	req.Header = r.header.Clone()
	if r.bodyReader != nil && r.contentLength > 0 {
		req.ContentLength = r.contentLength
	}
	return req, nil
}

// ValidateAuthority checks that authority is a scheme-less host[:port].
func ValidateAuthority(authority string) error {
	if authority == "" || !httpguts.ValidHostHeader(authority) {
		return fmt.Errorf("%w: %q", ErrInvalidAuthority, authority)
	}
	u, err := url.Parse("//" + authority)
	if err != nil || u.Host != authority || u.User != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAuthority, authority)
	}
	return nil
}

// SetSingleHeader sets name to exactly one value, dropping every existing
// value under any spelling of name.
func SetSingleHeader(h http.Header, name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("%w: name %q", ErrInvalidHeader, name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("%w: value for %q", ErrInvalidHeader, name)
	}
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
	h[http.CanonicalHeaderKey(name)] = []string{value}
	return nil
}

func isNotToken(r rune) bool {
	return !httpguts.IsTokenRune(r)
}
