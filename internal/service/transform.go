package service

import (
	"fmt"
	"net/http"

	"correlation-proxy/internal/config"
	"correlation-proxy/internal/model"
)

// Resolver looks up a named configuration value.
type Resolver interface {
	Get(name string) (string, error)
}

// Target is the resolved upstream and correlation header for one request.
type Target struct {
	Origin     string
	HeaderName string
}

// ResolveTarget reads the origin and header name. Either one missing is fatal.
func ResolveTarget(r Resolver) (Target, error) {
	origin, err := r.Get(config.VarOrigin)
	if err != nil {
		return Target{}, err
	}
	headerName, err := r.Get(config.VarHeaderName)
	if err != nil {
		return Target{}, err
	}
	return Target{Origin: origin, HeaderName: headerName}, nil
}

// BuildOutbound derives the upstream request from in: all headers copied,
// the correlation header set to id (replacing any caller value), same method
// and path with query, HTTPS to the target origin. in is not modified.
func BuildOutbound(in *model.InboundRequest, target Target, id string) (*model.OutboundRequest, error) {
	header := in.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if err := model.SetSingleHeader(header, target.HeaderName, id); err != nil {
		return nil, fmt.Errorf("set correlation header: %w", err)
	}

	out := model.NewOutboundRequest(header)
	if err := out.SetMethod(in.Method); err != nil {
		return nil, fmt.Errorf("set method: %w", err)
	}
	if err := out.SetAuthority(target.Origin); err != nil {
		return nil, fmt.Errorf("set authority: %w", err)
	}
	if err := out.SetScheme(model.SchemeHTTPS); err != nil {
		return nil, fmt.Errorf("set scheme: %w", err)
	}
	if err := out.SetPathWithQuery(in.PathWithQuery); err != nil {
		return nil, fmt.Errorf("set path with query: %w", err)
	}
	return out, nil
}
