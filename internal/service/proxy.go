// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"correlation-proxy/internal/client"
	"correlation-proxy/internal/config"
	"correlation-proxy/internal/model"
)

// Stage names the step of the pipeline that failed.
type Stage string

const (
	StageConfig    Stage = "config"
	StageConstruct Stage = "construct"
	StageDispatch  Stage = "dispatch"
	StageRelay     Stage = "relay"
	StageResponse  Stage = "response"
)

// ForwardError is returned by Forward. CorrelationID is empty when the
// failure happened before an id was generated.
type ForwardError struct {
	Stage         Stage
	CorrelationID string
	Err           error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// Dispatcher submits outbound requests to the upstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, out *model.OutboundRequest) (*client.ResponseFuture, error)
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	dispatcher      Dispatcher
	vars            Resolver
	responseTimeout time.Duration
	logger          *slog.Logger
	newID           func() string
}

// NewProxyService creates a ProxyService.
func NewProxyService(d Dispatcher, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		dispatcher:      d,
		vars:            cfg.Variables,
		responseTimeout: time.Duration(cfg.Upstream.ResponseTimeoutSeconds) * time.Second,
		logger:          logger.With("component", "proxy_service"),
		newID:           uuid.NewString,
	}
}

// Forward sends in to the origin and returns the upstream response.
// The caller is responsible for consuming or closing the response body.
//
// The request is submitted before its body is streamed; the body is only
// opened when HasBody allows it. Every opened body is finished before
// Forward returns, whatever the outcome.
func (s *ProxyService) Forward(ctx context.Context, in *model.InboundRequest) (*model.UpstreamResponse, error) {
	target, err := ResolveTarget(s.vars)
	if err != nil {
		return nil, &ForwardError{Stage: StageConfig, Err: err}
	}

	id := s.newID()
	fail := func(stage Stage, err error) error {
		return &ForwardError{Stage: stage, CorrelationID: id, Err: err}
	}

	out, err := BuildOutbound(in, target, id)
	if err != nil {
		return nil, fail(StageConstruct, err)
	}

	var body *model.OutgoingBody
	if HasBody(in.Method, in.Header.Values("Content-Length")) {
		if body, err = out.Body(); err != nil {
			return nil, fail(StageConstruct, err)
		}
		out.SetContentLength(in.ContentLength)
	}

	s.logger.Debug("forwarding request",
		"method", in.Method,
		"path", in.PathWithQuery,
		"correlation_id", id,
		"body", body != nil,
	)

	future, err := s.dispatcher.Dispatch(ctx, out)
	if err != nil {
		if body != nil {
			_ = body.Finish(err)
		}
		return nil, fail(StageDispatch, err)
	}

	if body != nil {
		n, err := Relay(body, in.Body)
		if err != nil {
			future.Discard()
			return nil, fail(StageRelay, err)
		}
		s.logger.Debug("request body relayed", "correlation_id", id, "bytes", n)
	}

	resp, err := future.Wait(ctx, s.responseTimeout)
	if err != nil {
		return nil, fail(StageResponse, err)
	}
	resp.CorrelationID = id
	return resp, nil
}
