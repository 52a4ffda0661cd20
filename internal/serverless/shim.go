// Package serverless adapts the HTTP application to API Gateway HTTP API
// (payload format 2.0) events.
package serverless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/example/ripeness-api/internal/cors"
)

// Proxy forwards a gateway event to the HTTP application.
type Proxy interface {
	ProxyWithContext(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error)
}

// MissingKeyError reports an event without a field the shim needs.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("Missing key: %s", e.Key)
}

// Shim is the Lambda entry point.
type Shim struct {
	proxy   Proxy
	origins cors.AllowList
	logger  *zap.Logger
}

// NewShim builds a shim in front of proxy.
func NewShim(proxy Proxy, origins cors.AllowList, logger *zap.Logger) *Shim {
	return &Shim{proxy: proxy, origins: origins, logger: logger.Named("lambda_shim")}
}

// Handle answers one gateway event. It never returns an error: failures are
// turned into 400 or 500 responses that still carry CORS headers.
func (s *Shim) Handle(ctx context.Context, event events.APIGatewayV2HTTPRequest) (resp events.APIGatewayV2HTTPResponse, err error) {
	origin := s.origins.Resolve(cors.HeaderValue(event.Headers, "origin"))

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("lambda handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			resp, err = errorResponse(http.StatusInternalServerError, origin, fmt.Sprintf("An unexpected error occurred: %v", r)), nil
		}
	}()

	if event.RequestContext.HTTP.Method == "" {
		return s.missingKey(origin, "requestContext.http.method"), nil
	}
	if event.RequestContext.HTTP.Method == http.MethodOptions {
		return events.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusNoContent,
			Headers:    cors.PreflightHeaders(origin),
		}, nil
	}
	if event.RequestContext.HTTP.Path == "" {
		return s.missingKey(origin, "requestContext.http.path"), nil
	}

	if event.RawPath == "" {
		event.RawPath = event.RequestContext.HTTP.Path
	}
	if event.QueryStringParameters == nil {
		event.QueryStringParameters = map[string]string{}
	}

	resp, err = s.proxy.ProxyWithContext(ctx, event)
	if err != nil {
		s.logger.Error("proxy failed",
			zap.Error(err),
			zap.String("method", event.RequestContext.HTTP.Method),
			zap.String("path", event.RequestContext.HTTP.Path))
		return errorResponse(http.StatusInternalServerError, origin, "An unexpected error occurred: "+err.Error()), nil
	}

	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	for k, v := range cors.ResponseHeaders(origin) {
		resp.Headers[k] = v
		delete(resp.MultiValueHeaders, k)
	}
	return resp, nil
}

func (s *Shim) missingKey(origin, key string) events.APIGatewayV2HTTPResponse {
	err := &MissingKeyError{Key: key}
	s.logger.Warn("malformed gateway event", zap.Error(err))
	return errorResponse(http.StatusBadRequest, origin, err.Error())
}

func errorResponse(status int, origin, message string) events.APIGatewayV2HTTPResponse {
	body, _ := json.Marshal(map[string]string{"error": message})
	headers := cors.ResponseHeaders(origin)
	headers["Content-Type"] = "application/json"
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       string(body),
	}
}
