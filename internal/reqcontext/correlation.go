// Package reqcontext carries the correlation ID and the caller of a request through a context.
package reqcontext

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	requestSourceKey contextKey = "request_source"
)

// RequestSource names the surface a request came in through.
type RequestSource string

const (
	SourceMCP     RequestSource = "MCP"
	SourceCLI     RequestSource = "CLI"
	SourceUnknown RequestSource = "UNKNOWN"
)

// GenerateCorrelationID returns a new random UUID.
func GenerateCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// CorrelationIDOrNew returns the context's correlation ID, generating one when absent.
func CorrelationIDOrNew(ctx context.Context) string {
	if id := GetCorrelationID(ctx); id != "" {
		return id
	}
	return GenerateCorrelationID()
}

// WithRequestSource adds request source to the context
func WithRequestSource(ctx context.Context, source RequestSource) context.Context {
	return context.WithValue(ctx, requestSourceKey, source)
}

// GetRequestSource retrieves the request source from context
func GetRequestSource(ctx context.Context) RequestSource {
	if ctx == nil {
		return SourceUnknown
	}
	if source, ok := ctx.Value(requestSourceKey).(RequestSource); ok {
		return source
	}
	return SourceUnknown
}

// WithMetadata tags ctx with source and a fresh correlation ID.
func WithMetadata(ctx context.Context, source RequestSource) context.Context {
	ctx = WithCorrelationID(ctx, GenerateCorrelationID())
	return WithRequestSource(ctx, source)
}
