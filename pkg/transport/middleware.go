package transport

import (
	"context"

	"github.com/tbraun/agentflow/pkg/api"
)

// Middleware wraps a CompletionHandler to add cross-cutting behavior.
// Middleware is applied in order: the first middleware in the chain is
// the outermost wrapper.
type Middleware func(CompletionHandler) CompletionHandler

// Chain composes multiple middleware into one. Chain(a, b, c) produces
// a(b(c(handler))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next CompletionHandler) CompletionHandler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// handlerFuncs adapts a pair of functions to CompletionHandler, for
// middleware that wraps both operations uniformly.
type handlerFuncs struct {
	completion func(ctx context.Context, req *api.CompletionRequest, w EventWriter) error
	openai     func(ctx context.Context, req *api.ChatRequest, w ChatWriter) error
}

func (h handlerFuncs) Completion(ctx context.Context, req *api.CompletionRequest, w EventWriter) error {
	return h.completion(ctx, req, w)
}

func (h handlerFuncs) CompletionOpenAI(ctx context.Context, req *api.ChatRequest, w ChatWriter) error {
	return h.openai(ctx, req, w)
}

// requestIDKeyType is the context key type for request IDs.
type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// RequestIDFromContext extracts the request ID from the context, or an
// empty string if none is set.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID returns a new context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}
