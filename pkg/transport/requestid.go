package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/tbraun/agentflow/pkg/api"
)

// RequestID returns middleware that assigns a unique request ID to each
// request. If the incoming context already carries a request ID (set by
// the HTTP adapter from the X-Request-ID header), that value is kept.
func RequestID() Middleware {
	return func(next CompletionHandler) CompletionHandler {
		return handlerFuncs{
			completion: func(ctx context.Context, req *api.CompletionRequest, w EventWriter) error {
				return next.Completion(ensureRequestID(ctx), req, w)
			},
			openai: func(ctx context.Context, req *api.ChatRequest, w ChatWriter) error {
				return next.CompletionOpenAI(ensureRequestID(ctx), req, w)
			},
		}
	}
}

func ensureRequestID(ctx context.Context) context.Context {
	if RequestIDFromContext(ctx) != "" {
		return ctx
	}
	return ContextWithRequestID(ctx, generateRequestID())
}

// generateRequestID creates a new unique request ID as a hex string.
func generateRequestID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
