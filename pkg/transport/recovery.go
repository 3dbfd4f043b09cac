package transport

import (
	"context"
	"fmt"

	"github.com/tbraun/agentflow/pkg/api"
)

// Recovery returns middleware that catches panics in the handler and
// converts them to server errors. The server continues to accept new
// requests after a panic is recovered.
func Recovery() Middleware {
	return func(next CompletionHandler) CompletionHandler {
		return handlerFuncs{
			completion: func(ctx context.Context, req *api.CompletionRequest, w EventWriter) (retErr error) {
				defer func() {
					if r := recover(); r != nil {
						retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
					}
				}()
				return next.Completion(ctx, req, w)
			},
			openai: func(ctx context.Context, req *api.ChatRequest, w ChatWriter) (retErr error) {
				defer func() {
					if r := recover(); r != nil {
						retErr = api.NewServerError(fmt.Sprintf("internal server error: %v", r))
					}
				}()
				return next.CompletionOpenAI(ctx, req, w)
			},
		}
	}
}
