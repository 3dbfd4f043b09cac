package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/tbraun/agentflow/pkg/api"
)

// Logging returns middleware that emits one structured log entry per
// request: operation, session/workflow ids, duration, request ID, and
// the outcome.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next CompletionHandler) CompletionHandler {
		return handlerFuncs{
			completion: func(ctx context.Context, req *api.CompletionRequest, w EventWriter) error {
				start := time.Now()
				err := next.Completion(ctx, req, w)
				logOutcome(ctx, logger, "completion", req.WorkflowID, req.SessionID, false, start, err)
				return err
			},
			openai: func(ctx context.Context, req *api.ChatRequest, w ChatWriter) error {
				start := time.Now()
				err := next.CompletionOpenAI(ctx, req, w)
				logOutcome(ctx, logger, "completion_openai", req.Model, req.SessionID, req.Stream, start, err)
				return err
			},
		}
	}
}

func logOutcome(ctx context.Context, logger *slog.Logger, op, workflowID, sessionID string, stream bool, start time.Time, err error) {
	attrs := []slog.Attr{
		slog.String("request_id", RequestIDFromContext(ctx)),
		slog.String("workflow_id", workflowID),
		slog.String("session_id", sessionID),
		slog.Bool("stream", stream),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.LogAttrs(ctx, slog.LevelError, op+" failed", attrs...)
		return
	}
	logger.LogAttrs(ctx, slog.LevelInfo, op+" completed", attrs...)
}
