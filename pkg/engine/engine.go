package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tbraun/agentflow/pkg/api"
	"github.com/tbraun/agentflow/pkg/flow"
	"github.com/tbraun/agentflow/pkg/observability"
	"github.com/tbraun/agentflow/pkg/storage"
	"github.com/tbraun/agentflow/pkg/tokenizer"
	"github.com/tbraun/agentflow/pkg/transport"
)

// Engine orchestrates completion requests end to end. It implements
// transport.CompletionHandler.
type Engine struct {
	sessions  transport.SessionStore
	workflows transport.WorkflowStore
	factory   flow.Factory
	tokens    tokenizer.Counter
	cfg       Config
	logger    *slog.Logger
}

// New builds an orchestrator over the given stores and workflow engine
// factory. All collaborators are required.
func New(sessions transport.SessionStore, workflows transport.WorkflowStore, factory flow.Factory, tokens tokenizer.Counter, cfg Config, logger *slog.Logger) (*Engine, error) {
	if sessions == nil {
		return nil, fmt.Errorf("engine: session store is required")
	}
	if workflows == nil {
		return nil, fmt.Errorf("engine: workflow store is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("engine: flow factory is required")
	}
	if tokens == nil {
		tokens = tokenizer.Heuristic{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sessions:  sessions,
		workflows: workflows,
		factory:   factory,
		tokens:    tokens,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// resolveSession looks up an existing session by id and rebuilds its
// workflow engine from the serialized state captured at the end of the
// previous turn. Resuming does not re-check workflow ownership; holding
// a valid session id is the capability.
func (e *Engine) resolveSession(ctx context.Context, sessionID, callerID string) (*api.Session, flow.Engine, error) {
	sess, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, api.NewNotFoundError("Session not found!")
		}
		return nil, nil, api.NewServerError(fmt.Sprintf("load session: %v", err))
	}
	eng, err := e.factory(sess.DSL, callerID, sess.WorkflowID)
	if err != nil {
		return nil, nil, api.NewServerError(fmt.Sprintf("restore workflow state: %v", err))
	}
	return sess, eng, nil
}

// resolveWorkflow fetches a workflow definition for a fresh session and
// enforces the strict owner-only check: shared (team) visibility grants
// listing, not execution against your own session space.
func (e *Engine) resolveWorkflow(ctx context.Context, workflowID, callerID string) (*api.Workflow, flow.Engine, error) {
	wf, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, api.NewNotFoundError("Agent not found.")
		}
		return nil, nil, api.NewServerError(fmt.Sprintf("load agent: %v", err))
	}
	if wf.OwnerID != callerID {
		return nil, nil, api.NewForbiddenError("You do not own the agent")
	}
	eng, err := e.factory(wf.DSL, callerID, wf.ID)
	if err != nil {
		return nil, nil, api.NewServerError(fmt.Sprintf("build workflow engine: %v", err))
	}
	eng.Reset()
	return wf, eng, nil
}

// persist is the conversation mutator's single write. It runs exactly
// once per completion, on every exit path that reached an engine run,
// detached from the (possibly canceled) request context.
func (e *Engine) persist(ctx context.Context, sess *api.Session, eng flow.Engine) {
	if dsl, err := eng.MarshalDSL(); err == nil {
		sess.DSL = dsl
	} else {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "serialize workflow state",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	}
	sess.Errors = eng.Err()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.persistTimeout())
	defer cancel()
	if err := e.sessions.AppendMessage(pctx, sess.ID, sess); err != nil {
		e.logger.LogAttrs(ctx, slog.LevelError, "persist conversation",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) observeRun(workflowID string, start time.Time, runErr error) {
	status := "success"
	if runErr != nil {
		status = "error"
	}
	observability.EngineRunsTotal.WithLabelValues(workflowID, status).Inc()
	observability.EngineRunDuration.WithLabelValues(workflowID).Observe(time.Since(start).Seconds())
}

func assistantTurn(id, content string) api.Message {
	return api.Message{
		Role:      api.RoleAssistant,
		Content:   content,
		ID:        id,
		CreatedAt: float64(time.Now().UnixMilli()) / 1000,
	}
}

func userTurn(id, content string) api.Message {
	return api.Message{
		Role:      api.RoleUser,
		Content:   content,
		ID:        id,
		CreatedAt: float64(time.Now().UnixMilli()) / 1000,
	}
}
