package engine

import (
	"context"
	"strings"
	"time"

	"github.com/tbraun/agentflow/pkg/api"
	"github.com/tbraun/agentflow/pkg/flow"
	"github.com/tbraun/agentflow/pkg/observability"
	"github.com/tbraun/agentflow/pkg/storage"
	"github.com/tbraun/agentflow/pkg/transport"
)

// Completion runs one user turn through the native push protocol. Every
// engine event is re-emitted as a frame tagged with the session id;
// content of "message" events is accumulated into the assistant
// transcript. Engine failures propagate to the caller after the
// accumulated transcript has been persisted.
func (e *Engine) Completion(ctx context.Context, req *api.CompletionRequest, w transport.EventWriter) error {
	caller := storage.GetTenant(ctx)
	start := time.Now()

	var (
		sess *api.Session
		eng  flow.Engine
		err  error
	)
	if req.SessionID != "" {
		sess, eng, err = e.resolveSession(ctx, req.SessionID, caller)
	} else {
		sess, eng, err = e.createSession(ctx, req.WorkflowID, req.UserID, caller)
	}
	if err != nil {
		return err
	}

	msgID := api.NewMessageID()
	sess.Messages = append(sess.Messages, userTurn(msgID, req.Query))
	eng.AddUserInput(msgID, req.Query)

	events, err := eng.Run(ctx, flow.RunRequest{
		Query:  req.Query,
		Files:  req.Files,
		UserID: req.UserID,
		Inputs: req.Inputs,
		Stream: true,
	})
	if err != nil {
		runErr := api.NewEngineError(err.Error())
		e.finishTurn(ctx, sess, eng, msgID, runErr.Message, nil)
		e.observeRun(sess.WorkflowID, start, runErr)
		return runErr
	}

	var transcript strings.Builder
	var lastRef *api.Reference
	var runErr *api.APIError
	var writeErr error
	for ev := range events {
		if ev.Err != nil {
			runErr = api.NewEngineError(ev.Err.Error())
			break
		}
		if ev.Kind == flow.EventMessage {
			transcript.WriteString(ev.Content)
		}
		if ev.Reference != nil {
			lastRef = ev.Reference
		}
		frame := ev.Frame(sess.ID)
		if writeErr = w.WriteEvent(ctx, &frame); writeErr != nil {
			break
		}
		observability.FramesTotal.WithLabelValues("native").Inc()
	}

	content := transcript.String()
	if runErr != nil && content == "" {
		content = runErr.Message
	}
	e.finishTurn(ctx, sess, eng, msgID, content, lastRef)
	switch {
	case runErr != nil:
		e.observeRun(sess.WorkflowID, start, runErr)
		return runErr
	case writeErr != nil:
		e.observeRun(sess.WorkflowID, start, writeErr)
		return writeErr
	}
	e.observeRun(sess.WorkflowID, start, nil)
	return nil
}

// createSession materializes a fresh session against a workflow
// definition the caller owns. The record starts with empty messages;
// the chat protocol seeds a prologue separately.
func (e *Engine) createSession(ctx context.Context, workflowID, userID, caller string) (*api.Session, flow.Engine, error) {
	wf, eng, err := e.resolveWorkflow(ctx, workflowID, caller)
	if err != nil {
		return nil, nil, err
	}
	sess := e.newSession(wf, eng, userID)
	if err := e.sessions.CreateSession(ctx, sess); err != nil {
		return nil, nil, api.NewServerError("create session: " + err.Error())
	}
	observability.SessionsCreatedTotal.Inc()
	return sess, eng, nil
}

func (e *Engine) newSession(wf *api.Workflow, eng flow.Engine, userID string) *api.Session {
	sess := &api.Session{
		ID:         api.NewSessionID(),
		WorkflowID: wf.ID,
		UserID:     userID,
		Messages:   []api.Message{},
		References: []api.Reference{},
		DSL:        wf.DSL,
		Source:     api.SourceAgent,
	}
	if dsl, err := eng.MarshalDSL(); err == nil {
		sess.DSL = dsl
	}
	return sess
}

// finishTurn closes out one request: it records the assistant turn in
// both the engine state and the session, refreshes the session's
// reference list from the engine, and hands the session to the mutator.
// A run that produced no reference still gets an empty entry, keeping
// References aligned one-to-one with assistant turns.
func (e *Engine) finishTurn(ctx context.Context, sess *api.Session, eng flow.Engine, msgID, content string, ref *api.Reference) {
	if ref == nil {
		empty := api.EmptyReference()
		ref = &empty
	}
	eng.AddAssistantOutput(msgID, content, ref)
	sess.Messages = append(sess.Messages, assistantTurn(msgID, content))
	if refs := eng.Reference(); refs != nil {
		sess.References = refs
	} else {
		sess.References = append(sess.References, *ref)
	}
	e.persist(ctx, sess, eng)
}
