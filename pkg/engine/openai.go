package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tbraun/agentflow/pkg/api"
	"github.com/tbraun/agentflow/pkg/flow"
	"github.com/tbraun/agentflow/pkg/observability"
	"github.com/tbraun/agentflow/pkg/storage"
	"github.com/tbraun/agentflow/pkg/transport"
)

// finalAnswer accumulates the non-progress events of a run by
// field-wise overwrite: later events replace the content and reference
// of earlier ones rather than appending.
type finalAnswer struct {
	Content   string
	Reference *api.Reference
}

func (f *finalAnswer) merge(ev *flow.Event) {
	if text := ev.Text(); text != "" {
		f.Content = text
	}
	if ev.Reference != nil {
		f.Reference = ev.Reference
	}
}

// CompletionOpenAI runs one user turn through the OpenAI-compatible
// protocol. The question is the last user message; Model names the
// workflow definition. Failures that precede the engine run produce a
// single terminal frame and leave the stores untouched; failures during
// the run are persisted first and then reported as an error-marked
// content frame.
func (e *Engine) CompletionOpenAI(ctx context.Context, req *api.ChatRequest, w transport.ChatWriter) error {
	caller := storage.GetTenant(ctx)
	start := time.Now()
	question := req.Question()
	promptTokens := e.tokens.Count(question)

	var (
		sess *api.Session
		eng  flow.Engine
	)
	if req.SessionID != "" {
		var err error
		sess, eng, err = e.resolveSession(ctx, req.SessionID, caller)
		if err != nil {
			return e.preflightFrame(ctx, w, req, req.SessionID, err)
		}
	} else {
		wf, fresh, err := e.resolveWorkflow(ctx, req.Model, caller)
		if err != nil {
			return e.preflightFrame(ctx, w, req, "", err)
		}
		eng = fresh

		params := eng.PresetParams()
		for i := range params {
			if v, ok := req.Input(params[i].Key); ok {
				params[i].Value = v
				continue
			}
			if !params[i].Optional {
				missing := api.NewMissingParamError(params[i].Key)
				frame := api.NewChatCompletion(req.SessionID, req.Model, missing.Message,
					api.WithFinishReason(api.FinishReasonStop),
					api.WithUsage(promptTokens, e.tokens.Count(missing.Message)))
				return w.WriteResponse(ctx, frame)
			}
			params[i].Value = nil
		}
		eng.SetPresetParams(params)

		sess = e.newSession(wf, eng, req.UserID)
		// The chat surface opens fresh conversations with the workflow's
		// prologue as the first assistant turn; the native push protocol
		// starts empty.
		if prologue := eng.Prologue(); prologue != "" {
			sess.Messages = append(sess.Messages, assistantTurn(api.NewMessageID(), prologue))
		}
		if cerr := e.sessions.CreateSession(ctx, sess); cerr != nil {
			return api.NewServerError("create session: " + cerr.Error())
		}
		observability.SessionsCreatedTotal.Inc()
	}

	msgID := api.NewMessageID()
	sess.Messages = append(sess.Messages, userTurn(msgID, question))
	eng.AddUserInput(msgID, question)

	if req.Stream {
		return e.streamChat(ctx, req, w, sess, eng, msgID, promptTokens, start)
	}
	return e.blockingChat(ctx, req, w, sess, eng, msgID, promptTokens, start)
}

func (e *Engine) streamChat(ctx context.Context, req *api.ChatRequest, w transport.ChatWriter, sess *api.Session, eng flow.Engine, msgID string, promptTokens int, start time.Time) error {
	events, err := eng.Run(ctx, flow.RunRequest{
		Query:  req.Question(),
		UserID: req.UserID,
		Inputs: req.Inputs,
		Stream: true,
	})
	if err != nil {
		return e.failChat(ctx, req, w, sess, eng, msgID, promptTokens, err, start)
	}

	completionTokens := 0
	var final finalAnswer
	var writeErr error
	for ev := range events {
		if ev.Err != nil {
			return e.failChat(ctx, req, w, sess, eng, msgID, promptTokens, ev.Err, start)
		}
		if ev.RunningStatus {
			if ev.Content == "" {
				continue
			}
			completionTokens += e.tokens.Count(ev.Content)
			chunk := api.NewChatCompletion(sess.ID, req.Model, ev.Content,
				api.WithObject(api.ObjectChatCompletionChunk),
				api.WithUsage(promptTokens, completionTokens))
			if writeErr = w.WriteChunk(ctx, chunk); writeErr != nil {
				break
			}
			observability.FramesTotal.WithLabelValues("openai").Inc()
			continue
		}

		final.merge(&ev)
		completionTokens += e.tokens.Count(final.Content)
		chunk := api.NewChatCompletion(sess.ID, req.Model, final.Content,
			api.WithObject(api.ObjectChatCompletionChunk),
			api.WithFinishReason(api.FinishReasonStop),
			api.WithUsage(promptTokens, completionTokens))
		if writeErr = w.WriteChunk(ctx, chunk); writeErr != nil {
			break
		}
		observability.FramesTotal.WithLabelValues("openai").Inc()
	}

	e.observeTokens(promptTokens, completionTokens)
	e.finishTurn(ctx, sess, eng, msgID, final.Content, final.Reference)
	e.observeRun(sess.WorkflowID, start, writeErr)
	if writeErr != nil {
		return writeErr
	}
	return w.WriteDone(ctx)
}

func (e *Engine) blockingChat(ctx context.Context, req *api.ChatRequest, w transport.ChatWriter, sess *api.Session, eng flow.Engine, msgID string, promptTokens int, start time.Time) error {
	events, err := eng.Run(ctx, flow.RunRequest{
		Query:  req.Question(),
		UserID: req.UserID,
		Inputs: req.Inputs,
		Stream: false,
	})
	if err != nil {
		return e.failChat(ctx, req, w, sess, eng, msgID, promptTokens, err, start)
	}

	var content strings.Builder
	var final finalAnswer
	for ev := range events {
		if ev.Err != nil {
			return e.failChat(ctx, req, w, sess, eng, msgID, promptTokens, ev.Err, start)
		}
		if ev.RunningStatus {
			continue
		}
		content.WriteString(ev.Text())
		if ev.Reference != nil {
			final.Reference = ev.Reference
		}
	}
	final.Content = content.String()

	completionTokens := e.tokens.Count(final.Content)
	e.observeTokens(promptTokens, completionTokens)
	e.finishTurn(ctx, sess, eng, msgID, final.Content, final.Reference)
	e.observeRun(sess.WorkflowID, start, nil)

	resp := api.NewChatCompletion(sess.ID, req.Model, final.Content,
		api.WithFinishReason(api.FinishReasonStop),
		api.WithUsage(promptTokens, completionTokens),
		api.WithParam(eng.PresetParams()))
	return w.WriteResponse(ctx, resp)
}

// failChat handles a failure raised by the engine run itself: the
// conversation (user turn plus an error-marked assistant turn) is
// persisted first, then the error is delivered as ordinary content in a
// properly terminated frame sequence.
func (e *Engine) failChat(ctx context.Context, req *api.ChatRequest, w transport.ChatWriter, sess *api.Session, eng flow.Engine, msgID string, promptTokens int, runErr error, start time.Time) error {
	content := api.ErrorMarker + runErr.Error()
	e.finishTurn(ctx, sess, eng, msgID, content, nil)
	e.observeRun(sess.WorkflowID, start, runErr)

	if !req.Stream {
		resp := api.NewChatCompletion(sess.ID, req.Model, content,
			api.WithFinishReason(api.FinishReasonStop),
			api.WithUsage(promptTokens, e.tokens.Count(content)))
		return w.WriteResponse(ctx, resp)
	}

	chunk := api.NewChatCompletion(sess.ID, req.Model, content,
		api.WithObject(api.ObjectChatCompletionChunk),
		api.WithFinishReason(api.FinishReasonStop),
		api.WithUsage(promptTokens, e.tokens.Count(content)))
	if err := w.WriteChunk(ctx, chunk); err != nil {
		return err
	}
	return w.WriteDone(ctx)
}

// preflightFrame reports a resolution failure that occurred before any
// engine run. API-level failures become a single error-marked content
// frame with no sentinel and no store writes; anything else surfaces to
// the transport as-is.
func (e *Engine) preflightFrame(ctx context.Context, w transport.ChatWriter, req *api.ChatRequest, id string, err error) error {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Type == api.ErrorTypeServerError {
		return apiErr
	}
	frame := api.NewChatCompletion(id, req.Model, apiErr.Content(),
		api.WithFinishReason(api.FinishReasonStop))
	return w.WriteResponse(ctx, frame)
}

func (e *Engine) observeTokens(prompt, completion int) {
	observability.TokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	observability.TokensTotal.WithLabelValues("completion").Add(float64(completion))
}
