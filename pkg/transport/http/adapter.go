package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tbraun/agentflow/pkg/api"
	"github.com/tbraun/agentflow/pkg/observability"
	"github.com/tbraun/agentflow/pkg/storage"
	"github.com/tbraun/agentflow/pkg/transport"
)

// Adapter serves the completion gateway over HTTP. It routes requests,
// decodes bodies, serializes per-session access, and hands frames to the
// protocol writers.
type Adapter struct {
	handler   transport.CompletionHandler
	sessions  transport.SessionStore
	workflows transport.WorkflowStore
	guard     *transport.SessionGuard
	validate  *validator.Validate
	mux       *http.ServeMux
	config    Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout int // seconds
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     10 << 20, // 10 MB
		ShutdownTimeout: 30,
	}
}

// NewAdapter creates an HTTP adapter over the given completion handler and
// stores. Middleware is applied to the handler in the given order.
func NewAdapter(handler transport.CompletionHandler, sessions transport.SessionStore, workflows transport.WorkflowStore, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		handler = transport.Chain(middlewares...)(handler)
	}

	a := &Adapter{
		handler:   handler,
		sessions:  sessions,
		workflows: workflows,
		guard:     transport.NewSessionGuard(),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		mux:       http.NewServeMux(),
		config:    cfg,
	}

	a.mux.HandleFunc("POST /api/v1/agents/{id}/completions", a.handleCompletion)
	a.mux.HandleFunc("POST /api/v1/agents_openai/{id}/chat/completions", a.handleChatCompletion)
	a.mux.HandleFunc("GET /api/v1/agents", a.handleListAgents)
	a.mux.HandleFunc("GET /healthz", a.handleHealth)

	return a
}

// Handler returns the http.Handler for this adapter, wrapped with request
// ID propagation and request metrics.
func (a *Adapter) Handler() http.Handler {
	return observability.MetricsMiddleware(httpRequestIDMiddleware(a.mux))
}

// httpRequestIDMiddleware propagates the X-Request-ID header: a client
// supplied value is forwarded into the context, and the effective id (set
// by the transport-level RequestID middleware) is echoed on the response
// before the first write.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			r = r.WithContext(transport.ContextWithRequestID(r.Context(), id))
		}
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter wraps http.ResponseWriter to inject the
// X-Request-ID header before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

func (w *requestIDResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleCompletion handles POST /api/v1/agents/{id}/completions, the
// native push protocol endpoint.
func (a *Adapter) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req api.CompletionRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	req.WorkflowID = r.PathValue("id")

	if req.SessionID != "" && !api.ValidateSessionID(req.SessionID) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("session_id", "malformed session ID"),
			http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", err.Error()),
			http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if !a.acquireSession(w, req.SessionID, cancel) {
		return
	}
	defer a.guard.Release(req.SessionID)

	observability.StreamingConnections.Inc()
	defer observability.StreamingConnections.Dec()

	rw := newEventStreamWriter(w)
	if err := a.handler.Completion(ctx, &req, rw); err != nil {
		a.writeCompletionError(w, rw, err)
	}
}

// handleChatCompletion handles POST /api/v1/agents_openai/{id}/chat/completions,
// the OpenAI-compatible endpoint. The path id names the workflow; extra
// top-level body keys are collected as auxiliary inputs for preset
// parameter binding.
func (a *Adapter) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeChatRequest(w, r)
	if !ok {
		return
	}
	req.Model = r.PathValue("id")

	if req.SessionID != "" && !api.ValidateSessionID(req.SessionID) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("session_id", "malformed session ID"),
			http.StatusBadRequest)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", err.Error()),
			http.StatusBadRequest)
		return
	}
	if req.Question() == "" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("messages", "no user message found"),
			http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if !a.acquireSession(w, req.SessionID, cancel) {
		return
	}
	defer a.guard.Release(req.SessionID)

	if req.Stream {
		observability.StreamingConnections.Inc()
		defer observability.StreamingConnections.Dec()
	}

	cw := newChatStreamWriter(w)
	if err := a.handler.CompletionOpenAI(ctx, req, cw); err != nil {
		a.writeChatError(w, cw, err)
	}
}

// chatRequestKeys are the declared top-level fields of the chat request
// body; everything else is treated as an auxiliary input.
var chatRequestKeys = map[string]bool{
	"model":      true,
	"messages":   true,
	"stream":     true,
	"session_id": true,
	"user_id":    true,
}

// decodeChatRequest decodes the body twice: once into the typed request
// and once into a generic map, so undeclared top-level keys survive as
// Inputs for preset-parameter binding.
func (a *Adapter) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*api.ChatRequest, bool) {
	body, ok := a.readBody(w, r)
	if !ok {
		return nil, false
	}

	var req api.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest)
		return nil, false
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err == nil {
		for k, v := range raw {
			if chatRequestKeys[k] {
				continue
			}
			if req.Inputs == nil {
				req.Inputs = make(map[string]any)
			}
			req.Inputs[k] = v
		}
	}
	return &req, true
}

func (a *Adapter) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := a.readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest)
		return false
	}
	return true
}

func (a *Adapter) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType)
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge)
			return nil, false
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "reading body: "+err.Error()),
			http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// acquireSession serializes access per session id. A request against a
// session that already has one in flight is rejected with 409 before any
// engine run begins. Requests without a session id are not serialized.
func (a *Adapter) acquireSession(w http.ResponseWriter, sessionID string, cancel context.CancelFunc) bool {
	if sessionID == "" {
		return true
	}
	if !a.guard.Acquire(sessionID, cancel) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("session_id", "another request for this session is already in flight"),
			http.StatusConflict)
		return false
	}
	return true
}

// handleListAgents handles GET /api/v1/agents: workflow definitions owned
// by the caller plus team-shared ones.
func (a *Adapter) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := transport.ListOptions{
		OwnerID:  storage.GetTenant(r.Context()),
		TeamIDs:  storage.GetTeams(r.Context()),
		Keywords: q.Get("keywords"),
		OrderBy:  q.Get("orderby"),
		Desc:     q.Get("desc") != "false",
	}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("page", "page must be a positive integer"),
				http.StatusBadRequest)
			return
		}
		opts.Page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("page_size", "page_size must be a positive integer"),
				http.StatusBadRequest)
			return
		}
		opts.PerPage = n
	}
	if opts.OrderBy != "" && opts.OrderBy != "create_time" && opts.OrderBy != "update_time" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("orderby", "orderby must be 'create_time' or 'update_time'"),
			http.StatusBadRequest)
		return
	}

	list, err := a.workflows.ListWorkflows(r.Context(), opts.Normalize())
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) {
			transport.WriteAPIError(w, apiErr)
		} else {
			transport.WriteAPIError(w, api.NewServerError(err.Error()))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

// handleHealth handles GET /healthz.
func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.HealthCheck(r.Context()); err != nil {
		transport.WriteErrorResponse(w,
			api.NewServerError("storage unavailable: "+err.Error()),
			http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeCompletionError reports a native-path failure. Before any frame it
// is an ordinary JSON error with a mapped status; once streaming has begun
// the error is delivered as a terminal "error" frame on the stream.
func (a *Adapter) writeCompletionError(w http.ResponseWriter, rw *eventStreamWriter, err error) {
	apiErr := asAPIError(err)
	if !rw.started() {
		transport.WriteAPIError(w, apiErr)
		return
	}
	frame := api.Event{
		Event: "error",
		Data:  api.EventData{Content: apiErr.Content()},
	}
	rw.WriteEvent(context.Background(), &frame)
}

// writeChatError reports an OpenAI-path failure that the handler did not
// convert to content frames itself. Mid-stream writer failures leave
// nothing to send.
func (a *Adapter) writeChatError(w http.ResponseWriter, cw *chatStreamWriter, err error) {
	if cw.started() {
		return
	}
	transport.WriteAPIError(w, asAPIError(err))
}

func asAPIError(err error) *api.APIError {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return api.NewServerError(err.Error())
}
