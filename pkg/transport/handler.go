package transport

import (
	"context"

	"github.com/tbraun/agentflow/pkg/api"
)

// CompletionHandler is the orchestrator contract consumed by the HTTP
// adapter. Both operations drive one engine run and write the resulting
// frames to the supplied writer; they return an error only for failures
// the transport should surface itself (validation failures before any
// frame, or a native-path engine failure that propagates to the caller).
type CompletionHandler interface {
	// Completion runs a query through the native push protocol: every
	// engine event is re-emitted as a frame tagged with the session id.
	Completion(ctx context.Context, req *api.CompletionRequest, w EventWriter) error

	// CompletionOpenAI runs a query through the OpenAI-compatible
	// protocol, streaming chunks or writing a single response depending
	// on req.Stream. Errors during the run are converted to terminal
	// content frames; the returned error is reserved for writer failures.
	CompletionOpenAI(ctx context.Context, req *api.ChatRequest, w ChatWriter) error
}

// EventWriter emits native protocol frames. Implementations frame each
// event as "data:" + json + "\n\n" and flush per frame.
type EventWriter interface {
	WriteEvent(ctx context.Context, ev *api.Event) error
}

// ChatWriter emits OpenAI-compatible output. WriteChunk and WriteResponse
// are mutually exclusive on one writer: a stream is a sequence of chunks
// closed by WriteDone, a single-shot response is exactly one WriteResponse
// call with no sentinel.
type ChatWriter interface {
	// WriteChunk sends one streaming chunk frame.
	WriteChunk(ctx context.Context, cc *api.ChatCompletion) error

	// WriteResponse sends the sole body of a non-streaming request.
	WriteResponse(ctx context.Context, cc *api.ChatCompletion) error

	// WriteDone sends the protocol-terminal sentinel and completes the
	// stream. Always the last frame of a streaming request.
	WriteDone(ctx context.Context) error
}

// SessionStore persists conversation sessions.
type SessionStore interface {
	// GetSession retrieves a session by ID. Returns storage.ErrNotFound
	// if the session does not exist.
	GetSession(ctx context.Context, id string) (*api.Session, error)

	// CreateSession persists a newly created session. Returns
	// storage.ErrConflict if the ID already exists.
	CreateSession(ctx context.Context, sess *api.Session) error

	// AppendMessage persists the session's mutable fields (messages,
	// references, serialized engine state, errors) after a completed or
	// failed run. Called exactly once per request.
	AppendMessage(ctx context.Context, id string, sess *api.Session) error

	// HealthCheck verifies the store connection is functional.
	HealthCheck(ctx context.Context) error

	// Close releases connections and resources.
	Close() error
}

// WorkflowStore persists workflow definitions. The completion path uses
// GetWorkflow only; listing honors team-shared permission, an asymmetry
// the completion path's strict ownership check deliberately does not.
type WorkflowStore interface {
	// GetWorkflow retrieves a definition by ID. Returns
	// storage.ErrNotFound if absent.
	GetWorkflow(ctx context.Context, id string) (*api.Workflow, error)

	// SaveWorkflow creates or replaces a definition.
	SaveWorkflow(ctx context.Context, wf *api.Workflow) error

	// ListWorkflows returns definitions visible to the caller: owned by
	// OwnerID, or owned by any of TeamIDs with team permission. Keywords
	// filters on the title, case-insensitively.
	ListWorkflows(ctx context.Context, opts ListOptions) (*WorkflowList, error)
}

// ListOptions controls filtering, ordering, and pagination of workflow
// listings.
type ListOptions struct {
	OwnerID  string
	TeamIDs  []string
	Keywords string
	OrderBy  string // "create_time" or "update_time" (default)
	Desc     bool
	Page     int // 1-based, default 1
	PerPage  int // default 30, max 100
}

// normalize applies defaults and bounds.
func (o *ListOptions) normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PerPage <= 0 {
		o.PerPage = 30
	}
	if o.PerPage > 100 {
		o.PerPage = 100
	}
	if o.OrderBy == "" {
		o.OrderBy = "update_time"
	}
}

// Normalize returns a copy of the options with defaults applied.
func (o ListOptions) Normalize() ListOptions {
	o.normalize()
	return o
}

// WorkflowList is one page of a workflow listing plus the total match
// count.
type WorkflowList struct {
	Data  []*api.Workflow `json:"data"`
	Total int             `json:"total"`
}
