package api

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Workflow permission values. Team sharing is honored by listing queries
// only; the completion path requires strict ownership.
const (
	PermissionPrivate = "private"
	PermissionTeam    = "team"
)

// SourceAgent is the provenance tag recorded on sessions created by the
// completion endpoints. Informational only.
const SourceAgent = "agent"

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	ID      string `json:"id,omitempty"`

	// CreatedAt is a unix timestamp in seconds with fractional part.
	// Zero for turns that predate timestamping (e.g. seeded prologues
	// keep it for symmetry with appended turns).
	CreatedAt float64 `json:"created_at,omitempty"`
}

// Reference holds per-turn retrieval metadata produced by the execution
// engine. The element shapes inside Chunks and DocAggs are engine-defined;
// the gateway passes them through untouched.
type Reference struct {
	Chunks  []any `json:"chunks"`
	DocAggs []any `json:"doc_aggs"`
}

// EmptyReference returns a Reference with non-nil empty collections, so it
// serializes as {"chunks":[],"doc_aggs":[]} rather than nulls.
func EmptyReference() Reference {
	return Reference{Chunks: []any{}, DocAggs: []any{}}
}

// Session is a persisted, resumable conversation bound to one workflow and
// its execution-engine state.
//
// Invariants maintained by the engine package:
//   - ID is assigned exactly once, at creation.
//   - Messages is append-only during a session's active life; a user turn
//     and its paired assistant turn are appended within one request.
//   - References[i] is index-aligned with the i-th assistant-bearing turn
//     of the protocol that produced it; entries may be empty but exist once
//     an assistant turn exists.
//   - DSL holds the engine's serialized state as of the last checkpoint.
type Session struct {
	ID         string      `json:"id"`
	WorkflowID string      `json:"workflow_id"`
	UserID     string      `json:"user_id"`
	Messages   []Message   `json:"messages"`
	References []Reference `json:"references"`

	// DSL is the execution engine's full serialized state: a
	// self-describing string, human-diffable and round-trippable to the
	// engine's in-memory form.
	DSL string `json:"dsl"`

	// Errors carries the last error message surfaced by the engine, if any.
	Errors string `json:"errors,omitempty"`

	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Workflow is the read-only view of a stored workflow definition used by
// the completion path and the listing endpoint.
type Workflow struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	DSL         string    `json:"dsl"`
	Permission  string    `json:"permission"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// PresetParam is a declared input slot a workflow requires or optionally
// accepts before a fresh run can proceed. An unbound parameter has a nil
// Value and serializes without the value key, so the engine can apply its
// own default.
type PresetParam struct {
	Key      string `json:"key"`
	Optional bool   `json:"optional"`
	Value    any    `json:"value,omitempty"`
}

// Event is one frame of the native push protocol. Content-bearing frames
// carry Event == "message" and Data.Content; every frame emitted to a
// client carries the session id.
type Event struct {
	Event     string    `json:"event"`
	SessionID string    `json:"session_id,omitempty"`
	Data      EventData `json:"data"`
}

// EventData is the payload of a native protocol frame.
type EventData struct {
	Content   string     `json:"content,omitempty"`
	Reference *Reference `json:"reference,omitempty"`
}

// CompletionRequest is the native completion endpoint's input. A non-empty
// SessionID resumes an existing conversation; otherwise a new session is
// created against WorkflowID.
type CompletionRequest struct {
	WorkflowID string         `json:"-" validate:"required_without=SessionID"`
	SessionID  string         `json:"session_id,omitempty"`
	Query      string         `json:"query"`
	Files      []string       `json:"files,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
}

// ChatMessage is one entry of an OpenAI-compatible messages array, and the
// shape of choice deltas and final messages in responses.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the OpenAI-compatible completion endpoint's input. Model
// names the workflow definition. Inputs carries every extra top-level key
// of the request body and is matched against the workflow's preset
// parameters on fresh sessions.
type ChatRequest struct {
	Model     string         `json:"model" validate:"required"`
	Messages  []ChatMessage  `json:"messages" validate:"required,min=1"`
	Stream    bool           `json:"stream"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Inputs    map[string]any `json:"-"`
}

// Question returns the content of the last user message, or an empty
// string when none exists.
func (r *ChatRequest) Question() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Input returns the named auxiliary input and whether it was supplied with
// a non-empty value. Empty strings and nils count as absent, matching the
// preset-parameter binding rules.
func (r *ChatRequest) Input(key string) (any, bool) {
	v, ok := r.Inputs[key]
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return nil, false
	}
	return v, true
}
