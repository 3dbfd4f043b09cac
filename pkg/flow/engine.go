package flow

import (
	"context"

	"github.com/tbraun/agentflow/pkg/api"
)

// Event kinds produced by an engine run.
const (
	// EventMessage carries answer text. Events with RunningStatus set are
	// incremental deltas; the native protocol accumulates their content
	// into the assistant transcript.
	EventMessage = "message"

	// EventNodeStarted reports that a workflow node began evaluating.
	EventNodeStarted = "node_started"

	// EventWorkflowFinished is the final event of a successful run. It
	// carries the complete answer and the run's retrieval reference.
	EventWorkflowFinished = "workflow_finished"
)

// Event is one element of an engine's event sequence.
//
// Events are classified two ways downstream: the native protocol re-emits
// every event and accumulates EventMessage content; the OpenAI-compatible
// protocol treats RunningStatus events as token-counted deltas and merges
// the remaining events field-by-field into a final answer.
type Event struct {
	// Kind is one of the Event* constants, or a backend-defined kind.
	Kind string

	// Content is the event's answer text: a delta for RunningStatus
	// events, the full accumulated answer otherwise.
	Content string

	// ContentLines holds the answer as separate lines for backends that
	// produce multi-line final answers in blocking mode. Joined with
	// newlines by the non-streaming translator. Empty when Content is
	// authoritative.
	ContentLines []string

	// RunningStatus marks an incremental progress delta that is not yet
	// a complete answer.
	RunningStatus bool

	// Reference carries retrieval metadata on final-answer events.
	Reference *api.Reference

	// Err signals a failure raised while producing the sequence. An
	// event with a non-nil Err is always the last element.
	Err error
}

// Frame converts the event to a native protocol frame tagged with the
// session id.
func (e *Event) Frame(sessionID string) api.Event {
	return api.Event{
		Event:     e.Kind,
		SessionID: sessionID,
		Data: api.EventData{
			Content:   e.Content,
			Reference: e.Reference,
		},
	}
}

// Text returns the event's answer text, joining ContentLines when Content
// is empty.
func (e *Event) Text() string {
	if e.Content != "" || len(e.ContentLines) == 0 {
		return e.Content
	}
	return joinLines(e.ContentLines)
}

// RunRequest carries the per-run inputs handed to an engine.
type RunRequest struct {
	Query  string
	Files  []string
	UserID string
	Inputs map[string]any

	// Stream selects per-delta event production. Blocking runs emit
	// node-level final events only.
	Stream bool
}

// Engine is the execution engine capability consumed by the orchestrator.
//
// A single Engine value backs exactly one session at a time. Run may be
// called once per user turn; the returned channel is closed when the
// sequence is exhausted. Failures are delivered in-band as an Event with
// a non-nil Err, after which the channel closes.
type Engine interface {
	// Reset clears residual run state. Called once on fresh sessions
	// before the first run.
	Reset()

	// Run starts evaluating the workflow against the query and returns
	// the event sequence. The sequence is finite and non-restartable;
	// cancelling ctx stops production.
	Run(ctx context.Context, req RunRequest) (<-chan Event, error)

	// Reference returns the retrieval metadata accumulated across the
	// engine's lifetime, one entry per assistant turn.
	Reference() []api.Reference

	// Prologue returns the workflow's greeting text.
	Prologue() string

	// PresetParams returns a copy of the workflow's declared input slots.
	PresetParams() []api.PresetParam

	// SetPresetParams replaces the parameter bindings. Entries with a
	// nil Value are explicitly unbound.
	SetPresetParams(params []api.PresetParam)

	// AddUserInput records a user turn in the engine's conversation state.
	AddUserInput(id, content string)

	// AddAssistantOutput records an assistant turn and its reference in
	// the engine's conversation state.
	AddAssistantOutput(id, content string, ref *api.Reference)

	// Err returns the last error surfaced by a run, or an empty string.
	Err() string

	// MarshalDSL serializes the engine's full state to its canonical
	// self-describing string form. New(MarshalDSL(...)) reproduces an
	// equivalent engine.
	MarshalDSL() (string, error)
}

// Factory constructs an engine from a serialized definition. The tenant
// and workflow ids scope backend resources (model access, retrieval
// indexes); the built-in Graph backend records them without interpreting
// them.
type Factory func(dsl, tenantID, workflowID string) (Engine, error)
