package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tbraun/agentflow/pkg/api"
)

// deltaChunkRunes is the size of the content deltas a streaming Graph run
// emits. Chunking by rune count keeps the concatenation of all deltas
// byte-identical to the final answer.
const deltaChunkRunes = 16

// Node is one step of a Graph workflow. Answer is a template; {query} and
// {param-key} placeholders are substituted at run time. A non-empty
// FailWith makes the node fail after it starts, for exercising the
// mid-stream failure path.
type Node struct {
	ID       string `json:"id"`
	Label    string `json:"label,omitempty"`
	Answer   string `json:"answer"`
	FailWith string `json:"fail_with,omitempty"`
}

// graphState is the Graph's complete serialized form. It is the DSL: the
// same JSON document describes a pristine workflow definition and a
// mid-conversation checkpoint.
type graphState struct {
	Prologue     string            `json:"prologue,omitempty"`
	PresetParams []api.PresetParam `json:"preset_params,omitempty"`
	Nodes        []Node            `json:"nodes"`
	Messages     []api.Message     `json:"messages,omitempty"`
	History      [][2]string       `json:"history,omitempty"`
	References   []api.Reference   `json:"reference,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Graph is the built-in execution engine: a linear node list evaluated
// against the query, with template substitution for bound parameters.
type Graph struct {
	mu         sync.Mutex
	state      graphState
	tenantID   string
	workflowID string
}

var _ Engine = (*Graph)(nil)

// NewGraph constructs a Graph engine from its serialized DSL form.
func NewGraph(dsl, tenantID, workflowID string) (*Graph, error) {
	var state graphState
	if err := json.Unmarshal([]byte(dsl), &state); err != nil {
		return nil, fmt.Errorf("parsing workflow dsl: %w", err)
	}
	if len(state.Nodes) == 0 {
		return nil, errors.New("workflow dsl declares no nodes")
	}
	return &Graph{
		state:      state,
		tenantID:   tenantID,
		workflowID: workflowID,
	}, nil
}

// New is the default Factory backed by Graph.
func New(dsl, tenantID, workflowID string) (Engine, error) {
	return NewGraph(dsl, tenantID, workflowID)
}

// Reset clears residual conversation and run state, keeping the workflow
// structure (nodes, prologue, parameter declarations) intact.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Messages = nil
	g.state.History = nil
	g.state.References = nil
	g.state.Error = ""
}

// Run evaluates the node list and produces the event sequence on the
// returned channel. The channel is closed when the sequence is exhausted
// or ctx is cancelled.
func (g *Graph) Run(ctx context.Context, req RunRequest) (<-chan Event, error) {
	g.mu.Lock()
	g.state.Error = ""
	nodes := make([]Node, len(g.state.Nodes))
	copy(nodes, g.state.Nodes)
	repl := g.replacer(req)
	g.mu.Unlock()

	ch := make(chan Event)
	go func() {
		defer close(ch)

		var answers []string
		for _, node := range nodes {
			if !emit(ctx, ch, Event{Kind: EventNodeStarted, RunningStatus: true}) {
				return
			}

			if node.FailWith != "" {
				err := errors.New(node.FailWith)
				g.setError(err.Error())
				emit(ctx, ch, Event{Err: err})
				return
			}

			rendered := repl.Replace(node.Answer)
			answers = append(answers, rendered)

			if req.Stream {
				for _, delta := range chunkRunes(rendered, deltaChunkRunes) {
					if !emit(ctx, ch, Event{Kind: EventMessage, Content: delta, RunningStatus: true}) {
						return
					}
				}
			} else {
				ref := api.EmptyReference()
				ok := emit(ctx, ch, Event{
					Kind:         EventMessage,
					ContentLines: strings.Split(rendered, "\n"),
					Reference:    &ref,
				})
				if !ok {
					return
				}
			}
		}

		if req.Stream {
			ref := api.EmptyReference()
			emit(ctx, ch, Event{
				Kind:      EventWorkflowFinished,
				Content:   strings.Join(answers, ""),
				Reference: &ref,
			})
		}
	}()

	return ch, nil
}

// Reference returns a copy of the accumulated per-turn retrieval metadata.
func (g *Graph) Reference() []api.Reference {
	g.mu.Lock()
	defer g.mu.Unlock()
	refs := make([]api.Reference, len(g.state.References))
	copy(refs, g.state.References)
	return refs
}

// Prologue returns the workflow's greeting text.
func (g *Graph) Prologue() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Prologue
}

// PresetParams returns a copy of the declared input slots.
func (g *Graph) PresetParams() []api.PresetParam {
	g.mu.Lock()
	defer g.mu.Unlock()
	params := make([]api.PresetParam, len(g.state.PresetParams))
	copy(params, g.state.PresetParams)
	return params
}

// SetPresetParams replaces the parameter bindings.
func (g *Graph) SetPresetParams(params []api.PresetParam) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.PresetParams = make([]api.PresetParam, len(params))
	copy(g.state.PresetParams, params)
}

// AddUserInput records a user turn.
func (g *Graph) AddUserInput(id, content string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Messages = append(g.state.Messages, api.Message{Role: api.RoleUser, Content: content, ID: id})
	g.state.History = append(g.state.History, [2]string{api.RoleUser, content})
}

// AddAssistantOutput records an assistant turn and its reference.
func (g *Graph) AddAssistantOutput(id, content string, ref *api.Reference) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Messages = append(g.state.Messages, api.Message{Role: api.RoleAssistant, Content: content, ID: id})
	g.state.History = append(g.state.History, [2]string{api.RoleAssistant, content})
	if ref != nil {
		g.state.References = append(g.state.References, *ref)
	}
}

// Err returns the last run error, or an empty string.
func (g *Graph) Err() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Error
}

// MarshalDSL serializes the full engine state. The output is valid input
// for NewGraph and is indented for human diffing.
func (g *Graph) MarshalDSL() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, err := json.MarshalIndent(g.state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serializing workflow state: %w", err)
	}
	return string(data), nil
}

func (g *Graph) setError(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Error = msg
}

// replacer builds the template substitution for one run: {query}, bound
// preset parameters, and per-run inputs. Callers hold g.mu.
func (g *Graph) replacer(req RunRequest) *strings.Replacer {
	pairs := []string{"{query}", req.Query}
	for _, p := range g.state.PresetParams {
		if p.Value != nil {
			pairs = append(pairs, "{"+p.Key+"}", fmt.Sprint(p.Value))
		}
	}
	for k, v := range req.Inputs {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...)
}

// emit sends an event unless ctx is cancelled. Returns false when the
// caller should stop producing.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// chunkRunes splits s into chunks of at most n runes, preserving the
// original byte sequence across the concatenation.
func chunkRunes(s string, n int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	runes := []rune(s)
	for len(runes) > 0 {
		take := n
		if take > len(runes) {
			take = len(runes)
		}
		chunks = append(chunks, string(runes[:take]))
		runes = runes[take:]
	}
	return chunks
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
