package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tbraun/agentflow/pkg/api"
	"github.com/tbraun/agentflow/pkg/flow"
	"github.com/tbraun/agentflow/pkg/storage"
	"github.com/tbraun/agentflow/pkg/transport"
)

// runeCounter makes token counts predictable in tests: one token per rune.
type runeCounter struct{}

func (runeCounter) Count(text string) int { return len([]rune(text)) }

// scriptEngine is a flow.Engine whose run replays a fixed event script.
type scriptEngine struct {
	events   []flow.Event
	runErr   error
	prologue string
	params   []api.PresetParam
	dsl      string
	errMsg   string

	resets     int
	runs       int
	lastReq    flow.RunRequest
	users      []string
	assistants []string
	refs       []api.Reference
	setParams  []api.PresetParam
}

func (s *scriptEngine) Reset() { s.resets++ }

func (s *scriptEngine) Run(ctx context.Context, req flow.RunRequest) (<-chan flow.Event, error) {
	s.runs++
	s.lastReq = req
	if s.runErr != nil {
		return nil, s.runErr
	}
	ch := make(chan flow.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (s *scriptEngine) Reference() []api.Reference { return s.refs }
func (s *scriptEngine) Prologue() string           { return s.prologue }

func (s *scriptEngine) PresetParams() []api.PresetParam {
	params := make([]api.PresetParam, len(s.params))
	copy(params, s.params)
	return params
}

func (s *scriptEngine) SetPresetParams(params []api.PresetParam) { s.setParams = params }

func (s *scriptEngine) AddUserInput(id, content string) { s.users = append(s.users, content) }

func (s *scriptEngine) AddAssistantOutput(id, content string, ref *api.Reference) {
	s.assistants = append(s.assistants, content)
	if ref != nil {
		s.refs = append(s.refs, *ref)
	}
}

func (s *scriptEngine) Err() string { return s.errMsg }

func (s *scriptEngine) MarshalDSL() (string, error) {
	if s.dsl != "" {
		return s.dsl, nil
	}
	return `{"nodes":[{"id":"n1","answer":"ok"}]}`, nil
}

// fakeStore counts writes so persistence can be asserted call-exact.
type fakeStore struct {
	sessions    map[string]*api.Session
	workflows   map[string]*api.Workflow
	creates     int
	createdMsgs int
	appends     int
	appended    *api.Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  map[string]*api.Session{},
		workflows: map[string]*api.Workflow{},
	}
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (*api.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sess
	cp.Messages = append([]api.Message(nil), sess.Messages...)
	cp.References = append([]api.Reference(nil), sess.References...)
	return &cp, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, sess *api.Session) error {
	f.creates++
	f.createdMsgs = len(sess.Messages)
	cp := *sess
	f.sessions[sess.ID] = &cp
	return nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, id string, sess *api.Session) error {
	f.appends++
	cp := *sess
	cp.Messages = append([]api.Message(nil), sess.Messages...)
	f.sessions[id] = &cp
	f.appended = &cp
	return nil
}

func (f *fakeStore) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                          { return nil }

func (f *fakeStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return wf, nil
}

func (f *fakeStore) SaveWorkflow(ctx context.Context, wf *api.Workflow) error {
	f.workflows[wf.ID] = wf
	return nil
}

func (f *fakeStore) ListWorkflows(ctx context.Context, opts transport.ListOptions) (*transport.WorkflowList, error) {
	return &transport.WorkflowList{Data: nil, Total: 0}, nil
}

// frameRecorder captures native protocol frames.
type frameRecorder struct {
	frames []api.Event
}

func (r *frameRecorder) WriteEvent(ctx context.Context, ev *api.Event) error {
	r.frames = append(r.frames, *ev)
	return nil
}

// chatRecorder captures OpenAI-compatible output.
type chatRecorder struct {
	chunks    []*api.ChatCompletion
	responses []*api.ChatCompletion
	done      int
}

func (r *chatRecorder) WriteChunk(ctx context.Context, cc *api.ChatCompletion) error {
	r.chunks = append(r.chunks, cc)
	return nil
}

func (r *chatRecorder) WriteResponse(ctx context.Context, cc *api.ChatCompletion) error {
	r.responses = append(r.responses, cc)
	return nil
}

func (r *chatRecorder) WriteDone(ctx context.Context) error {
	r.done++
	return nil
}

func newTestEngine(t *testing.T, store *fakeStore, script *scriptEngine) *Engine {
	t.Helper()
	factory := func(dsl, tenantID, workflowID string) (flow.Engine, error) {
		return script, nil
	}
	e, err := New(store, store, factory, runeCounter{}, Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func tenantCtx(id string) context.Context {
	return storage.SetTenant(context.Background(), id)
}

func seedWorkflow(store *fakeStore, owner string) *api.Workflow {
	wf := &api.Workflow{
		ID:         "wf-1",
		OwnerID:    owner,
		Title:      "support bot",
		DSL:        `{"nodes":[{"id":"n1","answer":"ok"}]}`,
		Permission: api.PermissionPrivate,
	}
	store.workflows[wf.ID] = wf
	return wf
}

func streamingScript(deltas []string, final string) []flow.Event {
	ref := api.EmptyReference()
	events := []flow.Event{{Kind: flow.EventNodeStarted, RunningStatus: true}}
	for _, d := range deltas {
		events = append(events, flow.Event{Kind: flow.EventMessage, Content: d, RunningStatus: true})
	}
	return append(events, flow.Event{Kind: flow.EventWorkflowFinished, Content: final, Reference: &ref})
}

func TestCompletionFreshSession(t *testing.T) {
	store := newFakeStore()
	seedWorkflow(store, "tenant-1")
	script := &scriptEngine{
		prologue: "Hi! I am your assistant.",
		events:   streamingScript([]string{"Hello", " world"}, "Hello world"),
	}
	e := newTestEngine(t, store, script)

	rec := &frameRecorder{}
	req := &api.CompletionRequest{WorkflowID: "wf-1", Query: "hi", UserID: "u-1"}
	if err := e.Completion(tenantCtx("tenant-1"), req, rec); err != nil {
		t.Fatalf("Completion: %v", err)
	}

	if script.resets != 1 {
		t.Errorf("resets = %d, want 1", script.resets)
	}
	if store.creates != 1 {
		t.Errorf("session creates = %d, want 1", store.creates)
	}
	if store.appends != 1 {
		t.Errorf("appends = %d, want exactly 1", store.appends)
	}

	// every engine event re-emitted, tagged with the session id
	if len(rec.frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(rec.frames))
	}
	sessID := rec.frames[0].SessionID
	if !api.ValidateSessionID(sessID) {
		t.Errorf("frame session id %q not well formed", sessID)
	}
	for i, fr := range rec.frames {
		if fr.SessionID != sessID {
			t.Errorf("frame %d session id = %q, want %q", i, fr.SessionID, sessID)
		}
	}

	// transcript accumulates "message" content only
	sess := store.appended
	last := sess.Messages[len(sess.Messages)-1]
	if last.Role != api.RoleAssistant || last.Content != "Hello world" {
		t.Errorf("assistant turn = %q %q", last.Role, last.Content)
	}

	// the native protocol never seeds the prologue: the record is created
	// empty and grows by the user and assistant turns only
	if store.createdMsgs != 0 {
		t.Errorf("messages at creation = %d, want 0", store.createdMsgs)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 (user, assistant)", len(sess.Messages))
	}
	if sess.Messages[0].Role != api.RoleUser || sess.Messages[0].Content != "hi" {
		t.Errorf("user turn = %+v", sess.Messages[0])
	}
}

func TestCompletionUnknownWorkflow(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, &scriptEngine{})

	rec := &frameRecorder{}
	err := e.Completion(tenantCtx("tenant-1"), &api.CompletionRequest{WorkflowID: "nope", Query: "hi"}, rec)
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeNotFound {
		t.Fatalf("err = %v, want not_found", err)
	}
	if apiErr.Message != "Agent not found." {
		t.Errorf("message = %q", apiErr.Message)
	}
	if len(rec.frames) != 0 || store.creates != 0 || store.appends != 0 {
		t.Error("unknown workflow must produce no frames and no writes")
	}
}

func TestCompletionOwnershipRequired(t *testing.T) {
	store := newFakeStore()
	seedWorkflow(store, "tenant-1")
	e := newTestEngine(t, store, &scriptEngine{})

	err := e.Completion(tenantCtx("tenant-2"), &api.CompletionRequest{WorkflowID: "wf-1", Query: "hi"}, &frameRecorder{})
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeForbidden {
		t.Fatalf("err = %v, want forbidden", err)
	}
	if apiErr.Message != "You do not own the agent" {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestCompletionResumeSkipsOwnershipCheck(t *testing.T) {
	store := newFakeStore()
	store.sessions["sess_abcabcabcabcabcabcabcabc"] = &api.Session{
		ID:         "sess_abcabcabcabcabcabcabcabc",
		WorkflowID: "wf-1",
		UserID:     "u-9",
		Messages:   []api.Message{},
		DSL:        `{"nodes":[{"id":"n1","answer":"ok"}]}`,
	}
	script := &scriptEngine{events: streamingScript(nil, "resumed")}
	e := newTestEngine(t, store, script)

	req := &api.CompletionRequest{SessionID: "sess_abcabcabcabcabcabcabcabc", Query: "again"}
	if err := e.Completion(tenantCtx("someone-else"), req, &frameRecorder{}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if script.resets != 0 {
		t.Errorf("resume must not reset engine state, resets = %d", script.resets)
	}
	if store.appends != 1 {
		t.Errorf("appends = %d, want 1", store.appends)
	}
	if got := len(store.appended.Messages); got != 2 {
		t.Errorf("messages = %d, want 2 (user, assistant)", got)
	}
}

func TestCompletionEngineFailurePersistsThenPropagates(t *testing.T) {
	store := newFakeStore()
	seedWorkflow(store, "tenant-1")
	script := &scriptEngine{
		errMsg: "node n2 exploded",
		events: []flow.Event{
			{Kind: flow.EventMessage, Content: "partial ", RunningStatus: true},
			{Err: errors.New("node n2 exploded")},
		},
	}
	e := newTestEngine(t, store, script)

	rec := &frameRecorder{}
	err := e.Completion(tenantCtx("tenant-1"), &api.CompletionRequest{WorkflowID: "wf-1", Query: "hi"}, rec)
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != api.ErrorTypeEngineError {
		t.Fatalf("err = %v, want engine_error", err)
	}

	if store.appends != 1 {
		t.Fatalf("appends = %d, want exactly 1 despite failure", store.appends)
	}
	sess := store.appended
	last := sess.Messages[len(sess.Messages)-1]
	if last.Content != "partial " {
		t.Errorf("persisted transcript = %q, want accumulated partial", last.Content)
	}
	if sess.Errors != "node n2 exploded" {
		t.Errorf("session errors = %q", sess.Errors)
	}
	// a run whose events carried no reference still persists one empty
	// entry, keeping references aligned with assistant turns
	if len(sess.References) != 1 {
		t.Fatalf("references = %d, want 1", len(sess.References))
	}
	if sess.References[0].Chunks == nil || sess.References[0].DocAggs == nil {
		t.Error("reference entry must carry empty collections, not nulls")
	}
}

func TestChatFreshStreaming(t *testing.T) {
	store := newFakeStore()
	seedWorkflow(store, "tenant-1")
	script := &scriptEngine{
		prologue: "Hi!",
		events:   streamingScript([]string{"Hel", "lo"}, "Hello"),
	}
	e := newTestEngine(t, store, script)

	rec := &chatRecorder{}
	req := &api.ChatRequest{
		Model:    "wf-1",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "Say hello"}},
		Stream:   true,
	}
	if err := e.CompletionOpenAI(tenantCtx("tenant-1"), req, rec); err != nil {
		t.Fatalf("CompletionOpenAI: %v", err)
	}

	if rec.done != 1 {
		t.Errorf("done sentinels = %d, want 1", rec.done)
	}
	if len(rec.chunks) != 3 {
		t.Fatalf("chunks = %d, want 3 (two deltas, one final)", len(rec.chunks))
	}
	last := rec.chunks[len(rec.chunks)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != api.FinishReasonStop {
		t.Error("final chunk must carry finish_reason stop")
	}
	if got := last.Content(); got != "Hello" {
		t.Errorf("final chunk content = %q", got)
	}
	for _, c := range rec.chunks {
		if c.Object != api.ObjectChatCompletionChunk {
			t.Errorf("chunk object = %q", c.Object)
		}
		if !api.ValidateSessionID(c.ID) {
			t.Errorf("chunk id %q is not a session id", c.ID)
		}
	}

	// completion_tokens monotonically non-decreasing, terminal covers the
	// whole merged answer
	prev := -1
	for i, c := range rec.chunks {
		if c.Usage.CompletionTokens < prev {
			t.Errorf("chunk %d completion_tokens %d < previous %d", i, c.Usage.CompletionTokens, prev)
		}
		prev = c.Usage.CompletionTokens
		if c.Usage.PromptTokens != len([]rune("Say hello")) {
			t.Errorf("chunk %d prompt_tokens = %d", i, c.Usage.PromptTokens)
		}
		if c.Usage.TotalTokens != c.Usage.PromptTokens+c.Usage.CompletionTokens {
			t.Errorf("chunk %d total_tokens inconsistent", i)
		}
	}

	if store.creates != 1 || store.appends != 1 {
		t.Errorf("creates = %d appends = %d, want 1 and 1", store.creates, store.appends)
	}
	// the chat surface opens the record with the prologue already seeded
	if store.createdMsgs != 1 {
		t.Errorf("messages at creation = %d, want 1 (prologue)", store.createdMsgs)
	}
	if got := len(store.appended.Messages); got != 3 {
		t.Errorf("messages = %d, want 3 (prologue, user, assistant)", got)
	}
}

func TestChatUnknownSession(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, &scriptEngine{})

	rec := &chatRecorder{}
	req := &api.ChatRequest{
		Model:     "wf-1",
		Messages:  []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
		Stream:    true,
		SessionID: "sess_000000000000000000000000",
	}
	if err := e.CompletionOpenAI(tenantCtx("tenant-1"), req, rec); err != nil {
		t.Fatalf("CompletionOpenAI: %v", err)
	}

	if len(rec.responses) != 1 || len(rec.chunks) != 0 || rec.done != 0 {
		t.Fatalf("want exactly one terminal frame, got %d responses %d chunks %d done",
			len(rec.responses), len(rec.chunks), rec.done)
	}
	if got := rec.responses[0].Content(); !strings.Contains(got, "Session not found") {
		t.Errorf("content = %q", got)
	}
	if !strings.HasPrefix(rec.responses[0].Content(), api.ErrorMarker) {
		t.Errorf("content %q must carry the error marker", rec.responses[0].Content())
	}
	if store.creates != 0 || store.appends != 0 {
		t.Error("unknown session must not touch the stores")
	}
}

func TestChatMissingRequiredParam(t *testing.T) {
	store := newFakeStore()
	seedWorkflow(store, "tenant-1")
	script := &scriptEngine{
		params: []api.PresetParam{
			{Key: "city"},
			{Key: "units", Optional: true},
		},
	}
	e := newTestEngine(t, store, script)

	rec := &chatRecorder{}
	req := &api.ChatRequest{
		Model:    "wf-1",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "weather?"}},
		Stream:   true,
		Inputs:   map[string]any{"units": "metric"},
	}
	if err := e.CompletionOpenAI(tenantCtx("tenant-1"), req, rec); err != nil {
		t.Fatalf("CompletionOpenAI: %v", err)
	}

	if len(rec.responses) != 1 || len(rec.chunks) != 0 || rec.done != 0 {
		t.Fatalf("want exactly one terminal frame, got %d responses %d chunks %d done",
			len(rec.responses), len(rec.chunks), rec.done)
	}
	frame := rec.responses[0]
	if got := frame.Content(); got != "`city` is required" {
		t.Errorf("content = %q", got)
	}
	if frame.Usage.CompletionTokens != len([]rune("`city` is required")) {
		t.Errorf("completion_tokens = %d, want count of the error string", frame.Usage.CompletionTokens)
	}
	if frame.Usage.PromptTokens != len([]rune("weather?")) {
		t.Errorf("prompt_tokens = %d, want count of the question", frame.Usage.PromptTokens)
	}
	if store.creates != 0 || store.appends != 0 {
		t.Error("missing required parameter must precede session creation")
	}
	if script.runs != 0 {
		t.Error("engine must not run")
	}
}

func TestChatEmptyStringCountsAsAbsent(t *testing.T) {
	store := newFakeStore()
	seedWorkflow(store, "tenant-1")
	script := &scriptEngine{params: []api.PresetParam{{Key: "city"}}}
	e := newTestEngine(t, store, script)

	rec := &chatRecorder{}
	req := &api.ChatRequest{
		Model:    "wf-1",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "weather?"}},
		Inputs:   map[string]any{"city": ""},
	}
	if err := e.CompletionOpenAI(tenantCtx("tenant-1"), req, rec); err != nil {
		t.Fatalf("CompletionOpenAI: %v", err)
	}
	if len(rec.responses) != 1 || rec.responses[0].Content() != "`city` is required" {
		t.Fatalf("empty string must bind as absent, got %+v", rec.responses)
	}
}

func TestChatParamBinding(t *testing.T) {
	store := newFakeStore()
	seedWorkflow(store, "tenant-1")
	script := &scriptEngine{
		params: []api.PresetParam{
			{Key: "city"},
			{Key: "units", Optional: true, Value: "imperial"},
		},
		events: streamingScript(nil, "sunny"),
	}
	e := newTestEngine(t, store, script)

	req := &api.ChatRequest{
		Model:    "wf-1",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "weather?"}},
		Stream:   true,
		Inputs:   map[string]any{"city": "Oslo"},
	}
	if err := e.CompletionOpenAI(tenantCtx("tenant-1"), req, &chatRecorder{}); err != nil {
		t.Fatalf("CompletionOpenAI: %v", err)
	}

	if len(script.setParams) != 2 {
		t.Fatalf("setParams = %d entries", len(script.setParams))
	}
	if script.setParams[0].Value != "Oslo" {
		t.Errorf("city bound to %v", script.setParams[0].Value)
	}
	// unsupplied optional parameters are explicitly unbound
	if script.setParams[1].Value != nil {
		t.Errorf("units = %v, want nil", script.setParams[1].Value)
	}
}

func TestChatMidStreamFailure(t *testing.T) {
	store := newFakeStore()
	seedWorkflow(store, "tenant-1")
	script := &scriptEngine{
		errMsg: "backend timeout",
		events: []flow.Event{
			{Kind: flow.EventMessage, Content: "abc", RunningStatus: true},
			{Kind: flow.EventMessage, Content: "defg", RunningStatus: true},
			{Err: errors.New("backend timeout")},
		},
	}
	e := newTestEngine(t, store, script)

	rec := &chatRecorder{}
	req := &api.ChatRequest{
		Model:    "wf-1",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "q"}},
		Stream:   true,
	}
	if err := e.CompletionOpenAI(tenantCtx("tenant-1"), req, rec); err != nil {
		t.Fatalf("CompletionOpenAI: %v", err)
	}

	if len(rec.chunks) != 3 {
		t.Fatalf("chunks = %d, want 2 progress + 1 error", len(rec.chunks))
	}
	if rec.chunks[0].Usage.CompletionTokens != 3 || rec.chunks[1].Usage.CompletionTokens != 7 {
		t.Errorf("progress completion_tokens = %d, %d, want 3, 7",
			rec.chunks[0].Usage.CompletionTokens, rec.chunks[1].Usage.CompletionTokens)
	}
	errChunk := rec.chunks[2]
	if !strings.HasPrefix(errChunk.Content(), api.ErrorMarker) {
		t.Errorf("error chunk content = %q", errChunk.Content())
	}
	if !strings.Contains(errChunk.Content(), "backend timeout") {
		t.Errorf("error chunk content = %q", errChunk.Content())
	}
	if errChunk.Choices[0].FinishReason == nil || *errChunk.Choices[0].FinishReason != api.FinishReasonStop {
		t.Error("error chunk must carry finish_reason stop")
	}
	if rec.done != 1 {
		t.Errorf("done sentinels = %d, want 1 after the error chunk", rec.done)
	}

	if store.appends != 1 {
		t.Fatalf("appends = %d, want exactly 1", store.appends)
	}
	sess := store.appended
	if sess.Errors != "backend timeout" {
		t.Errorf("persisted errors = %q", sess.Errors)
	}
	if len(sess.References) != 1 {
		t.Errorf("references = %d, want one empty entry for the failed turn", len(sess.References))
	}
	// user turn plus error-marked assistant turn, after the seeded state
	n := len(sess.Messages)
	if sess.Messages[n-2].Role != api.RoleUser || sess.Messages[n-1].Role != api.RoleAssistant {
		t.Errorf("trailing turns = %q, %q", sess.Messages[n-2].Role, sess.Messages[n-1].Role)
	}
	if !strings.HasPrefix(sess.Messages[n-1].Content, api.ErrorMarker) {
		t.Errorf("persisted assistant content = %q", sess.Messages[n-1].Content)
	}
}

func TestChatNonStreaming(t *testing.T) {
	store := newFakeStore()
	seedWorkflow(store, "tenant-1")
	ref := api.EmptyReference()
	script := &scriptEngine{
		params: []api.PresetParam{{Key: "units", Optional: true}},
		events: []flow.Event{
			{Kind: flow.EventNodeStarted, RunningStatus: true},
			{Kind: flow.EventMessage, ContentLines: []string{"a"}},
			{Kind: flow.EventMessage, ContentLines: []string{"b"}},
			{Kind: flow.EventMessage, ContentLines: []string{"c"}, Reference: &ref},
		},
	}
	e := newTestEngine(t, store, script)

	rec := &chatRecorder{}
	req := &api.ChatRequest{
		Model:    "wf-1",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "spell abc"}},
	}
	if err := e.CompletionOpenAI(tenantCtx("tenant-1"), req, rec); err != nil {
		t.Fatalf("CompletionOpenAI: %v", err)
	}

	if len(rec.responses) != 1 || len(rec.chunks) != 0 || rec.done != 0 {
		t.Fatalf("want a single response body, got %d responses %d chunks %d done",
			len(rec.responses), len(rec.chunks), rec.done)
	}
	resp := rec.responses[0]
	if got := resp.Content(); got != "abc" {
		t.Errorf("content = %q, want event contents concatenated", got)
	}
	if resp.Object != api.ObjectChatCompletion {
		t.Errorf("object = %q", resp.Object)
	}
	if resp.Choices[0].Message == nil || resp.Choices[0].Delta != nil {
		t.Error("non-streaming response must populate message, not delta")
	}
	if resp.Usage.CompletionTokens != 3 {
		t.Errorf("completion_tokens = %d, want 3", resp.Usage.CompletionTokens)
	}
	if len(resp.Param) != 1 || resp.Param[0].Key != "units" {
		t.Errorf("param metadata = %+v", resp.Param)
	}
	if script.lastReq.Stream {
		t.Error("run must be blocking")
	}
	if store.appends != 1 {
		t.Errorf("appends = %d, want 1", store.appends)
	}
}

func TestChatNonStreamingJoinsLines(t *testing.T) {
	store := newFakeStore()
	seedWorkflow(store, "tenant-1")
	script := &scriptEngine{
		events: []flow.Event{
			{Kind: flow.EventMessage, ContentLines: []string{"line one", "line two"}},
		},
	}
	e := newTestEngine(t, store, script)

	rec := &chatRecorder{}
	req := &api.ChatRequest{
		Model:    "wf-1",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "q"}},
	}
	if err := e.CompletionOpenAI(tenantCtx("tenant-1"), req, rec); err != nil {
		t.Fatalf("CompletionOpenAI: %v", err)
	}
	if got := rec.responses[0].Content(); got != "line one\nline two" {
		t.Errorf("content = %q", got)
	}
}

func TestChatResumeUsesLastUserMessage(t *testing.T) {
	store := newFakeStore()
	store.sessions["sess_abcabcabcabcabcabcabcabc"] = &api.Session{
		ID:         "sess_abcabcabcabcabcabcabcabc",
		WorkflowID: "wf-1",
		Messages:   []api.Message{},
		DSL:        `{"nodes":[{"id":"n1","answer":"ok"}]}`,
	}
	script := &scriptEngine{events: streamingScript(nil, "answer")}
	e := newTestEngine(t, store, script)

	req := &api.ChatRequest{
		Model: "wf-1",
		Messages: []api.ChatMessage{
			{Role: api.RoleUser, Content: "first"},
			{Role: api.RoleAssistant, Content: "reply"},
			{Role: api.RoleUser, Content: "second"},
		},
		Stream:    true,
		SessionID: "sess_abcabcabcabcabcabcabcabc",
	}
	if err := e.CompletionOpenAI(tenantCtx("anyone"), req, &chatRecorder{}); err != nil {
		t.Fatalf("CompletionOpenAI: %v", err)
	}
	if len(script.users) != 1 || script.users[0] != "second" {
		t.Errorf("engine user input = %v, want the last user message", script.users)
	}
	if script.lastReq.Query != "second" {
		t.Errorf("run query = %q", script.lastReq.Query)
	}
	// resuming never re-applies preset parameters
	if script.setParams != nil {
		t.Error("resume must not rebind preset parameters")
	}
}

func TestChatUnknownModel(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, store, &scriptEngine{})

	rec := &chatRecorder{}
	req := &api.ChatRequest{
		Model:    "missing",
		Messages: []api.ChatMessage{{Role: api.RoleUser, Content: "hi"}},
		Stream:   true,
	}
	if err := e.CompletionOpenAI(tenantCtx("tenant-1"), req, rec); err != nil {
		t.Fatalf("CompletionOpenAI: %v", err)
	}
	if len(rec.responses) != 1 {
		t.Fatalf("want one terminal frame, got %d", len(rec.responses))
	}
	if got := rec.responses[0].Content(); got != api.ErrorMarker+"Agent not found." {
		t.Errorf("content = %q", got)
	}
}
