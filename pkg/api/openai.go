package api

import "time"

// Chat-completion object kinds.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

// FinishReasonStop marks the terminal content-bearing chunk of a stream
// and every single-shot response.
const FinishReasonStop = "stop"

// ChatUsage carries token accounting metadata. PromptTokens is computed
// once per request over the raw question and held constant across frames;
// CompletionTokens is monotonically non-decreasing across the frames of
// one stream.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is the single choice of a chat-completion object. Chunks
// populate Delta; single-shot responses populate Message.
type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// ChatCompletion is an OpenAI-compatible chat.completion or
// chat.completion.chunk object. ID carries the session id so clients can
// resume the conversation; Model names the workflow definition.
type ChatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`

	// Param attaches the workflow's preset parameters as auxiliary
	// metadata on non-streaming responses.
	Param []PresetParam `json:"param,omitempty"`
}

// ChatCompletionOption customizes a chat-completion object built by
// NewChatCompletion.
type ChatCompletionOption func(*ChatCompletion)

// WithObject overrides the object kind (default "chat.completion").
// Chunks use ObjectChatCompletionChunk.
func WithObject(object string) ChatCompletionOption {
	return func(cc *ChatCompletion) { cc.Object = object }
}

// WithFinishReason sets choices[0].finish_reason.
func WithFinishReason(reason string) ChatCompletionOption {
	return func(cc *ChatCompletion) { cc.Choices[0].FinishReason = &reason }
}

// WithUsage sets the token accounting fields.
func WithUsage(promptTokens, completionTokens int) ChatCompletionOption {
	return func(cc *ChatCompletion) {
		cc.Usage = ChatUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		}
	}
}

// WithParam attaches preset-parameter metadata.
func WithParam(params []PresetParam) ChatCompletionOption {
	return func(cc *ChatCompletion) { cc.Param = params }
}

// NewChatCompletion builds a chat-completion object with one assistant
// choice carrying the given content. The content is placed in the delta
// for chunk objects and in the message for single-shot responses.
func NewChatCompletion(id, model, content string, opts ...ChatCompletionOption) *ChatCompletion {
	cc := &ChatCompletion{
		ID:      id,
		Object:  ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{Index: 0}},
	}
	for _, opt := range opts {
		opt(cc)
	}

	msg := &ChatMessage{Role: RoleAssistant, Content: content}
	if cc.Object == ObjectChatCompletionChunk {
		cc.Choices[0].Delta = msg
	} else {
		cc.Choices[0].Message = msg
	}
	return cc
}

// Content returns the text carried by the first choice, from either the
// delta or the message.
func (cc *ChatCompletion) Content() string {
	if len(cc.Choices) == 0 {
		return ""
	}
	if cc.Choices[0].Delta != nil {
		return cc.Choices[0].Delta.Content
	}
	if cc.Choices[0].Message != nil {
		return cc.Choices[0].Message.Content
	}
	return ""
}
