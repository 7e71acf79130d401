package agent

import (
	"context"
	"encoding/json"

	"github.com/novaxhq/novax/pkg/models"
)

// LLMProvider is the model collaborator: a streaming completion backend.
//
// Implementations must be safe for concurrent use; each Complete call
// creates an independent stream.
type LLMProvider interface {
	// Complete opens a streaming completion and returns a channel of
	// chunks. Request-level failures (bad credentials, unknown model)
	// are returned synchronously; mid-stream failures arrive as a chunk
	// with Error set. The channel is closed when the stream ends.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider identifier used in logs and errors.
	Name() string
}

// CompletionRequest carries one model exchange: system prompt, history,
// and the tool schemas the model may call.
type CompletionRequest struct {
	// Model is the model identifier. Empty means the provider default.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines the tool schemas available to the model.
	Tools []ToolDef `json:"tools,omitempty"`

	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is one turn of conversation history in the provider's
// wire-neutral shape. Role is "user", "assistant", or "tool".
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls records tool invocations on assistant turns.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults records tool outputs on tool-role turns.
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one unit of a streaming completion. Text deltas arrive
// incrementally; tool calls arrive fully assembled once their fragments have
// been accumulated by the provider.
type CompletionChunk struct {
	// Text is an incremental text delta.
	Text string `json:"text,omitempty"`

	// ToolCall is a complete tool invocation request. Providers emit tool
	// calls in the order they were first seen on the stream.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done marks successful stream completion.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream when non-nil.
	Error error `json:"-"`
}

// ToolDef describes one tool schema offered to the model. Name, description,
// and parameter schema are carried verbatim from the tool provider.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolExecutor runs a named tool with parsed input and returns its output.
// The loop invokes it once per accumulated tool call, in order.
type ToolExecutor func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error)
