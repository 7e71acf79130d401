package models

import "encoding/json"

// StreamEventType tags a streamed chat-turn event.
type StreamEventType string

const (
	// StreamText is an incremental assistant text delta.
	StreamText StreamEventType = "text"

	// StreamToolUse announces a tool invocation about to execute.
	StreamToolUse StreamEventType = "tool_use"

	// StreamToolResult carries the output of an executed tool.
	StreamToolResult StreamEventType = "tool_result"

	// StreamError is the terminal event for a failed turn.
	StreamError StreamEventType = "error"
)

// StreamEvent is one ephemeral unit of streamed model output. Events are
// produced in the order the underlying model emitted them and are never
// persisted. A terminal transport or tool failure is carried in Err; no
// further events follow it.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// Text is the delta for StreamText events.
	Text string `json:"text,omitempty"`

	// Name is the tool name for StreamToolUse and StreamToolResult.
	Name string `json:"name,omitempty"`

	// Input is the parsed tool input for StreamToolUse.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the tool output for StreamToolResult.
	Output json.RawMessage `json:"output,omitempty"`

	// Err terminates the stream when non-nil. Text already emitted is
	// not retracted.
	Err error `json:"-"`
}

// ToolCall is a model-requested tool invocation, assembled from streamed
// fragments keyed by the call's stream index.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Input is the accumulated argument JSON. It may be malformed; callers
	// treat unparseable input as an empty record.
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of one executed tool call, recorded in history
// as a tool-role turn.
type ToolResult struct {
	// ToolCallID links the result to its originating call.
	ToolCallID string `json:"tool_call_id"`

	// Content is the string-coerced tool output.
	Content string `json:"content"`

	// IsError marks results that represent a tool failure.
	IsError bool `json:"is_error,omitempty"`
}
