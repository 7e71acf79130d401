package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/novaxhq/novax/internal/agent"
	"github.com/novaxhq/novax/pkg/models"
)

// newChatStreamServer serves one SSE chat completion response built from
// the given data frames, terminated with [DONE].
func newChatStreamServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func streamProvider(ts *httptest.Server) *OpenAIProvider {
	return NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: ts.URL + "/v1"})
}

func collectChunks(t *testing.T, chunks <-chan *agent.CompletionChunk) []*agent.CompletionChunk {
	t.Helper()
	var got []*agent.CompletionChunk
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				return got
			}
			got = append(got, c)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for stream chunks")
		}
	}
}

func chunkFrame(delta string, finish string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":%s,"finish_reason":%q}]}`, delta, finish)
}

func TestOpenAIStreamTextDeltas(t *testing.T) {
	ts := newChatStreamServer(t, []string{
		chunkFrame(`{"content":"he"}`, ""),
		chunkFrame(`{"content":"llo"}`, ""),
	})
	defer ts.Close()

	chunks, err := streamProvider(ts).Complete(context.Background(), &agent.CompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := collectChunks(t, chunks)

	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(got), got)
	}
	if got[0].Text != "he" || got[1].Text != "llo" {
		t.Errorf("text chunks = %q, %q", got[0].Text, got[1].Text)
	}
	if !got[2].Done || got[2].Error != nil {
		t.Errorf("final chunk = %+v, want Done", got[2])
	}
}

func TestOpenAIStreamReassemblesToolArguments(t *testing.T) {
	ts := newChatStreamServer(t, []string{
		chunkFrame(`{"tool_calls":[{"index":0,"id":"call-1","type":"function","function":{"name":"search","arguments":"{\"query\":"}}]}`, ""),
		chunkFrame(`{"tool_calls":[{"index":0,"function":{"arguments":"\"hello\"}"}}]}`, ""),
		chunkFrame(`{}`, "tool_calls"),
	})
	defer ts.Close()

	chunks, err := streamProvider(ts).Complete(context.Background(), &agent.CompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := collectChunks(t, chunks)

	var calls []*models.ToolCall
	for _, c := range got {
		if c.Error != nil {
			t.Fatalf("unexpected stream error: %v", c.Error)
		}
		if c.ToolCall != nil {
			calls = append(calls, c.ToolCall)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].ID != "call-1" || calls[0].Name != "search" {
		t.Errorf("tool call = %+v", calls[0])
	}
	if string(calls[0].Input) != `{"query":"hello"}` {
		t.Errorf("Input = %s, want reassembled arguments", calls[0].Input)
	}
	if !got[len(got)-1].Done {
		t.Errorf("last chunk = %+v, want Done", got[len(got)-1])
	}
}

func TestOpenAIStreamSparseToolCallIndices(t *testing.T) {
	// Indices 0 and 2 with nothing at 1; the stream ends without a
	// finish reason so the flush happens at EOF.
	ts := newChatStreamServer(t, []string{
		chunkFrame(`{"tool_calls":[{"index":0,"id":"call-a","type":"function","function":{"name":"alpha","arguments":"{}"}}]}`, ""),
		chunkFrame(`{"tool_calls":[{"index":2,"id":"call-c","type":"function","function":{"name":"charlie","arguments":"{}"}}]}`, ""),
	})
	defer ts.Close()

	chunks, err := streamProvider(ts).Complete(context.Background(), &agent.CompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got := collectChunks(t, chunks)

	var names []string
	for _, c := range got {
		if c.ToolCall != nil {
			names = append(names, c.ToolCall.Name)
		}
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "charlie" {
		t.Errorf("emitted tool calls = %v, want [alpha charlie]", names)
	}
}

func TestOpenAIStreamAbandonedConsumer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: %s\n\n", chunkFrame(`{"content":"hi"}`, ""))
		flusher.Flush()
		// Hold the stream open until the client goes away.
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := streamProvider(ts).Complete(ctx, &agent.CompletionRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	select {
	case <-chunks:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}
	cancel()

	// With no reader left, the stream goroutine must close the channel
	// without parking on a trailing send.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case c, ok := <-chunks:
			if !ok {
				return
			}
			t.Fatalf("got chunk %+v after cancellation, want closed channel", c)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatal("stream goroutine did not exit after cancellation")
}

func TestOpenAICompleteWithoutKey(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})

	_, err := p.Complete(context.Background(), &agent.CompletionRequest{Model: "gpt-4o"})
	var perr *agent.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("Complete = %v, want ProviderError", err)
	}
	if perr.Reason != agent.FailureAuth {
		t.Errorf("Reason = %s, want %s", perr.Reason, agent.FailureAuth)
	}
}

func TestOpenAIProviderName(t *testing.T) {
	if got := NewOpenAIProvider(OpenAIConfig{}).Name(); got != "openai" {
		t.Errorf("Name() = %q, want openai", got)
	}
	if got := NewOpenAIProvider(OpenAIConfig{Name: "fireworks"}).Name(); got != "fireworks" {
		t.Errorf("Name() = %q, want fireworks", got)
	}
}

func TestOpenAIConvertMessages(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})

	got := p.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "look this up"},
		{Role: "assistant", ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "search", Input: json.RawMessage(`{"q":"go"}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "call-1", Content: "found"},
			{ToolCallID: "call-2", Content: "also found"},
		}},
	}, "be brief")

	// System first, then user, assistant, and one message per tool result.
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "be brief" {
		t.Errorf("messages[0] = %+v, want system prompt", got[0])
	}
	if got[1].Role != "user" {
		t.Errorf("messages[1].Role = %q, want user", got[1].Role)
	}
	if len(got[2].ToolCalls) != 1 || got[2].ToolCalls[0].Function.Name != "search" {
		t.Errorf("assistant tool calls = %+v", got[2].ToolCalls)
	}
	if got[2].ToolCalls[0].Function.Arguments != `{"q":"go"}` {
		t.Errorf("arguments = %q", got[2].ToolCalls[0].Function.Arguments)
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "call-1" {
		t.Errorf("messages[3] = %+v, want tool result for call-1", got[3])
	}
	if got[4].ToolCallID != "call-2" || got[4].Content != "also found" {
		t.Errorf("messages[4] = %+v, want tool result for call-2", got[4])
	}
}

func TestOpenAIConvertMessagesNoSystem(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})
	got := p.convertMessages([]agent.CompletionMessage{{Role: "user", Content: "hi"}}, "")
	if len(got) != 1 || got[0].Role != "user" {
		t.Errorf("messages = %+v, want single user message", got)
	}
}

func TestOpenAIConvertTools(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})

	got := p.convertTools([]agent.ToolDef{
		{Name: "search", Description: "Search things", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
		{Name: "broken", InputSchema: json.RawMessage(`not json`)},
	})
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	if got[0].Function.Name != "search" || got[0].Function.Description != "Search things" {
		t.Errorf("tools[0] = %+v", got[0].Function)
	}
	params, ok := got[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("tools[0] parameters = %+v, want decoded schema", got[0].Function.Parameters)
	}

	// A malformed schema degrades to an empty object schema.
	params, ok = got[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Fatalf("tools[1] parameters = %+v, want fallback schema", got[1].Function.Parameters)
	}
	if props, ok := params["properties"].(map[string]any); !ok || len(props) != 0 {
		t.Errorf("fallback properties = %+v, want empty", params["properties"])
	}
}

func TestOpenAIWrapError(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})

	err := p.wrapError(&openai.APIError{
		HTTPStatusCode: 429,
		Message:        "rate limit exceeded",
	}, "gpt-4o")

	var perr *agent.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("wrapError = %T, want ProviderError", err)
	}
	if perr.Reason != agent.FailureRateLimit {
		t.Errorf("Reason = %s, want %s", perr.Reason, agent.FailureRateLimit)
	}
	if perr.Status != 429 || perr.Message != "rate limit exceeded" {
		t.Errorf("perr = %+v", perr)
	}
	if perr.Model != "gpt-4o" || perr.Provider != "openai" {
		t.Errorf("attribution = %s/%s", perr.Provider, perr.Model)
	}
}
