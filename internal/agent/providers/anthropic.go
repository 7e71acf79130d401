// Package providers implements LLM provider integrations for the agent
// runtime. Each provider converts between the internal completion format
// and its vendor API, manages streaming responses, and classifies
// failures so the loop above can decide whether to fall back.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/novaxhq/novax/internal/agent"
	"github.com/novaxhq/novax/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive no-op events before the
// stream is treated as malformed and terminated.
const maxEmptyStreamEvents = 300

// AnthropicProvider implements agent.LLMProvider for the Anthropic
// Messages API. Tool input arrives as partial JSON deltas inside a
// content block; the provider accumulates them and emits the complete
// ToolCall at the block stop event.
//
// Safe for concurrent use; every Complete call owns an independent
// stream and goroutine.
type AnthropicProvider struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

// AnthropicConfig configures an AnthropicProvider. Only APIKey is
// required.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
}

func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(options...),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete opens a streaming completion and returns the chunk channel.
// Request-level failures (bad credentials, unknown model) surface here
// synchronously: the SDK defers them to the stream, so the initial
// stream error is checked before any goroutine starts. Transient
// failures retry with exponential backoff; errors after the stream is
// established arrive as chunks.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		s, err := p.createStream(ctx, req)
		if err == nil {
			// NewStreaming never fails synchronously; the request
			// error is parked on the stream.
			err = s.Err()
		}
		if err == nil {
			stream = s
			break
		}

		lastErr = p.wrapError(err, req.Model)
		if !agent.IsRetryable(lastErr) {
			return nil, lastErr
		}
	}
	if stream == nil {
		return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	// System prompt is a top-level field, not a message.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// processStream converts Anthropic SSE events to chunks. A tool call
// spans three event kinds: content_block_start carries the ID and name,
// input_json_delta events carry argument fragments, and
// content_block_stop finalizes the call. Every send races ctx so an
// abandoned consumer cannot strand the goroutine.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	send := func(c *agent.CompletionChunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEventCount := 0

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentToolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				currentToolInput.Reset()
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(&agent.CompletionChunk{Text: delta.Text}) {
						return
					}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Input = json.RawMessage(currentToolInput.String())
				if !send(&agent.CompletionChunk{ToolCall: currentToolCall}) {
					return
				}
				currentToolCall = nil
				eventProcessed = true
			}

		case "message_stop":
			send(&agent.CompletionChunk{Done: true})
			return

		case "error":
			send(&agent.CompletionChunk{
				Error: p.wrapError(errors.New("anthropic stream error"), model),
				Done:  true,
			})
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				send(&agent.CompletionChunk{
					Error: p.wrapError(
						fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount),
						model,
					),
					Done: true,
				})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(&agent.CompletionChunk{Error: p.wrapError(err, model), Done: true})
	}
}

func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		// System prompts are handled at the params level.
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// The tool role maps to a user message carrying tool
			// result blocks.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func (p *AnthropicProvider) convertTools(tools []agent.ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}

	return result, nil
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var providerErr *agent.ProviderError
	if errors.As(err, &providerErr) {
		return err
	}

	perr := agent.NewProviderError("anthropic", model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr = perr.WithStatus(apiErr.StatusCode)
	}
	return perr
}
