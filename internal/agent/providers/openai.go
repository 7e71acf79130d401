package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/novaxhq/novax/internal/agent"
	"github.com/novaxhq/novax/pkg/models"
)

// OpenAIProvider implements agent.LLMProvider on top of any
// OpenAI-compatible chat completion endpoint. A custom base URL lets it
// talk to compatible gateways (Fireworks, local proxies) with the same
// wire format.
//
// OpenAI streams tool calls incrementally: the ID and function name
// arrive in the first fragment for an index, and the JSON arguments are
// spread across later fragments. The provider accumulates fragments per
// index and emits each ToolCall only once it is complete, so consumers
// never see partial argument payloads.
//
// Safe for concurrent use; every Complete call owns an independent
// stream and goroutine.
type OpenAIProvider struct {
	client     *openai.Client
	name       string
	maxRetries int
	retryDelay time.Duration
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint for OpenAI-compatible
	// gateways. Empty means api.openai.com.
	BaseURL string
	// Name overrides the provider identifier reported by Name().
	Name string
}

// NewOpenAIProvider creates a provider. An empty API key is allowed for
// delayed configuration; Complete will fail until one is set.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	p := &OpenAIProvider{
		name:       name,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	if cfg.APIKey == "" {
		return p
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	p.client = openai.NewClientWithConfig(clientCfg)
	return p
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

// Complete sends a streaming chat completion request and returns the
// chunk channel. Transient failures (rate limits, 5xx, timeouts) are
// retried with linear backoff before the stream opens; errors after
// that point arrive as chunks.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.client == nil {
		return nil, &agent.ProviderError{
			Reason:   agent.FailureAuth,
			Provider: p.name,
			Model:    req.Model,
			Message:  "API key not configured",
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !agent.IsRetryable(lastErr) {
			return nil, p.wrapError(lastErr, req.Model)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("max retries exceeded: %w", p.wrapError(lastErr, req.Model))
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	perr := agent.NewProviderError(p.name, model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr.Message = apiErr.Message
		perr = perr.WithStatus(apiErr.HTTPStatusCode)
	}
	return perr
}

// processStream consumes the SDK stream and converts it to chunks. Tool
// call fragments accumulate per index; a call is emitted once the
// finish reason says tool calls are complete, or at EOF for streams
// that end without one. Every send races ctx so an abandoned consumer
// cannot strand the goroutine.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
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

	pending := make(map[int]*models.ToolCall)

	// Indices may be sparse, so emission order comes from the sorted
	// stream indices rather than array position.
	flush := func() bool {
		indices := make([]int, 0, len(pending))
		for i := range pending {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			tc := pending[i]
			if tc != nil && tc.Name != "" {
				if !send(&agent.CompletionChunk{ToolCall: tc}) {
					return false
				}
			}
		}
		pending = make(map[int]*models.ToolCall)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				if flush() {
					send(&agent.CompletionChunk{Done: true})
				}
				return
			}
			send(&agent.CompletionChunk{Error: err, Done: true})
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !send(&agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pending[index] == nil {
				pending[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				pending[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending[index].Input = append(pending[index].Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		case "tool":
			// One message per result, linked by tool call ID.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}
	return result
}

func (p *OpenAIProvider) convertTools(tools []agent.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil || schema == nil {
			// A bad schema degrades to an empty one instead of
			// breaking function calling for every other tool.
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}
