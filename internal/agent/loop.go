package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/novaxhq/novax/internal/observability"
	"github.com/novaxhq/novax/pkg/models"
)

const (
	// maxToolIterations bounds how many completion rounds a single turn
	// may spend resolving tool calls before the stream ends.
	maxToolIterations = 3

	streamBufferSize = 16

	defaultMaxTokens = 4096
)

// ContentPart is one piece of a structured message body. Only text parts
// carry payload; other part types are accepted on the wire and dropped
// during coercion.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TurnMessage is a single entry of conversation history handed to the
// loop. Content and Parts are alternatives; when both are set, Parts
// wins.
type TurnMessage struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

func (m TurnMessage) text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// TurnRequest describes one streamed completion turn.
type TurnRequest struct {
	System   string
	Messages []TurnMessage
	Tools    []ToolDef
	Model    string
	Executor ToolExecutor
}

// LoopConfig carries the model selection knobs for a Loop.
type LoopConfig struct {
	DefaultModel   string
	FallbackModels []string
	MaxTokens      int
}

// Loop drives streamed completions against a provider, executing tool
// calls between rounds until the model produces a plain response or the
// iteration budget runs out.
type Loop struct {
	provider       LLMProvider
	logger         *slog.Logger
	metrics        *observability.Metrics
	defaultModel   string
	fallbackModels []string
	maxTokens      int
}

// NewLoop creates a Loop. metrics may be nil, in which case request
// accounting is skipped.
func NewLoop(provider LLMProvider, cfg LoopConfig, logger *slog.Logger, metrics *observability.Metrics) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Loop{
		provider:       provider,
		logger:         logger.With("component", "agent-loop"),
		metrics:        metrics,
		defaultModel:   cfg.DefaultModel,
		fallbackModels: cfg.FallbackModels,
		maxTokens:      maxTokens,
	}
}

// StreamTurn starts a completion turn and returns the event stream. The
// channel is closed when the turn ends, whether or not tool calls were
// resolved; callers detect failure by watching for a StreamError event.
func (l *Loop) StreamTurn(ctx context.Context, req *TurnRequest) (<-chan *models.StreamEvent, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	msgs := make([]CompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		msgs = append(msgs, CompletionMessage{Role: role, Content: m.text()})
	}

	out := make(chan *models.StreamEvent, streamBufferSize)
	go func() {
		defer close(out)
		l.run(ctx, req, msgs, out)
	}()
	return out, nil
}

func (l *Loop) run(ctx context.Context, req *TurnRequest, msgs []CompletionMessage, out chan<- *models.StreamEvent) {
	for iter := 0; iter < maxToolIterations; iter++ {
		chunks, model, err := l.openStream(ctx, req, msgs)
		if err != nil {
			l.logger.Error("completion stream failed", "error", err)
			l.emit(ctx, out, &models.StreamEvent{Type: models.StreamError, Err: err})
			return
		}

		var calls []models.ToolCall
		for chunk := range chunks {
			if chunk.Error != nil {
				l.logger.Error("stream aborted", "model", model, "error", chunk.Error)
				l.emit(ctx, out, &models.StreamEvent{Type: models.StreamError, Err: chunk.Error})
				return
			}
			if chunk.Text != "" {
				if !l.emit(ctx, out, &models.StreamEvent{Type: models.StreamText, Text: chunk.Text}) {
					return
				}
			}
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
			if chunk.Done {
				break
			}
		}

		if len(calls) == 0 || req.Executor == nil {
			return
		}

		for _, call := range calls {
			input := parseToolInput(call.Input)
			if !l.emit(ctx, out, &models.StreamEvent{Type: models.StreamToolUse, Name: call.Name, Input: input}) {
				return
			}

			l.logger.Info("executing tool", "tool", call.Name, "model", model)
			output, err := req.Executor(ctx, call.Name, input)
			if err != nil {
				l.logger.Error("tool execution failed", "tool", call.Name, "error", err)
				l.emit(ctx, out, &models.StreamEvent{Type: models.StreamError, Err: fmt.Errorf("tool %s: %w", call.Name, err)})
				return
			}
			if !l.emit(ctx, out, &models.StreamEvent{Type: models.StreamToolResult, Name: call.Name, Output: output}) {
				return
			}

			msgs = append(msgs,
				CompletionMessage{
					Role:      "assistant",
					ToolCalls: []models.ToolCall{{ID: call.ID, Name: call.Name, Input: input}},
				},
				CompletionMessage{
					Role:        "tool",
					ToolResults: []models.ToolResult{{ToolCallID: call.ID, Content: coerceToolOutput(output)}},
				},
			)
		}
	}
	// Iteration budget exhausted; the stream ends with whatever was
	// already delivered.
	l.logger.Warn("tool iteration budget exhausted", "iterations", maxToolIterations)
}

// openStream tries the requested model first, then the configured
// default and fallbacks. Only a model-not-found failure advances to the
// next candidate; any other error surfaces immediately.
func (l *Loop) openStream(ctx context.Context, req *TurnRequest, msgs []CompletionMessage) (<-chan *CompletionChunk, string, error) {
	var lastErr error
	for _, model := range l.candidateModels(req.Model) {
		completion := CompletionRequest{
			Model:     model,
			System:    req.System,
			Messages:  msgs,
			Tools:     req.Tools,
			MaxTokens: l.maxTokens,
		}
		chunks, err := l.complete(ctx, &completion)
		if err == nil {
			return chunks, model, nil
		}
		if !IsModelNotFound(err) {
			return nil, "", err
		}
		l.logger.Warn("model unavailable, trying next candidate", "model", model, "error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate models configured")
	}
	return nil, "", lastErr
}

// complete issues one provider request with span and metric accounting
// around the request-level outcome.
func (l *Loop) complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	spanCtx, span := observability.StartSpan(ctx, "llm.request",
		"llm.provider", l.provider.Name(), "llm.model", req.Model)
	start := time.Now()

	chunks, err := l.provider.Complete(spanCtx, req)

	status := "success"
	if err != nil {
		status = "error"
		observability.RecordSpanError(span, err)
	}
	span.End()

	if l.metrics != nil {
		l.metrics.LLMRequestDuration.WithLabelValues(l.provider.Name(), req.Model).Observe(time.Since(start).Seconds())
		l.metrics.LLMRequests.WithLabelValues(l.provider.Name(), req.Model, status).Inc()
	}
	return chunks, err
}

func (l *Loop) candidateModels(requested string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(m string) {
		if m == "" || seen[m] {
			return
		}
		seen[m] = true
		out = append(out, m)
	}
	add(requested)
	add(l.defaultModel)
	for _, m := range l.fallbackModels {
		add(m)
	}
	return out
}

func (l *Loop) emit(ctx context.Context, out chan<- *models.StreamEvent, ev *models.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// parseToolInput validates the raw argument payload from the model. A
// payload that is not a JSON object degrades to an empty object rather
// than failing the turn.
func parseToolInput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// coerceToolOutput renders a tool result for the model-facing history.
// JSON strings unwrap to their value; everything else passes through as
// serialized JSON.
func coerceToolOutput(output json.RawMessage) string {
	var s string
	if err := json.Unmarshal(output, &s); err == nil {
		return s
	}
	return string(output)
}
