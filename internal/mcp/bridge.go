package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/novaxhq/novax/internal/agent"
	"github.com/novaxhq/novax/internal/observability"
)

// ErrToolNotFound is returned when no connected provider can handle a
// tool call.
var ErrToolNotFound = errors.New("tool not found")

// DialFunc establishes a connection to one service. Overridable in
// tests.
type DialFunc func(ctx context.Context, cfg ServiceConfig, logger *slog.Logger) (ProviderClient, error)

// Bridge mediates between the agent's tool-call representation and the
// configured remote MCP providers. Connections are established lazily
// per service name and cached until invalidated.
//
// Execute has no service routing: it tries every currently-open
// connection until one handles the call, and fails with ErrToolNotFound
// only when none can. Callers that need directed dispatch should encode
// the service in the tool name instead.
type Bridge struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	dial    DialFunc

	mu       sync.RWMutex
	services map[string]ServiceConfig
	conns    map[string]ProviderClient
}

// NewBridge creates a bridge over the given service configurations.
// metrics may be nil, in which case call accounting is skipped.
func NewBridge(services []ServiceConfig, logger *slog.Logger, metrics *observability.Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		logger:   logger.With("component", "tool-bridge"),
		metrics:  metrics,
		services: make(map[string]ServiceConfig, len(services)),
		conns:    make(map[string]ProviderClient),
		dial: func(ctx context.Context, cfg ServiceConfig, logger *slog.Logger) (ProviderClient, error) {
			return Connect(ctx, cfg, logger)
		},
	}
	for _, svc := range services {
		b.services[svc.Name] = svc
	}
	return b
}

// SetDialer overrides how the bridge opens connections.
func (b *Bridge) SetDialer(dial DialFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dial = dial
}

// connect returns the cached connection for a service, dialing it on
// first use. Credentials are resolved at dial time; changing them later
// requires Invalidate.
func (b *Bridge) connect(ctx context.Context, service string) (ProviderClient, error) {
	b.mu.RLock()
	conn, ok := b.conns[service]
	b.mu.RUnlock()
	if ok {
		return conn, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if conn, ok := b.conns[service]; ok {
		return conn, nil
	}

	cfg, ok := b.services[service]
	if !ok {
		return nil, fmt.Errorf("unknown tool service %q", service)
	}
	conn, err := b.dial(ctx, cfg, b.logger)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", service, err)
	}
	b.conns[service] = conn
	return conn, nil
}

// Invalidate closes and drops the cached connection for a service, so
// the next call reconnects with current configuration.
func (b *Bridge) Invalidate(service string) {
	b.mu.Lock()
	conn, ok := b.conns[service]
	delete(b.conns, service)
	b.mu.Unlock()

	if ok {
		if err := conn.Close(); err != nil {
			b.logger.Warn("closing stale tool connection", "service", service, "error", err)
		}
	}
}

// ListTools connects to each named service and returns the combined
// tool schemas in the shape the model API expects. Name, description,
// and parameter schema pass through verbatim.
func (b *Bridge) ListTools(ctx context.Context, services []string) ([]agent.ToolDef, error) {
	var defs []agent.ToolDef
	for _, service := range services {
		conn, err := b.connect(ctx, service)
		if err != nil {
			return nil, err
		}
		tools, err := conn.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools for %s: %w", service, err)
		}
		for _, tool := range tools {
			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			defs = append(defs, agent.ToolDef{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
	}
	return defs, nil
}

// Execute dispatches a tool call across the open connections, trying
// each until one handles it. A provider that does not know the tool is
// skipped; any other failure from a provider that accepted the call is
// terminal.
func (b *Bridge) Execute(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	spanCtx, span := observability.StartSpan(ctx, "tool.call", "tool.name", name)
	start := time.Now()

	out, err := b.execute(spanCtx, name, input)

	observability.RecordSpanError(span, err)
	span.End()
	if b.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		b.metrics.ToolCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		b.metrics.ToolCalls.WithLabelValues(name, status).Inc()
	}
	return out, err
}

func (b *Bridge) execute(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	b.mu.RLock()
	conns := make(map[string]ProviderClient, len(b.conns))
	for svc, conn := range b.conns {
		conns[svc] = conn
	}
	b.mu.RUnlock()

	for service, conn := range conns {
		result, err := conn.CallTool(ctx, name, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			b.logger.Debug("tool call not handled", "service", service, "tool", name, "error", err)
			continue
		}
		if result.IsError {
			return nil, fmt.Errorf("tool %s failed: %s", name, flattenContent(result.Content))
		}
		return json.Marshal(flattenContent(result.Content))
	}

	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// Executor adapts the bridge to the agent's tool-executor callback.
func (b *Bridge) Executor() agent.ToolExecutor {
	return func(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
		return b.Execute(ctx, name, input)
	}
}

// Close shuts down every open connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]ProviderClient)
	b.mu.Unlock()

	var firstErr error
	for service, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", service, err)
		}
	}
	return firstErr
}

// flattenContent joins the textual parts of a tool result. Non-text
// parts fall back to their JSON encoding.
func flattenContent(content []ToolResultContent) string {
	var texts []string
	for _, item := range content {
		if item.Type == "text" {
			if item.Text != "" {
				texts = append(texts, item.Text)
			}
			continue
		}
		if payload, err := json.Marshal(item); err == nil {
			texts = append(texts, string(payload))
		}
	}
	return strings.Join(texts, "\n")
}
