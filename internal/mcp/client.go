package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const protocolVersion = "2024-11-05"

// ProviderClient is the narrow contract the bridge needs from one
// connected tool provider.
type ProviderClient interface {
	ListTools(ctx context.Context) ([]*ToolDescriptor, error)
	CallTool(ctx context.Context, name string, input json.RawMessage) (*ToolCallResult, error)
	Close() error
}

// HTTPClient speaks JSON-RPC over HTTP to a single MCP server,
// authenticating with a bearer token resolved at connect time.
type HTTPClient struct {
	config ServiceConfig
	logger *slog.Logger
	client *http.Client
}

// Connect validates the service configuration, performs the initialize
// handshake, and returns a ready client.
func Connect(ctx context.Context, cfg ServiceConfig, logger *slog.Logger) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c := &HTTPClient{
		config: cfg,
		logger: logger.With("mcp_service", cfg.Name),
		client: &http.Client{Timeout: timeout},
	}

	params := InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ClientInfo{Name: "novax", Version: "1.0.0"},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", cfg.Name, err)
	}
	c.logger.Info("MCP service connected", "url", cfg.URL)
	return c, nil
}

// Name returns the configured service name.
func (c *HTTPClient) Name() string {
	return c.config.Name
}

// ListTools fetches the tool schemas exposed by the server.
func (c *HTTPClient) ListTools(ctx context.Context) ([]*ToolDescriptor, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var parsed ListToolsResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return parsed.Tools, nil
}

// CallTool invokes a named tool on the server.
func (c *HTTPClient) CallTool(ctx context.Context, name string, input json.RawMessage) (*ToolCallResult, error) {
	params := CallToolParams{Name: name, Arguments: input}
	result, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var parsed ToolCallResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &parsed, nil
}

// Close releases the client. HTTP connections are pooled by the
// transport, so this only drops idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, _ := json.Marshal(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(payload))
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
