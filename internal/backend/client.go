// ABOUTME: One MCP session layered on a stdio transport.
// ABOUTME: Handles the initialize handshake, tool discovery, and tool calls.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcp-gateway/internal/protocol"
	"github.com/2389/mcp-gateway/internal/transport"
)

// ErrProtocol indicates a response that does not match the expected MCP
// result shape.
var ErrProtocol = errors.New("protocol error")

// clientName and clientVersion identify the gateway in the initialize
// handshake.
const (
	clientName    = "mcp-gateway"
	clientVersion = "1.0.0"
)

// rpc is the part of the transport a Client drives. Tests substitute a
// scripted implementation.
type rpc interface {
	SendRequest(ctx context.Context, method string, params json.RawMessage) (*protocol.Response, error)
	SendNotification(method string, params json.RawMessage) error
	Pid() (int, bool)
	Shutdown()
}

// Conn is the view of a connected backend the proxy routes through.
type Conn interface {
	Tools() []protocol.Tool
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*protocol.CallToolResult, error)
	Pid() (int, bool)
	Shutdown()
}

// Client is one MCP session built on a Transport.
type Client struct {
	transport rpc
	logger    *slog.Logger

	mu           sync.RWMutex
	capabilities json.RawMessage
	serverInfo   protocol.ServerInfo
	tools        []protocol.Tool
}

// ConnectOptions configures a backend connection.
type ConnectOptions struct {
	Command        string
	Args           []string
	Env            map[string]string
	Logger         *slog.Logger
	RequestTimeout time.Duration
}

// Connect spawns the backend process and performs the mandatory handshake
// sequence: initialize, notifications/initialized, then tools/list. Any
// step failing tears the transport down and aborts the whole connect —
// tools are never listed before the handshake completes.
func Connect(ctx context.Context, opts ConnectOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tr, err := transport.Spawn(opts.Command, opts.Args, opts.Env, transport.Options{
		Logger:         logger,
		RequestTimeout: opts.RequestTimeout,
		OnNotification: func(method string, _ json.RawMessage) {
			// tools/list_changed is observed but does not trigger an
			// automatic refresh; callers use RefreshTools on demand.
			logger.Debug("backend notification", "method", method)
		},
	})
	if err != nil {
		return nil, err
	}

	c := &Client{transport: tr, logger: logger}
	if err := c.initialize(ctx); err != nil {
		tr.Shutdown()
		return nil, err
	}
	if err := c.discoverTools(ctx); err != nil {
		tr.Shutdown()
		return nil, err
	}
	return c, nil
}

// newClient wires a client over an existing transport. Used by tests.
func newClient(tr rpc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{transport: tr, logger: logger}
}

func (c *Client) initialize(ctx context.Context) error {
	params, err := json.Marshal(protocol.InitializeParams{
		ProtocolVersion: protocol.LatestVersion(),
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo: protocol.ClientInfo{
			Name:    clientName,
			Version: clientVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding initialize params: %w", err)
	}

	resp, err := c.transport.SendRequest(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected: %s", resp.Error.Message)
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("%w: no result in initialize response", ErrProtocol)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("%w: parsing initialize result: %v", ErrProtocol, err)
	}

	c.mu.Lock()
	c.capabilities = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("backend initialized",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.transport.SendNotification("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

func (c *Client) discoverTools(ctx context.Context) error {
	resp, err := c.transport.SendRequest(ctx, "tools/list", json.RawMessage(`{}`))
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("tools/list rejected: %s", resp.Error.Message)
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("%w: no result in tools/list response", ErrProtocol)
	}

	var result protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("%w: parsing tools/list result: %v", ErrProtocol, err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered tools", "count", len(result.Tools))
	return nil
}

// RefreshTools re-issues tools/list and replaces the stored descriptor set.
func (c *Client) RefreshTools(ctx context.Context) error {
	return c.discoverTools(ctx)
}

// Tools returns the tool descriptors from the most recent discovery.
func (c *Client) Tools() []protocol.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make([]protocol.Tool, len(c.tools))
	copy(tools, c.tools)
	return tools
}

// Capabilities returns the capabilities the server declared at initialize.
func (c *Client) Capabilities() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

// ServerInfo returns the server identity captured at initialize.
func (c *Client) ServerInfo() protocol.ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// CallTool issues tools/call for the named tool. Arguments default to an
// empty object. Transport failures propagate unchanged; unparseable results
// fail with ErrProtocol.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*protocol.CallToolResult, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	params, err := json.Marshal(protocol.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("encoding tools/call params: %w", err)
	}

	resp, err := c.transport.SendRequest(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tool call failed: %s", resp.Error.Message)
	}
	if len(resp.Result) == 0 {
		return nil, fmt.Errorf("%w: no result in tools/call response", ErrProtocol)
	}

	var result protocol.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: parsing tools/call result: %v", ErrProtocol, err)
	}
	return &result, nil
}

// Pid exposes the backend's OS process id for external lifecycle use.
func (c *Client) Pid() (int, bool) {
	return c.transport.Pid()
}

// Shutdown tears down the underlying transport. Safe to call once;
// operations after shutdown fail with the transport's closed error.
func (c *Client) Shutdown() {
	c.transport.Shutdown()
}
