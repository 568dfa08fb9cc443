package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// protocolVersion is the MCP protocol revision advertised on connect.
	protocolVersion = "2024-11-05"

	clientName    = "mcpcore"
	clientVersion = "0.1.0"

	// DefaultRequestTimeout bounds a single request when the caller
	// supplies no deadline of its own.
	DefaultRequestTimeout = 30 * time.Second
)

// Client is a JSON-RPC 2.0 client session over a Transport. Requests
// carry monotonic numeric ids; responses complete in arbitrary order and
// are matched back to their request by id.
type Client struct {
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	transport Transport
	pending   map[int64]chan *JSONRPCMessage
	closed    bool

	nextID atomic.Int64

	serverInfo ServerInfo
}

// NewClient creates a client session. The transport is attached by
// Connect. A zero timeout selects DefaultRequestTimeout.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		logger:  logger,
		timeout: timeout,
		pending: make(map[int64]chan *JSONRPCMessage),
	}
}

// HandleMessage routes an inbound transport message to the request that
// is waiting for it. Wire this as the transport's OnMessage handler.
func (c *Client) HandleMessage(msg *JSONRPCMessage) {
	if !msg.IsResponse() {
		// Server-initiated notifications are outside the request path.
		c.logger.Debug("ignoring server notification", "method", msg.Method)
		return
	}

	id, ok := normalizeID(msg.ID)
	if !ok {
		c.logger.Warn("unexpected response id type", "id", msg.ID)
		return
	}

	c.mu.Lock()
	ch, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if found {
		ch <- msg
	}
}

func normalizeID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Connect starts the transport and performs the protocol handshake,
// advertising the client identity and capability set. Fails with a
// TransportConnectionFailed error when the peer does not answer.
func (c *Client) Connect(ctx context.Context, transport Transport) error {
	c.mu.Lock()
	c.transport = transport
	c.closed = false
	c.mu.Unlock()

	if err := transport.Start(ctx); err != nil {
		return err
	}

	result, err := c.Request(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	})
	if err != nil {
		return WrapError(KindTransportConnectionFailed, "initialize handshake", err)
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return WrapError(KindTransportConnectionFailed, "parse initialize result", err)
	}
	c.serverInfo = init.ServerInfo

	c.logger.Info("connected to server",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)

	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	return nil
}

// ServerInfo returns the peer identity captured during the handshake.
func (c *Client) ServerInfo() ServerInfo {
	return c.serverInfo
}

// ListTools queries the peer's tool catalog. May return empty.
func (c *Client) ListTools(ctx context.Context) ([]*Tool, error) {
	result, err := c.Request(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, WrapError(KindToolResponseError, "parse tools/list result", err)
	}
	if resp.Tools == nil {
		return []*Tool{}, nil
	}
	return resp.Tools, nil
}

// CallTool invokes a tool on the peer. A result carrying isError=true is
// surfaced as a ToolInvocationFailed error carrying the returned text.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, WrapError(KindToolInvocationFailed, "marshal arguments", err).WithTool(name)
		}
		params.Arguments = argsJSON
	}

	result, err := c.Request(ctx, "tools/call", params)
	if err != nil {
		if me, ok := AsError(err); ok {
			me.ToolName = name
			return nil, me
		}
		return nil, WrapError(KindToolInvocationFailed, "tools/call", err).WithTool(name)
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, WrapError(KindToolResponseError, "parse tool result", err).WithTool(name)
	}

	if callResult.IsError {
		return nil, NewError(KindToolInvocationFailed, callResult.Text()).WithTool(name)
	}
	return &callResult, nil
}

// Ping issues the lightweight liveness probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, "ping", nil)
	return err
}

// Request issues a generic JSON-RPC request and returns the raw result.
// Requests time out with OperationTimeout after the configured deadline;
// the peer is not cancelled implicitly.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed || c.transport == nil {
		c.mu.Unlock()
		return nil, NewError(KindTransportClosed, "client is closed")
	}
	transport := c.transport

	id := c.nextID.Add(1)
	ch := make(chan *JSONRPCMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := &JSONRPCMessage{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = paramsJSON
	}

	if err := transport.Send(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, NewError(KindTransportClosed, "connection closed while waiting for response")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, WrapError(KindOperationTimeout, method, ctx.Err())
		}
		return nil, ctx.Err()
	case <-timer.C:
		return nil, NewError(KindOperationTimeout,
			fmt.Sprintf("%s timed out after %v", method, c.timeout))
	}
}

// notify sends a notification (no response expected).
func (c *Client) notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	transport := c.transport
	closed := c.closed
	c.mu.Unlock()
	if closed || transport == nil {
		return NewError(KindTransportClosed, "client is closed")
	}

	msg := &JSONRPCMessage{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = paramsJSON
	}
	return transport.Send(ctx, msg)
}

// Close cancels inflight requests with TransportClosed and releases the
// transport reference. The transport itself is closed by its owner.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.transport = nil

	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
