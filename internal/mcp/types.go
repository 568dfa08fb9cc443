// Package mcp implements the Model Context Protocol runtime: transports,
// client sessions, health monitoring, per-server supervision, and a manager
// that multiplexes tool discovery and invocation across servers.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ServerConfig holds configuration for one MCP server. A command with an
// http:// or https:// prefix selects the event-stream transport; anything
// else is spawned as a child process speaking stdio.
type ServerConfig struct {
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	AutoApprove []string          `yaml:"autoApprove,omitempty" json:"autoApprove,omitempty"`
	Disabled    bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	HealthCheck HealthCheckConfig `yaml:"healthCheck,omitempty" json:"healthCheck,omitempty"`
}

// IsHTTP reports whether the config selects the event-stream transport.
func (c *ServerConfig) IsHTTP() bool {
	return strings.HasPrefix(c.Command, "http://") || strings.HasPrefix(c.Command, "https://")
}

// HealthStrategy selects the liveness probe procedure.
type HealthStrategy string

const (
	HealthToolListing  HealthStrategy = "tool-listing"
	HealthPing         HealthStrategy = "ping"
	HealthSpecificTool HealthStrategy = "specific-tool"
	HealthCustom       HealthStrategy = "custom"
)

// CustomHealthCheck is the capability injected for the custom strategy.
type CustomHealthCheck func(ctx context.Context) error

// HealthCheckConfig configures the per-server health monitor.
type HealthCheckConfig struct {
	Strategy   HealthStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	IntervalMs int            `yaml:"intervalMs,omitempty" json:"intervalMs,omitempty"`
	TimeoutMs  int            `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`

	// Retries is the number of consecutive failures tolerated before the
	// server is marked unhealthy (unhealthy after Retries+1 failures).
	// Nil selects the default of 1.
	Retries *int `yaml:"retries,omitempty" json:"retries,omitempty"`

	// SpecificTool is required iff Strategy is specific-tool.
	SpecificTool *SpecificToolCheck `yaml:"specificTool,omitempty" json:"specificTool,omitempty"`

	// Custom is the injected check for the custom strategy. Not serializable.
	Custom CustomHealthCheck `yaml:"-" json:"-"`
}

// SpecificToolCheck names the tool invoked by the specific-tool strategy.
type SpecificToolCheck struct {
	Name string         `yaml:"name" json:"name"`
	Args map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
}

// Interval returns the configured check interval.
func (c *HealthCheckConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Timeout returns the configured per-check deadline.
func (c *HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryBudget returns the effective retry count.
func (c *HealthCheckConfig) RetryBudget() int {
	if c.Retries == nil {
		return defaultHealthRetries
	}
	return *c.Retries
}

// ServerStatus is the lifecycle state of a supervised server.
type ServerStatus string

const (
	StatusUninitialized ServerStatus = "uninitialized"
	StatusStarting      ServerStatus = "starting"
	StatusConnected     ServerStatus = "connected"
	StatusDisconnected  ServerStatus = "disconnected"
	StatusError         ServerStatus = "error"
	StatusDisabled      ServerStatus = "disabled"
)

// ServerState is a point-in-time snapshot of a supervised server.
type ServerState struct {
	Status        ServerStatus   `json:"status"`
	Error         string         `json:"error,omitempty"`
	RetryCount    int            `json:"retryCount"`
	LastRetryTime time.Time      `json:"lastRetryTime"`
	Logs          []LogEntry     `json:"logs,omitempty"`
	Health        HealthSnapshot `json:"health"`
}

// HealthSnapshot is a point-in-time view of a server's health metrics.
type HealthSnapshot struct {
	IsHealthy           bool                `json:"isHealthy"`
	LastCheckTime       time.Time           `json:"lastCheckTime"`
	ResponseTimeMs      int64               `json:"responseTimeMs,omitempty"`
	CheckCount          int                 `json:"checkCount"`
	FailureCount        int                 `json:"failureCount"`
	ConsecutiveFailures int                 `json:"consecutiveFailures"`
	LastError           string              `json:"lastError,omitempty"`
	CheckHistory        []HealthCheckRecord `json:"checkHistory,omitempty"`
}

// HealthCheckRecord is one entry in the health check history (newest first).
type HealthCheckRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Success        bool      `json:"success"`
	ResponseTimeMs int64     `json:"responseTimeMs,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Tool is a named capability exposed by an MCP server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolWithServer is a tool annotated with the server it belongs to.
type ToolWithServer struct {
	Tool
	ServerName string `json:"serverName"`
}

// ToolCallResult holds the result of calling an MCP tool.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// Text concatenates the text parts of the result.
func (r *ToolCallResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, c := range r.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolResultContent holds one piece of content from a tool result.
type ToolResultContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CompletionResult holds the argument completions returned by a server.
// The wire schema is passed through loosely; unknown fields are ignored.
type CompletionResult struct {
	Completion struct {
		Values  []string `json:"values"`
		Total   int      `json:"total,omitempty"`
		HasMore bool     `json:"hasMore,omitempty"`
	} `json:"completion"`
}

// JSON-RPC wire types.

// JSONRPCMessage is a JSON-RPC 2.0 envelope covering requests, responses,
// and notifications. ID is nil for notifications.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// IsResponse reports whether the message is a response to a request.
func (m *JSONRPCMessage) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// InitializeResult holds the result of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// ServerInfo identifies an MCP server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
