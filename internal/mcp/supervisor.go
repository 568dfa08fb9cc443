package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/mcpcore/internal/backoff"
	"github.com/haasonsaas/mcpcore/internal/observability"
)

// maxConnectRetries is the retry budget for start: 3 retries after the
// initial attempt, 4 attempts total.
const maxConnectRetries = 3

// transportFactory builds the transport for one connect attempt.
// Swappable in tests.
type transportFactory func(cfg *ServerConfig, handlers Handlers, logs *LogBuffer, logger *slog.Logger) Transport

// Supervisor owns one MCP server: its validated config, transport, client
// session, health monitor, log buffer, and lifecycle state.
type Supervisor struct {
	name    string
	logger  *slog.Logger
	metrics *observability.Metrics
	logs    *LogBuffer

	newTransport transportFactory
	sleep        func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	config    *ServerConfig
	transport Transport
	client    *Client
	health    *HealthMonitor
	tools     []*Tool
	schemas   map[string]*jsonschema.Schema

	status        ServerStatus
	lastError     string
	retryCount    int
	lastRetryTime time.Time
	stopped       bool
}

// NewSupervisor creates a supervisor for the named server. The config is
// validated and defaults are filled; a disabled config starts in the
// disabled state.
func NewSupervisor(name string, cfg *ServerConfig, metrics *observability.Metrics, logger *slog.Logger) (*Supervisor, error) {
	if err := ValidateServerConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		name:         name,
		logger:       logger.With("component", "supervisor", "server", name),
		metrics:      metrics,
		logs:         NewLogBuffer(),
		newTransport: NewTransport,
		sleep:        backoff.SleepWithContext,
		config:       cfg,
		status:       StatusUninitialized,
	}
	if cfg.Disabled {
		s.status = StatusDisabled
	}

	s.health = NewHealthMonitor(name, s, cfg.HealthCheck, metrics, logger)
	return s, nil
}

// Name returns the server id.
func (s *Supervisor) Name() string {
	return s.name
}

// Disabled reports whether the server is configured off.
func (s *Supervisor) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Disabled
}

// Start connects to the server, retrying with exponential backoff
// (1s, 2s, 4s) up to 3 retries. On a disabled config it logs and settles
// in the disabled state without error. On success the health monitor
// starts and the retry counter resets.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.config.Disabled {
		s.status = StatusDisabled
		s.mu.Unlock()
		s.logger.Info("server is disabled, skipping start")
		s.logs.Append(LogLevelInfo, "server is disabled", nil)
		return nil
	}
	if s.status == StatusConnected {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStarting
	s.stopped = false
	s.mu.Unlock()

	policy := backoff.ConnectPolicy()

	var lastErr error
	for attempt := 0; attempt <= maxConnectRetries; attempt++ {
		if attempt > 0 {
			s.mu.Lock()
			s.retryCount = attempt
			s.lastRetryTime = time.Now()
			s.mu.Unlock()

			delay := backoff.Compute(policy, attempt)
			s.logger.Info("retrying connect", "attempt", attempt, "delay", delay)
			if err := s.sleep(ctx, delay); err != nil {
				s.failStart(err)
				return err
			}
		}

		// Stop during the retry loop wins; teardown already settled us in
		// disconnected.
		if s.isStopped() {
			return NewError(KindServerStartFailed, "stopped during start").WithServer(s.name)
		}

		if err := s.connectOnce(ctx); err != nil {
			lastErr = err
			s.logger.Warn("connect attempt failed", "attempt", attempt, "error", err)
			s.logs.Append(LogLevelError, fmt.Sprintf("connect failed: %v", err), nil)
			s.metrics.ObserveTransportError(s.name)
			continue
		}

		s.mu.Lock()
		if s.stopped {
			// Stop raced the connect: release what connectOnce just
			// installed instead of committing to connected.
			client := s.client
			transport := s.transport
			s.client = nil
			s.transport = nil
			s.tools = nil
			s.schemas = nil
			s.status = StatusDisconnected
			s.mu.Unlock()

			if client != nil {
				client.Close()
			}
			if transport != nil {
				_ = transport.Close()
			}
			return NewError(KindServerStartFailed, "stopped during start").WithServer(s.name)
		}
		s.status = StatusConnected
		s.retryCount = 0
		s.lastError = ""
		s.mu.Unlock()

		s.health.StartMonitoring()
		s.logger.Info("server connected")
		return nil
	}

	err := WrapError(KindServerStartFailed,
		fmt.Sprintf("failed after %d attempts", maxConnectRetries+1), lastErr).WithServer(s.name)
	s.failStart(err)
	return err
}

func (s *Supervisor) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Supervisor) failStart(err error) {
	s.mu.Lock()
	s.status = StatusError
	s.lastError = err.Error()
	s.mu.Unlock()
}

// connectOnce performs one connect attempt: create the transport, wire it
// to a fresh client session, handshake, and load the tool catalog. Partial
// resources are torn down on failure.
func (s *Supervisor) connectOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.config
	s.mu.Unlock()

	client := NewClient(0, s.logger)
	transport := s.newTransport(cfg, Handlers{
		OnMessage: client.HandleMessage,
		OnClose:   s.onTransportClose,
		OnError:   s.onTransportError,
	}, s.logs, s.logger)

	if err := client.Connect(ctx, transport); err != nil {
		client.Close()
		_ = transport.Close()
		return err
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		s.logger.Warn("initial tool listing failed", "error", err)
		tools = nil
	}

	s.mu.Lock()
	s.transport = transport
	s.client = client
	s.setToolsLocked(tools)
	s.mu.Unlock()

	return nil
}

// setToolsLocked replaces the tool cache and compiles each tool's input
// schema for client-side argument validation. Tools whose schema does not
// compile stay callable without validation.
func (s *Supervisor) setToolsLocked(tools []*Tool) {
	s.tools = tools
	s.schemas = make(map[string]*jsonschema.Schema, len(tools))
	for _, tool := range tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		url := "mcp:///" + s.name + "/" + tool.Name
		if err := compiler.AddResource(url, strings.NewReader(string(tool.InputSchema))); err != nil {
			s.logger.Debug("tool schema not loadable", "tool", tool.Name, "error", err)
			continue
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			s.logger.Debug("tool schema not compilable", "tool", tool.Name, "error", err)
			continue
		}
		s.schemas[tool.Name] = schema
	}
}

// onTransportClose reacts to the transport ending underneath us: the same
// cleanup as stop, settling in disconnected.
func (s *Supervisor) onTransportClose() {
	s.mu.Lock()
	if s.stopped || s.status != StatusConnected {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Warn("transport closed unexpectedly")
	s.logs.Append(LogLevelWarning, "transport closed unexpectedly", nil)
	s.teardown()
}

func (s *Supervisor) onTransportError(err error) {
	s.logger.Error("transport error", "error", err)
	s.logs.Append(LogLevelError, fmt.Sprintf("transport error: %v", err), nil)
	s.metrics.ObserveTransportError(s.name)
}

// Stop disconnects from the server: health monitor first, then the client
// (cancelling inflight requests), then the transport. Idempotent; errors
// are logged but never block the transition to disconnected.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped || (s.status != StatusConnected && s.status != StatusStarting) {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.teardown()
	s.logger.Info("server stopped")
}

func (s *Supervisor) teardown() {
	s.health.StopMonitoring()

	s.mu.Lock()
	client := s.client
	transport := s.transport
	s.client = nil
	s.transport = nil
	s.tools = nil
	s.schemas = nil
	s.status = StatusDisconnected
	s.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			s.logger.Warn("transport close failed", "error", err)
		}
	}
}

// InvokeTool calls a tool on the server. Arguments are validated against
// the tool's input schema before anything is sent.
func (s *Supervisor) InvokeTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	s.mu.Lock()
	if s.config.Disabled {
		s.mu.Unlock()
		return nil, NewError(KindServerDisabled, "server is disabled").WithServer(s.name).WithTool(name)
	}
	client := s.client
	schema := s.schemas[name]
	s.mu.Unlock()

	if client == nil {
		return nil, NewError(KindServerNotConnected, "server is not connected").WithServer(s.name).WithTool(name)
	}

	if schema != nil {
		if err := schema.Validate(normalizeArgs(args)); err != nil {
			return nil, WrapError(KindToolInvocationFailed, "arguments rejected by tool schema", err).
				WithServer(s.name).WithTool(name)
		}
	}

	start := time.Now()
	result, err := client.CallTool(ctx, name, args)
	s.metrics.ObserveToolInvocation(s.name, name, err, time.Since(start))
	if err != nil {
		if me, ok := AsError(err); ok && me.ServerID == "" {
			me.ServerID = s.name
		}
		return nil, err
	}
	return result, nil
}

// normalizeArgs round-trips the arguments through JSON so the schema
// validator sees the same value shapes that go on the wire.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}

// ListTools returns the cached tool catalog. A disabled or disconnected
// server yields an empty list rather than an error; a connected server
// refreshes the cache from the peer.
func (s *Supervisor) ListTools(ctx context.Context) ([]*Tool, error) {
	s.mu.Lock()
	disabled := s.config.Disabled
	client := s.client
	s.mu.Unlock()

	if disabled || client == nil {
		return []*Tool{}, nil
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.setToolsLocked(tools)
	s.mu.Unlock()
	return tools, nil
}

// Ping issues the protocol liveness probe.
func (s *Supervisor) Ping(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return NewError(KindServerNotConnected, "server is not connected").WithServer(s.name)
	}
	return client.Ping(ctx)
}

// GetCompletions asks the server for argument completions via
// completion/complete. A peer answering MethodNotFound yields
// CompletionsNotSupported; a method absent from the tool catalog yields
// ToolNotFound.
func (s *Supervisor) GetCompletions(ctx context.Context, method, argName, value string) (*CompletionResult, error) {
	s.mu.Lock()
	if s.config.Disabled {
		s.mu.Unlock()
		return nil, NewError(KindServerDisabled, "server is disabled").WithServer(s.name)
	}
	client := s.client
	var known bool
	for _, t := range s.tools {
		if t.Name == method {
			known = true
			break
		}
	}
	s.mu.Unlock()

	if client == nil {
		return nil, NewError(KindServerNotConnected, "server is not connected").WithServer(s.name)
	}
	if !known {
		return nil, NewError(KindToolNotFound, fmt.Sprintf("tool %q is not exposed by this server", method)).
			WithServer(s.name).WithTool(method)
	}

	result, err := client.Request(ctx, "completion/complete", map[string]any{
		"ref": map[string]any{
			"type": "ref/tool",
			"name": method,
		},
		"argument": map[string]any{
			"name":  argName,
			"value": value,
		},
	})
	if err != nil {
		if isMethodNotFound(err) {
			return nil, WrapError(KindCompletionsNotSupported, "server does not support completions", err).
				WithServer(s.name)
		}
		return nil, WrapError(KindCompletionsFailed, "completion/complete", err).WithServer(s.name)
	}

	var completions CompletionResult
	if err := json.Unmarshal(result, &completions); err != nil {
		return nil, WrapError(KindCompletionsFailed, "parse completion result", err).WithServer(s.name)
	}
	return &completions, nil
}

// CheckHealth runs one health check immediately.
func (s *Supervisor) CheckHealth(ctx context.Context) HealthSnapshot {
	return s.health.CheckNow(ctx)
}

// GetState returns a point-in-time snapshot of the server.
func (s *Supervisor) GetState() ServerState {
	s.mu.Lock()
	state := ServerState{
		Status:        s.status,
		Error:         s.lastError,
		RetryCount:    s.retryCount,
		LastRetryTime: s.lastRetryTime,
	}
	s.mu.Unlock()

	state.Logs = s.logs.Snapshot()
	state.Health = s.health.Snapshot()
	return state
}

// GetConfig returns a copy of the current config.
func (s *Supervisor) GetConfig() ServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.config
}

// UpdateConfig deep-merges a patch into the config. Changes to command,
// args, or env take effect on the next start; the health monitor picks up
// new check settings immediately.
func (s *Supervisor) UpdateConfig(patch map[string]any) error {
	s.mu.Lock()
	existing := s.config
	s.mu.Unlock()

	merged, err := MergeConfig(existing, patch)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.config = merged
	s.mu.Unlock()

	s.health.UpdateConfig(merged.HealthCheck)
	s.logger.Info("config updated")
	return nil
}

// Logs returns the captured server log entries.
func (s *Supervisor) Logs() []LogEntry {
	return s.logs.Snapshot()
}
