package mcp

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/mcpcore/internal/observability"
)

// Manager owns a registry of supervised servers keyed by id and
// multiplexes tool discovery and invocation across them.
type Manager struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	servers map[string]*Supervisor
}

// NewManager creates an empty manager.
func NewManager(metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "manager"),
		metrics: metrics,
		servers: make(map[string]*Supervisor),
	}
}

// StartServer registers and starts a server under a unique id. The id
// is reserved before the (slow) start so concurrent duplicate starts
// are serialised; on start failure the reservation is released and the
// supervisor is not retained.
func (m *Manager) StartServer(ctx context.Context, id string, cfg *ServerConfig) error {
	if id == "" {
		return NewError(KindInvalidConfiguration, "server id is required")
	}

	sup, err := NewSupervisor(id, cfg, m.metrics, m.logger)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.servers[id]; exists {
		m.mu.Unlock()
		return NewError(KindServerAlreadyExists, "server id is already registered").WithServer(id)
	}
	m.servers[id] = sup
	m.mu.Unlock()

	if err := sup.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.servers, id)
		m.mu.Unlock()
		return err
	}

	m.logger.Info("server started", "server", id)
	return nil
}

// StopServer stops and removes a server.
func (m *Manager) StopServer(id string) error {
	m.mu.Lock()
	sup, ok := m.servers[id]
	if ok {
		delete(m.servers, id)
	}
	m.mu.Unlock()

	if !ok {
		return NewError(KindServerNotFound, "no such server").WithServer(id)
	}

	sup.Stop()
	m.logger.Info("server stopped", "server", id)
	return nil
}

// UpdateServer replaces a server's config by stopping it and starting a
// fresh supervisor with the new config.
func (m *Manager) UpdateServer(ctx context.Context, id string, cfg *ServerConfig) error {
	if err := m.StopServer(id); err != nil {
		return err
	}
	return m.StartServer(ctx, id, cfg)
}

// GetServer returns the supervisor for an id.
func (m *Manager) GetServer(id string) (*Supervisor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.servers[id]
	if !ok {
		return nil, NewError(KindServerNotFound, "no such server").WithServer(id)
	}
	return sup, nil
}

// ServerIDs returns the registered server ids in sorted order.
func (m *Manager) ServerIDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// ListAllTools lists tools from every server concurrently and flattens
// the results. A server that fails to list degrades to zero tools; the
// aggregate never fails on a single server's error.
func (m *Manager) ListAllTools(ctx context.Context) ([]*ToolWithServer, error) {
	sups := m.snapshot()

	var mu sync.Mutex
	byServer := make(map[string][]*Tool, len(sups))

	g, gctx := errgroup.WithContext(ctx)
	for _, sup := range sups {
		sup := sup
		g.Go(func() error {
			tools, err := sup.ListTools(gctx)
			if err != nil {
				m.logger.Warn("tool listing failed", "server", sup.Name(), "error", err)
				return nil
			}
			mu.Lock()
			byServer[sup.Name()] = tools
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(byServer))
	for name := range byServer {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []*ToolWithServer
	for _, name := range names {
		for _, tool := range byServer[name] {
			out = append(out, &ToolWithServer{Tool: *tool, ServerName: name})
		}
	}
	return out, nil
}

// InvokeTool routes a tool call to the named server.
func (m *Manager) InvokeTool(ctx context.Context, id, method string, args map[string]any) (*ToolCallResult, error) {
	sup, err := m.GetServer(id)
	if err != nil {
		return nil, err
	}
	return sup.InvokeTool(ctx, method, args)
}

// GetCompletions routes a completion request to the named server.
func (m *Manager) GetCompletions(ctx context.Context, id, method, argName, value string) (*CompletionResult, error) {
	sup, err := m.GetServer(id)
	if err != nil {
		return nil, err
	}
	return sup.GetCompletions(ctx, method, argName, value)
}

// GetServerState returns the state snapshot for one server.
func (m *Manager) GetServerState(id string) (ServerState, error) {
	sup, err := m.GetServer(id)
	if err != nil {
		return ServerState{}, err
	}
	return sup.GetState(), nil
}

// GetAllServerStates snapshots every registered server.
func (m *Manager) GetAllServerStates() map[string]ServerState {
	sups := m.snapshot()
	out := make(map[string]ServerState, len(sups))
	for _, sup := range sups {
		out[sup.Name()] = sup.GetState()
	}
	return out
}

// CheckServerHealth runs an immediate health check on every server
// concurrently and returns the snapshots.
func (m *Manager) CheckServerHealth(ctx context.Context) map[string]HealthSnapshot {
	sups := m.snapshot()

	var mu sync.Mutex
	out := make(map[string]HealthSnapshot, len(sups))

	var wg sync.WaitGroup
	for _, sup := range sups {
		sup := sup
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap := sup.CheckHealth(ctx)
			mu.Lock()
			out[sup.Name()] = snap
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// GetHealthMetrics returns the current health snapshot of every server
// without running new checks.
func (m *Manager) GetHealthMetrics() map[string]HealthSnapshot {
	sups := m.snapshot()
	out := make(map[string]HealthSnapshot, len(sups))
	for _, sup := range sups {
		out[sup.Name()] = sup.GetState().Health
	}
	return out
}

// Cleanup stops every server in parallel and clears the registry.
// Per-server stop problems are logged, never propagated.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.servers))
	for _, sup := range m.servers {
		sups = append(sups, sup)
	}
	m.servers = make(map[string]*Supervisor)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sup := range sups {
		sup := sup
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Stop()
		}()
	}
	wg.Wait()

	m.logger.Info("all servers stopped", "count", len(sups))
}

func (m *Manager) snapshot() []*Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Supervisor, 0, len(m.servers))
	for _, sup := range m.servers {
		out = append(out, sup)
	}
	return out
}
