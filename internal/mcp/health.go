package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/mcpcore/internal/observability"
)

// maxHealthHistory caps the per-server check history (newest first).
const maxHealthHistory = 10

// HealthTarget is the slice of a supervised server the monitor probes.
type HealthTarget interface {
	ListTools(ctx context.Context) ([]*Tool, error)
	InvokeTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error)
	Ping(ctx context.Context) error
	Disabled() bool
}

// HealthMonitor runs periodic liveness probes against one server and
// maintains its health snapshot. A server is marked unhealthy only after
// retries+1 consecutive failures; one success resets the streak.
type HealthMonitor struct {
	name    string
	target  HealthTarget
	config  HealthCheckConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	snapshot HealthSnapshot
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewHealthMonitor creates a monitor for the named server. The config must
// already be validated.
func NewHealthMonitor(name string, target HealthTarget, cfg HealthCheckConfig, metrics *observability.Metrics, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		name:    name,
		target:  target,
		config:  cfg,
		logger:  logger.With("component", "health", "server", name),
		metrics: metrics,
		snapshot: HealthSnapshot{
			IsHealthy: true,
		},
	}
}

// StartMonitoring begins the periodic check loop. Idempotent; a second
// call while running is a no-op.
func (m *HealthMonitor) StartMonitoring() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(stop)
}

// StopMonitoring halts the check loop and waits for it to exit. Idempotent.
func (m *HealthMonitor) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
}

// UpdateConfig swaps the check configuration. The running loop picks up
// the new interval on its next tick.
func (m *HealthMonitor) UpdateConfig(cfg HealthCheckConfig) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// Snapshot returns a copy of the current health view.
func (m *HealthMonitor) Snapshot() HealthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot
	snap.CheckHistory = make([]HealthCheckRecord, len(m.snapshot.CheckHistory))
	copy(snap.CheckHistory, m.snapshot.CheckHistory)
	return snap
}

func (m *HealthMonitor) loop(stop chan struct{}) {
	defer m.wg.Done()

	m.mu.Lock()
	interval := m.config.Interval()
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.CheckNow(context.Background())

			m.mu.Lock()
			next := m.config.Interval()
			m.mu.Unlock()
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// CheckNow runs one health check immediately and records the outcome.
func (m *HealthMonitor) CheckNow(ctx context.Context) HealthSnapshot {
	m.mu.Lock()
	cfg := m.config
	m.mu.Unlock()

	start := time.Now()

	var err error
	retries := cfg.RetryBudget()
	if m.target.Disabled() {
		// Disabled servers are unhealthy immediately, no retry grace.
		err = NewError(KindServerDisabled, "server is disabled").WithServer(m.name)
		retries = -1
	} else {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
		err = m.runCheck(checkCtx, cfg)
		cancel()
	}

	elapsed := time.Since(start)
	m.record(err, elapsed, retries)
	return m.Snapshot()
}

// runCheck dispatches on the configured strategy. The ping strategy falls
// back to tool listing when the server does not implement ping.
func (m *HealthMonitor) runCheck(ctx context.Context, cfg HealthCheckConfig) error {
	switch cfg.Strategy {
	case HealthToolListing:
		_, err := m.target.ListTools(ctx)
		return err

	case HealthPing:
		err := m.target.Ping(ctx)
		if isMethodNotFound(err) {
			m.logger.Debug("ping not supported, falling back to tool listing")
			_, err = m.target.ListTools(ctx)
		}
		return err

	case HealthSpecificTool:
		if cfg.SpecificTool == nil {
			return NewError(KindInvalidConfiguration, "specific-tool strategy without a tool")
		}
		_, err := m.target.InvokeTool(ctx, cfg.SpecificTool.Name, cfg.SpecificTool.Args)
		return err

	case HealthCustom:
		if cfg.Custom == nil {
			return NewError(KindInvalidConfiguration, "custom strategy without a check capability")
		}
		return cfg.Custom(ctx)

	default:
		return NewError(KindInvalidConfiguration, fmt.Sprintf("unknown health strategy %q", cfg.Strategy))
	}
}

// record folds one check outcome into the snapshot.
func (m *HealthMonitor) record(err error, elapsed time.Duration, retries int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec := HealthCheckRecord{
		Timestamp:      now,
		Success:        err == nil,
		ResponseTimeMs: elapsed.Milliseconds(),
	}

	s := &m.snapshot
	s.CheckCount++
	s.LastCheckTime = now
	s.ResponseTimeMs = elapsed.Milliseconds()

	if err == nil {
		s.ConsecutiveFailures = 0
		s.IsHealthy = true
		s.LastError = ""
	} else {
		rec.Error = err.Error()
		s.FailureCount++
		s.ConsecutiveFailures++
		s.LastError = err.Error()
		if s.ConsecutiveFailures > retries {
			if s.IsHealthy {
				m.logger.Warn("server marked unhealthy",
					"consecutiveFailures", s.ConsecutiveFailures,
					"error", err)
			}
			s.IsHealthy = false
		}
	}

	// Newest first, capped.
	s.CheckHistory = append([]HealthCheckRecord{rec}, s.CheckHistory...)
	if len(s.CheckHistory) > maxHealthHistory {
		s.CheckHistory = s.CheckHistory[:maxHealthHistory]
	}

	m.metrics.ObserveHealthCheck(m.name, err == nil, s.ConsecutiveFailures)
}

// isMethodNotFound reports whether err is the JSON-RPC method-not-found
// error, directly or wrapped.
func isMethodNotFound(err error) bool {
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == ErrCodeMethodNotFound
	}
	return false
}
