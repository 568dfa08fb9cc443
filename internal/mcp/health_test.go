package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeTarget scripts the supervisor slice the monitor probes.
type fakeTarget struct {
	listErr   error
	pingErr   error
	invokeErr error
	disabled  bool

	listCalls   int
	pingCalls   int
	invokeCalls int
	lastTool    string
}

func (f *fakeTarget) ListTools(context.Context) ([]*Tool, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []*Tool{}, nil
}

func (f *fakeTarget) InvokeTool(_ context.Context, name string, _ map[string]any) (*ToolCallResult, error) {
	f.invokeCalls++
	f.lastTool = name
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return &ToolCallResult{}, nil
}

func (f *fakeTarget) Ping(context.Context) error {
	f.pingCalls++
	return f.pingErr
}

func (f *fakeTarget) Disabled() bool { return f.disabled }

func monitorFor(target *fakeTarget, cfg HealthCheckConfig) *HealthMonitor {
	if cfg.IntervalMs == 0 {
		cfg.IntervalMs = defaultHealthIntervalMs
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = defaultHealthTimeoutMs
	}
	if cfg.Strategy == "" {
		cfg.Strategy = HealthToolListing
	}
	return NewHealthMonitor("s1", target, cfg, nil, nil)
}

func TestHealthToolListingSuccess(t *testing.T) {
	target := &fakeTarget{}
	mon := monitorFor(target, HealthCheckConfig{})

	snap := mon.CheckNow(context.Background())
	if !snap.IsHealthy {
		t.Error("healthy target reported unhealthy")
	}
	if snap.CheckCount != 1 || target.listCalls != 1 {
		t.Errorf("checkCount=%d listCalls=%d", snap.CheckCount, target.listCalls)
	}
}

func TestHealthUnhealthyOnlyAfterRetriesExceeded(t *testing.T) {
	target := &fakeTarget{listErr: errors.New("down")}
	retries := 2
	mon := monitorFor(target, HealthCheckConfig{Retries: &retries})

	// retries=2 tolerates two failures; the third flips isHealthy.
	for i := 1; i <= 2; i++ {
		snap := mon.CheckNow(context.Background())
		if !snap.IsHealthy {
			t.Fatalf("unhealthy after %d failures, want tolerance of %d", i, retries)
		}
		if snap.ConsecutiveFailures != i {
			t.Errorf("consecutiveFailures = %d, want %d", snap.ConsecutiveFailures, i)
		}
	}

	snap := mon.CheckNow(context.Background())
	if snap.IsHealthy {
		t.Error("still healthy after retries+1 consecutive failures")
	}
}

func TestHealthSuccessResetsFailureStreak(t *testing.T) {
	target := &fakeTarget{listErr: errors.New("down")}
	mon := monitorFor(target, HealthCheckConfig{})

	mon.CheckNow(context.Background())
	mon.CheckNow(context.Background())

	target.listErr = nil
	snap := mon.CheckNow(context.Background())
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d after success", snap.ConsecutiveFailures)
	}
	if !snap.IsHealthy {
		t.Error("not healthy after successful check")
	}
	if snap.FailureCount != 2 {
		t.Errorf("failureCount = %d, want cumulative 2", snap.FailureCount)
	}
}

func TestHealthHistoryNewestFirstCapped(t *testing.T) {
	target := &fakeTarget{}
	mon := monitorFor(target, HealthCheckConfig{})

	for i := 0; i < maxHealthHistory+5; i++ {
		if i == maxHealthHistory+4 {
			target.listErr = fmt.Errorf("latest failure")
		}
		mon.CheckNow(context.Background())
	}

	snap := mon.Snapshot()
	if len(snap.CheckHistory) != maxHealthHistory {
		t.Fatalf("history length = %d, want %d", len(snap.CheckHistory), maxHealthHistory)
	}
	if snap.CheckHistory[0].Success {
		t.Error("newest entry should be the failure")
	}
}

func TestHealthPingFallsBackToToolListing(t *testing.T) {
	target := &fakeTarget{
		pingErr: &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "no ping"},
	}
	mon := monitorFor(target, HealthCheckConfig{Strategy: HealthPing})

	snap := mon.CheckNow(context.Background())
	if !snap.IsHealthy {
		t.Error("fallback check should succeed")
	}
	if target.pingCalls != 1 || target.listCalls != 1 {
		t.Errorf("pingCalls=%d listCalls=%d, want 1 and 1", target.pingCalls, target.listCalls)
	}
}

func TestHealthPingRealFailureDoesNotFallBack(t *testing.T) {
	target := &fakeTarget{pingErr: errors.New("broken pipe")}
	retries := 0
	mon := monitorFor(target, HealthCheckConfig{Strategy: HealthPing, Retries: &retries})

	snap := mon.CheckNow(context.Background())
	if snap.IsHealthy {
		t.Error("real ping failure should count")
	}
	if target.listCalls != 0 {
		t.Error("unexpected fallback to tool listing")
	}
}

func TestHealthSpecificToolStrategy(t *testing.T) {
	target := &fakeTarget{}
	mon := monitorFor(target, HealthCheckConfig{
		Strategy:     HealthSpecificTool,
		SpecificTool: &SpecificToolCheck{Name: "status", Args: map[string]any{"deep": true}},
	})

	mon.CheckNow(context.Background())
	if target.invokeCalls != 1 || target.lastTool != "status" {
		t.Errorf("invokeCalls=%d lastTool=%q", target.invokeCalls, target.lastTool)
	}
}

func TestHealthCustomStrategy(t *testing.T) {
	called := false
	target := &fakeTarget{}
	mon := monitorFor(target, HealthCheckConfig{
		Strategy: HealthCustom,
		Custom: func(context.Context) error {
			called = true
			return nil
		},
	})

	snap := mon.CheckNow(context.Background())
	if !called {
		t.Error("custom check not invoked")
	}
	if !snap.IsHealthy {
		t.Error("custom success reported unhealthy")
	}
}

func TestHealthDisabledServerImmediatelyUnhealthy(t *testing.T) {
	target := &fakeTarget{disabled: true}
	retries := 5
	mon := monitorFor(target, HealthCheckConfig{Retries: &retries})

	snap := mon.CheckNow(context.Background())
	if snap.IsHealthy {
		t.Error("disabled server must report unhealthy regardless of retry budget")
	}
	if target.listCalls != 0 {
		t.Error("disabled server must not be probed")
	}
}

func TestHealthStartStopMonitoringIdempotent(t *testing.T) {
	mon := monitorFor(&fakeTarget{}, HealthCheckConfig{IntervalMs: 60000})

	mon.StartMonitoring()
	mon.StartMonitoring()
	mon.StopMonitoring()
	mon.StopMonitoring()
}
