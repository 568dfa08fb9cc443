package backoff

import (
	"context"
	"testing"
	"time"
)

func TestComputeConnectPolicy(t *testing.T) {
	policy := ConnectPolicy()

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	for attempt, expected := range want {
		got := Compute(policy, attempt+1)
		if got != expected {
			t.Errorf("attempt %d: got %v, want %v", attempt+1, got, expected)
		}
	}
}

func TestComputeCapsAtMax(t *testing.T) {
	policy := ConnectPolicy()
	if got := Compute(policy, 10); got != 4*time.Second {
		t.Errorf("got %v, want cap of 4s", got)
	}
}

func TestComputeWithRandJitter(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0.5}

	// randomValue 0 yields the bare base; 1.0 adds the full jitter.
	if got := ComputeWithRand(policy, 1, 0); got != 100*time.Millisecond {
		t.Errorf("no jitter: got %v, want 100ms", got)
	}
	if got := ComputeWithRand(policy, 1, 1.0); got != 150*time.Millisecond {
		t.Errorf("full jitter: got %v, want 150ms", got)
	}
}

func TestComputeFirstAttemptUsesInitial(t *testing.T) {
	policy := DefaultPolicy()
	if got := ComputeWithRand(policy, 1, 0); got != 100*time.Millisecond {
		t.Errorf("got %v, want 100ms", got)
	}
}

func TestSleepWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Minute)
	if err != context.Canceled {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestSleepWithContextZeroDuration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Zero duration returns immediately even with a cancelled context.
	if err := SleepWithContext(ctx, 0); err != nil {
		t.Errorf("got %v, want nil", err)
	}
}
