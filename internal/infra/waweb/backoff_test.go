package waweb

import (
	"testing"
	"time"

	"clawdis/internal/conf"
)

// TestBackoffDelay_MatchesScenario5Formula pins spec §8 scenario 5's exact
// reconnect schedule: {initialMs:100, maxMs:800, factor:2, jitter:0,
// maxAttempts:4} must yield 100, 200, 400, 800ms on attempts 1-4.
func TestBackoffDelay_MatchesScenario5Formula(t *testing.T) {
	policy := conf.ReconnectPolicy{InitialMs: 100, MaxMs: 800, Factor: 2, JitterMs: 0, MaxAttempts: 4}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}

	for i, exp := range want {
		got := backoffDelay(policy, i+1)
		if got != exp {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, exp)
		}
	}
}

func TestBackoffDelay_CapsAtMax(t *testing.T) {
	policy := conf.ReconnectPolicy{InitialMs: 100, MaxMs: 800, Factor: 2, JitterMs: 0, MaxAttempts: 10}
	if got := backoffDelay(policy, 5); got != 800*time.Millisecond {
		t.Fatalf("attempt 5: got %v, want capped 800ms", got)
	}
}

func TestBackoffDelay_JitterStaysWithinBounds(t *testing.T) {
	policy := conf.ReconnectPolicy{InitialMs: 100, MaxMs: 800, Factor: 2, JitterMs: 20, MaxAttempts: 4}
	for i := 0; i < 50; i++ {
		got := backoffDelay(policy, 1)
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside [80,120]ms", got)
		}
	}
}
