package engine

import (
	"testing"
	"time"
)

func TestDelayForAttempt_GrowthAndCap(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 200, BackoffFactor: 2.0, MaxDelayMS: 1000}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1000 * time.Millisecond}, // capped
		{10, 1000 * time.Millisecond},
	}
	for _, c := range cases {
		if got := DelayForAttempt(c.attempt, cfg, ""); got != c.want {
			t.Fatalf("attempt %d: got %v want %v", c.attempt, got, c.want)
		}
	}
}

func TestDelayForAttempt_ZeroInitialMeansNoDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 0, BackoffFactor: 2.0, MaxDelayMS: 1000}
	if got := DelayForAttempt(3, cfg, "seed"); got != 0 {
		t.Fatalf("got %v want 0", got)
	}
}

func TestDelayForAttempt_JitterIsDeterministicPerSeed(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 200, BackoffFactor: 2.0, MaxDelayMS: 60000, Jitter: true}
	a := DelayForAttempt(2, cfg, "run:1:2")
	b := DelayForAttempt(2, cfg, "run:1:2")
	if a != b {
		t.Fatalf("same seed should give same delay: %v vs %v", a, b)
	}
	c := DelayForAttempt(2, cfg, "run:9:2")
	if a == c {
		t.Fatalf("different seeds should usually differ: %v", a)
	}
	// Jitter stays within [0.5x, 1.5x] of the base.
	base := 400 * time.Millisecond
	if a < base/2 || a > base*3/2 {
		t.Fatalf("jittered delay out of range: %v", a)
	}
}

func TestDelayForAttempt_AttemptFloor(t *testing.T) {
	cfg := BackoffConfig{InitialDelayMS: 100, BackoffFactor: 2.0, MaxDelayMS: 60000}
	if got := DelayForAttempt(0, cfg, ""); got != 100*time.Millisecond {
		t.Fatalf("attempt 0 should clamp to 1: %v", got)
	}
}
