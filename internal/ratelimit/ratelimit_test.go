package ratelimit

import (
	"testing"
	"time"
)

func TestBurstThenDeny(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Errorf("request %d within burst should be allowed", i)
		}
	}

	if limiter.Allow("10.0.0.1") {
		t.Error("request past the burst should be denied")
	}

	// One token accrues per second at 60/min.
	time.Sleep(1100 * time.Millisecond)

	if !limiter.Allow("10.0.0.1") {
		t.Error("request after replenishment should be allowed")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("10.0.0.1")
	}

	if limiter.Allow("10.0.0.1") {
		t.Error("exhausted client should be limited")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Error("fresh client should not be limited")
	}
}

func TestReplenishmentRate(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 600,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	if !limiter.Allow("pos-terminal") {
		t.Error("first request should be allowed")
	}
	if limiter.Allow("pos-terminal") {
		t.Error("immediate second request should be denied")
	}

	// 10 tokens per second, so ~100ms buys one back.
	time.Sleep(110 * time.Millisecond)

	if !limiter.Allow("pos-terminal") {
		t.Error("request after replenishment should be allowed")
	}
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 {
		t.Errorf("expected 60 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("expected burst size 10, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}
