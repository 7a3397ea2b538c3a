package config

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefaultPresetValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default preset invalid: %v", err)
	}
}

func TestMinimalPresetValidates(t *testing.T) {
	cfg := Minimal()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("minimal preset invalid: %v", err)
	}
	if cfg.BehavioralAnalysis {
		t.Fatal("minimal preset should disable behavioral analysis")
	}
	if cfg.ProfileWindow >= Default().ProfileWindow {
		t.Fatal("minimal preset should narrow the profile window")
	}
	if cfg.ArgonMemoryKB >= Default().ArgonMemoryKB {
		t.Fatal("minimal preset should cheapen the hash cost")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("PRESET", "minimal")
	t.Setenv("FLAG_THRESHOLD", "55")
	t.Setenv("SINGLE_TXN_LIMIT", "1500")
	t.Setenv("LOCKOUT_BASE", "2m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FlagThreshold != 55 {
		t.Errorf("FlagThreshold = %v", cfg.FlagThreshold)
	}
	if !cfg.SingleTxnLimit.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("SingleTxnLimit = %v", cfg.SingleTxnLimit)
	}
	if cfg.LockoutBase.Minutes() != 2 {
		t.Errorf("LockoutBase = %v", cfg.LockoutBase)
	}
	if cfg.BehavioralAnalysis {
		t.Error("PRESET=minimal not applied")
	}
}

func TestLoadRejectsInvertedBands(t *testing.T) {
	t.Setenv("FLAG_THRESHOLD", "80")
	t.Setenv("DENY_THRESHOLD", "60")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for flag >= deny")
	}
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name  string
		tweak func(*Config)
	}{
		{"negative flag threshold", func(c *Config) { c.FlagThreshold = -1 }},
		{"deny over 100", func(c *Config) { c.DenyThreshold = 101 }},
		{"single limit above daily", func(c *Config) { c.SingleTxnLimit = c.DailyLimit.Add(decimal.NewFromInt(1)) }},
		{"zero pin failures", func(c *Config) { c.MaxPinFailures = 0 }},
		{"zero lockout growth", func(c *Config) { c.LockoutGrowth = 0 }},
		{"zero profile window", func(c *Config) { c.ProfileWindow = 0 }},
		{"min history above window", func(c *Config) { c.MinHistory = c.ProfileWindow + 1 }},
		{"zero argon time", func(c *Config) { c.ArgonTime = 0 }},
		{"zero device cap", func(c *Config) { c.DeviceCap = 0 }},
	}
	for _, c := range cases {
		cfg := Default()
		c.tweak(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}
