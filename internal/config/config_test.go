package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.BufferWindow != 45*time.Second {
		t.Fatalf("BufferWindow = %v, want 45s", cfg.BufferWindow)
	}
	if cfg.BlocksThreshold != 0.75 || cfg.SoftRelatesThreshold != 0.55 {
		t.Fatalf("thresholds = %v/%v, want 0.75/0.55", cfg.BlocksThreshold, cfg.SoftRelatesThreshold)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BUFFER_WINDOW", "10s")
	t.Setenv("DISPATCH_GLOBAL_CONCURRENCY", "3")
	t.Setenv("LINK_BLOCKS_THRESHOLD", "0.9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BufferWindow != 10*time.Second {
		t.Fatalf("BufferWindow = %v, want 10s", cfg.BufferWindow)
	}
	if cfg.GlobalConcurrency != 3 {
		t.Fatalf("GlobalConcurrency = %d, want 3", cfg.GlobalConcurrency)
	}
	if cfg.BlocksThreshold != 0.9 {
		t.Fatalf("BlocksThreshold = %v, want 0.9", cfg.BlocksThreshold)
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("LINK_BLOCKS_THRESHOLD", "0.4")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want threshold ordering error")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("BUFFER_WINDOW", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want parse error")
	}
}
