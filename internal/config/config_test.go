package config

import (
	"testing"
	"time"
)

func TestDefaultHasSaneValues(t *testing.T) {
	cfg := Default()
	if cfg.HoldTTL != 10*time.Minute {
		t.Fatalf("unexpected default HoldTTL: %v", cfg.HoldTTL)
	}
	if cfg.RetryMaxAttempts != 8 {
		t.Fatalf("unexpected default RetryMaxAttempts: %d", cfg.RetryMaxAttempts)
	}
	if cfg.DataDir == "" {
		t.Fatalf("expected non-empty default DataDir")
	}
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv("TMINUS_HOLD_TTL", "45s")
	t.Setenv("TMINUS_MIRROR_HIGH_WATER", "750")
	t.Setenv("TMINUS_REDIS_ADDR", "redis.internal:6380")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HoldTTL != 45*time.Second {
		t.Fatalf("expected HoldTTL overridden to 45s, got %v", cfg.HoldTTL)
	}
	if cfg.MirrorHighWater != 750 {
		t.Fatalf("expected MirrorHighWater overridden to 750, got %d", cfg.MirrorHighWater)
	}
	if cfg.RedisAddr != "redis.internal:6380" {
		t.Fatalf("expected RedisAddr overridden, got %q", cfg.RedisAddr)
	}
	// Values not set via env must still fall back to Default().
	if cfg.RetryMaxAttempts != Default().RetryMaxAttempts {
		t.Fatalf("unset value drifted from default: %d", cfg.RetryMaxAttempts)
	}
}

func TestLoadMissingConfigFileIsNotAnError(t *testing.T) {
	if _, err := Load("/nonexistent/path/tminus.toml"); err != nil {
		t.Fatalf("missing config file should be tolerated, got: %v", err)
	}
}

func TestUserDBPathIsNamespacedByUser(t *testing.T) {
	cfg := Config{DataDir: "/var/lib/tminus"}
	got := cfg.UserDBPath("user-1")
	want := "/var/lib/tminus/users/user-1/store.db"
	if got != want {
		t.Fatalf("UserDBPath = %q, want %q", got, want)
	}
}
