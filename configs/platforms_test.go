package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParsePlatformPoliciesOverridesDefaults(t *testing.T) {
	data := []byte(`
platforms:
  instagram:
    min_refresh_interval: 12h
  Bluesky:
    refresh_window: 1h
    requests_per_second: 3
  mastodon:
    no_expiry: false
`)
	got, err := ParsePlatformPolicies(data, DefaultPlatformPolicies())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ig := got["instagram"]
	if ig.MinRefreshInterval != 12*time.Hour {
		t.Fatalf("expected override to 12h, got %v", ig.MinRefreshInterval)
	}
	if ig.RefreshWindow != 7*24*time.Hour {
		t.Fatalf("expected default window kept, got %v", ig.RefreshWindow)
	}
	if bs := got["bluesky"]; bs.RefreshWindow != time.Hour || bs.RequestsPerSecond != 3 {
		t.Fatalf("expected new platform entry, got %+v", bs)
	}
	if got["mastodon"].NoExpiry {
		t.Fatal("expected no_expiry override to false")
	}
}

func TestParsePlatformPoliciesRejectsBadDuration(t *testing.T) {
	_, err := ParsePlatformPolicies([]byte("platforms:\n  tiktok:\n    refresh_window: soon\n"), DefaultPlatformPolicies())
	if err == nil {
		t.Fatal("expected invalid duration error")
	}
}

func TestLoadPlatformPoliciesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platforms.yaml")
	if err := os.WriteFile(path, []byte("platforms:\n  tiktok:\n    sequence_delay: 5s\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	got, err := LoadPlatformPolicies(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["tiktok"].SequenceDelay != 5*time.Second {
		t.Fatalf("expected 5s, got %v", got["tiktok"].SequenceDelay)
	}

	defaults, err := LoadPlatformPolicies("")
	if err != nil || len(defaults) != len(DefaultPlatformPolicies()) {
		t.Fatalf("expected defaults for empty path, err=%v", err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("POLL_INTERVAL", "bogus")

	cfg := LoadConfig()
	if cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("expected env override, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Polling.Interval != 2*time.Second {
		t.Fatalf("expected default poll interval on bad value, got %v", cfg.Polling.Interval)
	}
	if cfg.Retry.MaxDelay != 8*time.Second || cfg.Polling.Timeout != 2*time.Minute {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Retry, cfg.Polling)
	}
}
