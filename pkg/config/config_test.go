package config

import (
	"testing"
	"time"
)

func TestLoadAPIConfigDefaults(t *testing.T) {
	cfg := LoadAPIConfig()
	if cfg.PreviewRegistry != PreviewRegistryPostgres {
		t.Fatalf("unexpected registry default %q", cfg.PreviewRegistry)
	}
	if cfg.TerminalScrollbackBytes != 64*1024 {
		t.Fatalf("unexpected scrollback default %d", cfg.TerminalScrollbackBytes)
	}
	if cfg.PreviewRequireAuth {
		t.Fatalf("expected preview auth disabled by default")
	}
}

func TestLoadAPIConfigOverrides(t *testing.T) {
	t.Setenv("PREVIEW_REGISTRY", "file")
	t.Setenv("PREVIEW_ENSURE_TIMEOUT_SECONDS", "7")
	t.Setenv("PREVIEW_REQUIRE_AUTH", "true")
	t.Setenv("TERMINAL_SUBSCRIBER_QUEUE", "not-a-number")

	cfg := LoadAPIConfig()
	if cfg.PreviewRegistry != PreviewRegistryFile {
		t.Fatalf("expected file registry, got %q", cfg.PreviewRegistry)
	}
	if cfg.PreviewEnsureTimeout != 7*time.Second {
		t.Fatalf("unexpected ensure timeout %s", cfg.PreviewEnsureTimeout)
	}
	if !cfg.PreviewRequireAuth {
		t.Fatalf("expected preview auth enabled")
	}
	if cfg.TerminalSubscriberQueue != 256 {
		t.Fatalf("expected fallback for invalid int, got %d", cfg.TerminalSubscriberQueue)
	}
}

func TestGetSeconds(t *testing.T) {
	cases := []struct {
		value string
		want  time.Duration
	}{
		{"15", 15 * time.Second},
		{"0", 3 * time.Second},
		{"-2", 3 * time.Second},
		{"ten", 3 * time.Second},
		{"  ", 3 * time.Second},
	}
	for _, tc := range cases {
		t.Setenv("TEST_SECONDS", tc.value)
		if got := GetSeconds("TEST_SECONDS", 3*time.Second); got != tc.want {
			t.Fatalf("GetSeconds(%q) = %s, want %s", tc.value, got, tc.want)
		}
	}
}
