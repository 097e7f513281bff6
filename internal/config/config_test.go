package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"DB_DRIVER", "SERVER_PORT", "ENV", "ALLOWED_ORIGINS", "PUSH_TIMEOUT", "MESSAGE_PAGE_DEFAULT", "MESSAGE_PAGE_MAX"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	if cfg.DBDriver != "mysql" {
		t.Errorf("Expected default driver mysql, got %q", cfg.DBDriver)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("Expected default port 8080, got %q", cfg.ServerPort)
	}
	if !cfg.IsDevelopment() {
		t.Errorf("Expected development env by default, got %q", cfg.Env)
	}
	if cfg.PushTimeout != 5*time.Second {
		t.Errorf("Expected push timeout 5s, got %v", cfg.PushTimeout)
	}
	if cfg.MessagePageDefault != 20 || cfg.MessagePageMax != 100 {
		t.Errorf("Unexpected message page bounds %d/%d", cfg.MessagePageDefault, cfg.MessagePageMax)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("Expected 2 default origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoad_TrimsOriginsAndParsesOverrides(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , https://b.example")
	t.Setenv("DB_DRIVER", "PEBBLE")
	t.Setenv("PUSH_TIMEOUT", "750ms")
	t.Setenv("MESSAGE_PAGE_DEFAULT", "30")
	t.Setenv("MESSAGE_PAGE_MAX", "10")
	t.Setenv("PUSH_WORKERS", "not-a-number")

	cfg := Load()

	if cfg.AllowedOrigins[0] != "https://a.example" || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("Origins were not trimmed: %q", cfg.AllowedOrigins)
	}
	if cfg.DBDriver != "pebble" {
		t.Errorf("Expected lower-cased driver, got %q", cfg.DBDriver)
	}
	if cfg.PushTimeout != 750*time.Millisecond {
		t.Errorf("Expected 750ms, got %v", cfg.PushTimeout)
	}
	if cfg.MessagePageMax != 30 {
		t.Errorf("Max page must never be below the default, got %d", cfg.MessagePageMax)
	}
	if cfg.PushWorkers != 4 {
		t.Errorf("Malformed value should fall back to default, got %d", cfg.PushWorkers)
	}
}
