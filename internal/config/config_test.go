package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func unsetForTest(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		prev, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, prev)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	unsetForTest(t, "PORT", "REDIS_URL", "PING_INTERVAL", "HEARTBEAT_TIMEOUT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.RedisURL != "redis://127.0.0.1:6379/0" {
		t.Errorf("RedisURL = %q, want default", cfg.RedisURL)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want 30s", cfg.PingInterval)
	}
	if cfg.HeartbeatTimeout != 60*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 60s", cfg.HeartbeatTimeout)
	}
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("PORT", "9999")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
}

func TestPrint_ContainsKeyFields(t *testing.T) {
	cfg := &Config{Port: 8080, RedisURL: "redis://x", Workers: 4, LogLevel: "info"}
	out := cfg.Print()
	for _, want := range []string{"port=8080", "redis_url=redis://x", "workers=4", "log_level=info"} {
		if !strings.Contains(out, want) {
			t.Errorf("Print() = %q, missing %q", out, want)
		}
	}
}
