package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/orders"
  max_conns: 8
provider:
  base_url: "https://provider.test/v3"
  api_key: "key"
  mode: "sandbox"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.DB.MaxConns != 8 {
		t.Errorf("max_conns = %d, want 8", cfg.DB.MaxConns)
	}
	if cfg.Orders.TTLMinutes != 30 {
		t.Errorf("ttl default = %d, want 30", cfg.Orders.TTLMinutes)
	}
	if cfg.Reaper.IntervalSeconds != 120 {
		t.Errorf("reaper interval default = %d, want 120", cfg.Reaper.IntervalSeconds)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DB_MAX_CONNS", "16")
	t.Setenv("PROVIDER_MODE", "live")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.MaxConns != 16 {
		t.Errorf("max_conns = %d, want 16", cfg.DB.MaxConns)
	}
	if cfg.Provider.Mode != "live" {
		t.Errorf("mode = %s", cfg.Provider.Mode)
	}
}

func TestLoadRejectsBadMode(t *testing.T) {
	body := strings.ReplaceAll(sampleConfig, `"sandbox"`, `"replay"`)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected error for bad provider mode")
	}
}
