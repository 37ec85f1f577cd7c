package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":3000" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Session.CountryCode != "62" || cfg.Session.DomainSuffix != "@s.whatsapp.net" {
		t.Errorf("session defaults = %+v", cfg.Session)
	}
	if cfg.Queue.Workers != 4 || cfg.Queue.MaxAttempts != 3 {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  listen: ":8080"
  api_key: secret
queue:
  redis_url: redis://localhost:6379/0
  workers: 2
session:
  country_code: "49"
  reconnect_base: 1s
  reconnect_max: 10s
webhook:
  default_url: https://hooks.example.com/wa
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":8080" || cfg.Server.APIKey != "secret" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Queue.RedisURL != "redis://localhost:6379/0" || cfg.Queue.Workers != 2 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Session.CountryCode != "49" {
		t.Errorf("country code = %q", cfg.Session.CountryCode)
	}
	if cfg.Session.ReconnectBase != time.Second || cfg.Session.ReconnectMax != 10*time.Second {
		t.Errorf("backoff = %v/%v", cfg.Session.ReconnectBase, cfg.Session.ReconnectMax)
	}
	if cfg.Webhook.DefaultURL != "https://hooks.example.com/wa" {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(": not yaml ["), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FREEWA_LISTEN", ":9000")
	t.Setenv("FREEWA_API_KEY", "env-key")
	t.Setenv("WEBHOOK_URL", "https://env.example.com/hook")
	t.Setenv("FREEWA_QUEUE_WORKERS", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "no-such.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":9000" || cfg.Server.APIKey != "env-key" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Webhook.DefaultURL != "https://env.example.com/hook" {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
	if cfg.Queue.Workers != 7 {
		t.Errorf("workers = %d", cfg.Queue.Workers)
	}
}

func TestNormalizeRejectsInvalidBackoff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("session:\n  reconnect_base: 30s\n  reconnect_max: 5s\n"), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.ReconnectMax < cfg.Session.ReconnectBase {
		t.Errorf("max %v below base %v after normalize", cfg.Session.ReconnectMax, cfg.Session.ReconnectBase)
	}
}

func TestStoragePaths(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = "/var/lib/freewa"
	if got := cfg.RegistryPath(); got != "/var/lib/freewa/devices.json" {
		t.Errorf("registry path = %q", got)
	}
	if got := cfg.SessionsDir(); got != "/var/lib/freewa/wa_sessions" {
		t.Errorf("sessions dir = %q", got)
	}
}
