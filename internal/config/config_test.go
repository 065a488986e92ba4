package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/assistdesk/relay/internal/backoff"
	"github.com/assistdesk/relay/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	t.Setenv("RELAY_API_TOKEN", "secret-token")
	path := writeConfig(t, `
listen_addr: ":9000"
logging:
  level: debug
api:
  base_url: https://backend.example.com
  token: ${RELAY_API_TOKEN}
  user_email: agent@example.com
storage:
  sqlite_path: /tmp/relay.db
  scope: org-42
reconcile:
  enabled: true
  schedule: "*/2 * * * *"
endpoints:
  - channel: whatsapp
    url: wss://relay.example.com/ws/whatsapp
    phone_number: "+15550001111"
    customer_number: "+15550002222"
    backoff:
      mode: exponential
      base_ms: 1000
      max_ms: 60000
      max_attempts: 5
  - channel: website
    url: wss://relay.example.com/ws/widget
    widget_key: wk_abc
    visitor_id: v_123
    backoff:
      mode: fixed
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.API.Token != "secret-token" {
		t.Errorf("token not expanded: %q", cfg.API.Token)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("endpoints = %d, want 2", len(cfg.Endpoints))
	}

	key, err := cfg.Endpoints[0].Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if key.Channel != models.ChannelWhatsApp || key.PhoneNumber != "+15550001111" {
		t.Errorf("key = %+v", key)
	}

	policy := cfg.Endpoints[0].Backoff.Policy()
	if policy.Base != time.Second || policy.Max != time.Minute || policy.MaxAttempts != 5 {
		t.Errorf("policy = %+v", policy)
	}

	fixed := cfg.Endpoints[1].Backoff.Policy()
	if fixed.Mode != backoff.ModeFixed || fixed.Base != 3*time.Second {
		t.Errorf("fixed policy = %+v", fixed)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9000"
surprise: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8090" {
		t.Errorf("listen_addr default = %q", cfg.ListenAddr)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level default = %q", cfg.Logging.Level)
	}
	if cfg.Storage.Scope != "default" {
		t.Errorf("scope default = %q", cfg.Storage.Scope)
	}
}

func TestLoadValidatesEndpointIdentifiers(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - channel: whatsapp
    url: wss://relay.example.com/ws
    phone_number: "+15550001111"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "customer_number") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadValidatesReconcileRequirements(t *testing.T) {
	path := writeConfig(t, `
reconcile:
  enabled: true
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "api.base_url") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadValidatesLogLevel(t *testing.T) {
	_, err := Load(writeConfig(t, `
logging:
  level: loud
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
}
