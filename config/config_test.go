package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "wagate.yml")
	data := []byte(`
system:
  workdir: ` + dir + `
web:
  port: 8080
whatsapp:
  identities: [admin, tenant-7]
  session_store: bolt
  qr_cooldown: 3s
notify:
  admin_phone: "+91 98765 43210"
`)
	if err := os.WriteFile(file, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfig(file)
	if cfg.Web.Port != 8080 {
		t.Fatalf("web port = %d, want 8080", cfg.Web.Port)
	}
	if got := cfg.WhatsApp.Identities; len(got) != 2 || got[1] != "tenant-7" {
		t.Fatalf("identities = %v", got)
	}
	if cfg.WhatsApp.SessionStore != "bolt" {
		t.Fatalf("session store = %q", cfg.WhatsApp.SessionStore)
	}
	if cfg.WhatsApp.QRCooldown != 3*time.Second {
		t.Fatalf("qr cooldown = %s", cfg.WhatsApp.QRCooldown)
	}
	// untouched sections keep defaults
	if cfg.Notify.DefaultCountryCode != "91" {
		t.Fatalf("country code = %q", cfg.Notify.DefaultCountryCode)
	}
	if cfg.WhatsApp.InitTimeout != DefaultAppConfig.WhatsApp.InitTimeout {
		t.Fatalf("init timeout = %s", cfg.WhatsApp.InitTimeout)
	}
	if cfg.GetSessionDir() != filepath.Join(dir, "sessions") {
		t.Fatalf("session dir = %s", cfg.GetSessionDir())
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("WAGATE_WEB_PORT", "9090")
	t.Setenv("WAGATE_WA_IDENTITIES", "admin, global ,")
	t.Setenv("WAGATE_NOTIFY_BROADCAST_INTERVAL", "0.25")
	t.Setenv("WAGATE_NOTIFY_SEND_TIMEOUT", "5s")
	t.Setenv("WAGATE_DB_DEBUG", "true")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if cfg.Web.Port != 9090 {
		t.Fatalf("web port = %d", cfg.Web.Port)
	}
	if got := cfg.WhatsApp.Identities; len(got) != 2 || got[0] != "admin" || got[1] != "global" {
		t.Fatalf("identities = %#v", got)
	}
	if cfg.Notify.BroadcastInterval != 250*time.Millisecond {
		t.Fatalf("broadcast interval = %s", cfg.Notify.BroadcastInterval)
	}
	if cfg.Notify.SendTimeout != 5*time.Second {
		t.Fatalf("send timeout = %s", cfg.Notify.SendTimeout)
	}
	if !cfg.Database.Debug {
		t.Fatal("db debug should be enabled")
	}
}

func TestLoadConfigDoesNotMutateDefaults(t *testing.T) {
	t.Setenv("WAGATE_WA_IDENTITIES", "x")
	_ = LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if DefaultAppConfig.WhatsApp.Identities[0] != "admin" {
		t.Fatalf("default identities mutated: %v", DefaultAppConfig.WhatsApp.Identities)
	}
}
