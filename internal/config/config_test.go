package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	home := t.TempDir()
	cfg, err := loadFrom(home)
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}
	if cfg.Sandbox.Backend != "wasm" {
		t.Errorf("default backend = %q, want wasm", cfg.Sandbox.Backend)
	}
	if cfg.FallbackUnknown {
		t.Error("fallback_unknown must default to off")
	}
	if cfg.Approval.Channel != "terminal" {
		t.Errorf("default approval channel = %q", cfg.Approval.Channel)
	}
	if cfg.Trust.StorePath != filepath.Join(home, "trust.yaml") {
		t.Errorf("trust store path = %q", cfg.Trust.StorePath)
	}
	if cfg.Otel.Enabled {
		t.Error("otel must default to disabled")
	}
}

func TestLoadParsesFile(t *testing.T) {
	home := t.TempDir()
	yaml := `
log_level: debug
fallback_unknown: true
sandbox:
  backend: inproc
discovery:
  manifest_dirs: ["/srv/manifests"]
  remotes:
    - name: hub
      url: https://hub.example.com
      token: secret
trust:
  actor: alice
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadFrom(home)
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}
	if cfg.LogLevel != "debug" || !cfg.FallbackUnknown {
		t.Errorf("top-level fields not parsed: %+v", cfg)
	}
	if cfg.Sandbox.Backend != "inproc" {
		t.Errorf("backend = %q", cfg.Sandbox.Backend)
	}
	if len(cfg.Discovery.Remotes) != 1 || cfg.Discovery.Remotes[0].URL != "https://hub.example.com" {
		t.Errorf("remotes = %+v", cfg.Discovery.Remotes)
	}
	if cfg.Trust.Actor != "alice" {
		t.Errorf("actor = %q", cfg.Trust.Actor)
	}
	// Unset fields still pick up defaults.
	if cfg.Audit.Dir != filepath.Join(home, "audit") {
		t.Errorf("audit dir = %q", cfg.Audit.Dir)
	}
}

func TestLoadRejectsBadBackend(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("sandbox:\n  backend: firecracker\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := loadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "sandbox backend") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestTelegramChannelRequiresToken(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("approval:\n  channel: telegram\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadFrom(home); err == nil {
		t.Fatal("telegram channel without token must fail validation")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAPSTAN_SANDBOX_BACKEND", "inproc")
	t.Setenv("CAPSTAN_FALLBACK_UNKNOWN", "true")
	cfg, err := loadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}
	if cfg.Sandbox.Backend != "inproc" {
		t.Errorf("env backend override ignored: %q", cfg.Sandbox.Backend)
	}
	if !cfg.FallbackUnknown {
		t.Error("env fallback override ignored")
	}
}

func TestHomeDirOverride(t *testing.T) {
	t.Setenv("CAPSTAN_HOME", "/tmp/elsewhere")
	if got := HomeDir(); got != "/tmp/elsewhere" {
		t.Errorf("HomeDir = %q", got)
	}
}

func TestFingerprintStable(t *testing.T) {
	a, _ := loadFrom(t.TempDir())
	if a.Fingerprint() == "" || !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Errorf("fingerprint = %q", a.Fingerprint())
	}
	b := a
	b.FallbackUnknown = !b.FallbackUnknown
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint must change with behavioral settings")
	}
}
