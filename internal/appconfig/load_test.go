package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 3
sandbox:
  runtime: podman
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
sandbox:
  runtime: podman
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsUnsupportedRuntime(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
sandbox:
  runtime: nope
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported sandbox.runtime") {
		t.Fatalf("expected runtime error, got %v", err)
	}
}

func TestLoadRejectsInvalidServerURL(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
session:
  server_url: example.com
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "session.server_url") {
		t.Fatalf("expected server_url error, got %v", err)
	}
}

func TestLoadRequiresRedisURLForRedisTransport(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
session:
  transport: redis
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "session.redis_url") {
		t.Fatalf("expected redis_url error, got %v", err)
	}
}

func TestLoadRequiresPostgresDSN(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
server:
  storage: postgres
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "server.postgres_dsn") {
		t.Fatalf("expected postgres_dsn error, got %v", err)
	}
}

func TestLoadOverridesAndExpands(t *testing.T) {
	t.Setenv("PAIRBOX_TEST_DIR", "/srv/pairbox")
	path := writeConfig(t, `
config_version: 1
server:
  state_dir: $PAIRBOX_TEST_DIR/state
session:
  user_id: alice
  cache: sqlite
sandbox:
  runtime: containerd
  preview_ports: [5173, 8080]
  run: [node, server.js]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.StateDir != "/srv/pairbox/state" {
		t.Fatalf("expected expanded state dir, got %q", cfg.Server.StateDir)
	}
	if cfg.Session.UserID != "alice" || cfg.Session.Cache != "sqlite" {
		t.Fatalf("unexpected session config %+v", cfg.Session)
	}
	if cfg.Sandbox.Runtime != "containerd" || cfg.Sandbox.Containerd.Namespace != "pairbox" {
		t.Fatalf("unexpected sandbox config %+v", cfg.Sandbox)
	}
	if len(cfg.Sandbox.PreviewPorts) != 2 || cfg.Sandbox.PreviewPorts[0] != 5173 {
		t.Fatalf("unexpected preview ports %v", cfg.Sandbox.PreviewPorts)
	}
	if strings.Join(cfg.Sandbox.Run, " ") != "node server.js" {
		t.Fatalf("unexpected run command %v", cfg.Sandbox.Run)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigVersion != CurrentConfigVersion || cfg.Server.Addr != ":27480" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config to exist: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
