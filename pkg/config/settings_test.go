package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	settings, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if settings.StateDir != "/var/lib/hostforge" {
		t.Errorf("state dir = %q", settings.StateDir)
	}
	if settings.Timeout() != 5*time.Minute {
		t.Errorf("default timeout = %v, want 5m", settings.Timeout())
	}
	if settings.Logging.Level != "info" || settings.Logging.Format != "console" {
		t.Errorf("logging defaults = %+v", settings.Logging)
	}
	if settings.Metrics.Enabled {
		t.Error("metrics should be off by default")
	}
	if settings.Metrics.ListenAddress != ":9430" {
		t.Errorf("metrics address = %q", settings.Metrics.ListenAddress)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostforge.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
state_dir = "/srv/hostforge"
default_timeout = "90s"
policy_paths = ["/etc/hostforge/policies/fleet.rego"]

[logging]
level = "debug"
format = "json"

[metrics]
enabled = true
listen_address = ":9999"
`)

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if settings.StateDir != "/srv/hostforge" {
		t.Errorf("state dir = %q", settings.StateDir)
	}
	if settings.Timeout() != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", settings.Timeout())
	}
	if len(settings.PolicyPaths) != 1 {
		t.Errorf("policy paths = %v", settings.PolicyPaths)
	}
	if settings.Logging.Level != "debug" || settings.Logging.Format != "json" {
		t.Errorf("logging = %+v", settings.Logging)
	}
	// Unset file keys keep their defaults.
	if settings.Logging.Output != "stderr" {
		t.Errorf("output = %q, want default stderr", settings.Logging.Output)
	}
	if !settings.Metrics.Enabled || settings.Metrics.ListenAddress != ":9999" {
		t.Errorf("metrics = %+v", settings.Metrics)
	}
	if settings.Tracing.Enabled {
		t.Error("tracing should keep its default")
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := writeConfig(t, `state_dir = [unclosed`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "loud"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for bad log level")
	}
}

func TestLoadRejectsBadTimeout(t *testing.T) {
	path := writeConfig(t, `default_timeout = "soonish"`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for bad duration")
	}
}

func TestStatePaths(t *testing.T) {
	settings := Defaults()
	settings.StateDir = "/srv/hostforge"

	if got := settings.DatabasePath(); got != "/srv/hostforge/hostforge.db" {
		t.Errorf("database path = %q", got)
	}
	if got := settings.LockPath(); got != "/srv/hostforge/run.lock" {
		t.Errorf("lock path = %q", got)
	}
}
