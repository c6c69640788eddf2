package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp-servers.jsonc")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadCatalogDefaults(t *testing.T) {
	path := writeCatalog(t, `{
		// comment should be stripped
		"mcpServers": {
			"pp": {
				"command": "python",
				"args": ["-m", "pp_server"],
				"usage_guide": "HELLO"
			}
		}
	}`)

	cat, err := LoadCatalog(path, DefaultSettings())
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	spec := cat.Lookup("pp")
	if spec == nil {
		t.Fatal("expected server 'pp' to be present")
	}
	if spec.Mode != ModeEphemeral {
		t.Errorf("Mode = %v, want ephemeral default", spec.Mode)
	}
	if spec.MaxProcessesPerChat != 1 {
		t.Errorf("MaxProcessesPerChat = %d, want 1", spec.MaxProcessesPerChat)
	}
	if spec.UsageGuide != "HELLO" {
		t.Errorf("UsageGuide = %q, want HELLO", spec.UsageGuide)
	}
	if cat.Lookup("unknown") != nil {
		t.Error("expected unknown server to be absent")
	}
}

func TestLoadCatalogStatefulDefaults(t *testing.T) {
	path := writeCatalog(t, `{
		"mcpServers": {
			"stateful-one": {
				"command": "node",
				"mode": "stateful",
				"idle_timeout": 30
			}
		}
	}`)

	cat, err := LoadCatalog(path, DefaultSettings())
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	spec := cat.Lookup("stateful-one")
	if spec.Mode != ModeStateful {
		t.Errorf("Mode = %v, want stateful", spec.Mode)
	}
	if !spec.SessionPersistence {
		t.Error("expected SessionPersistence to default true for stateful servers")
	}
	if spec.IdleTimeout != 30*time.Second {
		t.Errorf("IdleTimeout = %v, want 30s", spec.IdleTimeout)
	}
}

func TestLoadCatalogMissingCommand(t *testing.T) {
	path := writeCatalog(t, `{"mcpServers": {"bad": {}}}`)
	if _, err := LoadCatalog(path, DefaultSettings()); err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestLoadSettingsEnvOverride(t *testing.T) {
	t.Setenv("MAX_CONCURRENT", "4")
	t.Setenv("BASE_URL", "http://example.test")

	s := LoadSettings()
	if s.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", s.MaxConcurrent)
	}
	if s.BaseURL != "http://example.test" {
		t.Errorf("BaseURL = %q, want http://example.test", s.BaseURL)
	}
}
