package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFilename)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config, dir string)
	}{
		{
			name: "empty file yields defaults",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				if cfg.Service.Name != "exthost" || cfg.Service.LogLevel != "info" {
					t.Errorf("service defaults not applied: %+v", cfg.Service)
				}
				if len(cfg.Extensions.Roots) != 1 || cfg.Extensions.Roots[0] != filepath.Join(dir, "extensions") {
					t.Errorf("roots not resolved against config dir: %v", cfg.Extensions.Roots)
				}
				if cfg.State.Path != filepath.Join(dir, "data", "exthost.db") {
					t.Errorf("state.path = %q", cfg.State.Path)
				}
				if !cfg.Extensions.ActivateOnStart {
					t.Error("activate_on_start should default to true")
				}
				if cfg.Extensions.Resolver.ExecTimeout != 30*time.Second {
					t.Errorf("exec_timeout = %v", cfg.Extensions.Resolver.ExecTimeout)
				}
				if cfg.Events.Buffer != 256 {
					t.Errorf("events.buffer = %d", cfg.Events.Buffer)
				}
			},
		},
		{
			name: "values overlay defaults",
			yaml: `
service:
  log_level: debug
  log_format: text
extensions:
  roots: [/opt/ext, ./local]
  allowed_permissions: [storage:local, network:http]
  platform: {name: editor, version: 2.3.0}
  resolver: {default: lua, exec_timeout: 5s}
  activate_on_start: false
events:
  buffer: 16
`,
			checkFn: func(t *testing.T, cfg *Config, dir string) {
				if cfg.Service.LogLevel != "debug" || cfg.Service.LogFormat != "text" {
					t.Errorf("service not parsed: %+v", cfg.Service)
				}
				if cfg.Service.Name != "exthost" {
					t.Error("unset service.name should keep its default")
				}
				want := []string{"/opt/ext", filepath.Join(dir, "local")}
				if len(cfg.Extensions.Roots) != 2 || cfg.Extensions.Roots[0] != want[0] || cfg.Extensions.Roots[1] != want[1] {
					t.Errorf("roots = %v, want %v", cfg.Extensions.Roots, want)
				}
				if cfg.Extensions.Platform.Name != "editor" || cfg.Extensions.Platform.Version != "2.3.0" {
					t.Errorf("platform = %+v", cfg.Extensions.Platform)
				}
				if cfg.Extensions.Resolver.Default != "lua" || cfg.Extensions.Resolver.ExecTimeout != 5*time.Second {
					t.Errorf("resolver = %+v", cfg.Extensions.Resolver)
				}
				if cfg.Extensions.ActivateOnStart {
					t.Error("activate_on_start not parsed")
				}
				if cfg.Events.Buffer != 16 {
					t.Errorf("events.buffer = %d", cfg.Events.Buffer)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${EXTHOST_TEST_DB}
api:
  enabled: true
  listen: 127.0.0.1:9000
  auth:
    tokens:
      - token: ${EXTHOST_TEST_TOKEN}
        scopes: [extensions:ro]
`,
			env: map[string]string{
				"EXTHOST_TEST_DB":    "/tmp/exthost-test.db",
				"EXTHOST_TEST_TOKEN": "secret123",
			},
			checkFn: func(t *testing.T, cfg *Config, _ string) {
				if cfg.State.Path != "/tmp/exthost-test.db" {
					t.Errorf("state.path = %q", cfg.State.Path)
				}
				if cfg.API.Auth.Tokens[0].Token != "secret123" {
					t.Error("token not interpolated")
				}
			},
		},
		{
			name: "unset env var in token",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - token: ${EXTHOST_TEST_MISSING}
        scopes: ["*"]
`,
			wantErr: "${EXTHOST_TEST_MISSING} is not set",
		},
		{
			name:    "unknown key",
			yaml:    "extensions:\n  rootz: [./x]\n",
			wantErr: "rootz",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name:    "bad log format",
			yaml:    "service:\n  log_format: xml\n",
			wantErr: "service.log_format",
		},
		{
			name:    "empty roots",
			yaml:    "extensions:\n  roots: []\n",
			wantErr: "extensions.roots",
		},
		{
			name:    "bad resolver",
			yaml:    "extensions:\n  resolver:\n    default: wasm\n",
			wantErr: "extensions.resolver.default",
		},
		{
			name:    "non-positive exec timeout",
			yaml:    "extensions:\n  resolver:\n    exec_timeout: 0s\n",
			wantErr: "exec_timeout",
		},
		{
			name:    "bad platform version",
			yaml:    "extensions:\n  platform:\n    version: v1\n",
			wantErr: "extensions.platform.version",
		},
		{
			name:    "non-positive event buffer",
			yaml:    "events:\n  buffer: 0\n",
			wantErr: "events.buffer",
		},
		{
			name:    "api enabled without listen",
			yaml:    "api:\n  enabled: true\n  listen: \"\"\n",
			wantErr: "api.listen",
		},
		{
			name:    "token without scopes",
			yaml:    "api:\n  enabled: true\n  auth:\n    tokens:\n      - token: abc\n",
			wantErr: "scopes must be non-empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			path := writeConfig(t, dir, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error %q does not contain %q", err.Error(), tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Path != path {
				t.Errorf("cfg.Path = %q, want %q", cfg.Path, path)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg, dir)
			}
		})
	}
}

func TestLoadDirectoryArgument(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "service:\n  name: from-dir\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Name != "from-dir" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for directory without config.yaml")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDiscoverConfigDirPrefersEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)

	got, err := DiscoverConfigDir()
	if err != nil {
		t.Fatalf("DiscoverConfigDir: %v", err)
	}
	if got != dir {
		t.Fatalf("got %q, want %q", got, dir)
	}
}
