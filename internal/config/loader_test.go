package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, dir string, cfg *Config)
	}{
		{
			name: "empty file yields defaults resolved against config dir",
			yaml: "{}\n",
			checkFn: func(t *testing.T, dir string, cfg *Config) {
				if cfg.Runtime.Executable != filepath.Join(dir, "core", "openplc") {
					t.Errorf("runtime.executable = %q", cfg.Runtime.Executable)
				}
				if cfg.Build.CoreDir != filepath.Join(dir, "core") {
					t.Errorf("build.core_dir = %q", cfg.Build.CoreDir)
				}
				if len(cfg.Build.Artifacts) != 7 {
					t.Errorf("expected 7 default artifacts, got %d", len(cfg.Build.Artifacts))
				}
				if !cfg.Runtime.AutostartEnabled() {
					t.Error("autostart should default to true")
				}
				if !cfg.Metrics.IsEnabled() {
					t.Error("metrics should default to enabled")
				}
				if cfg.Runtime.StopGrace != 5*time.Second {
					t.Errorf("stop_grace = %v", cfg.Runtime.StopGrace)
				}
			},
		},
		{
			name: "explicit values",
			yaml: `
service:
  log_level: DEBUG
runtime:
  executable: /opt/plc/openplc
  args: ["--port", "502"]
  autostart: false
  stop_grace: 2s
toolchain:
  compiler: /opt/plc/iec2c
  rebuild: /opt/plc/build_core.sh
build:
  core_dir: /opt/plc/core
  uploads_dir: uploads
  artifacts: [POUS.c, POUS.h]
`,
			checkFn: func(t *testing.T, dir string, cfg *Config) {
				if cfg.Service.LogLevel != "debug" {
					t.Errorf("log level should be normalised, got %q", cfg.Service.LogLevel)
				}
				if cfg.Runtime.Executable != "/opt/plc/openplc" {
					t.Errorf("absolute executable should be kept, got %q", cfg.Runtime.Executable)
				}
				if len(cfg.Runtime.Args) != 2 {
					t.Errorf("args not parsed: %v", cfg.Runtime.Args)
				}
				if cfg.Runtime.AutostartEnabled() {
					t.Error("autostart should be disabled")
				}
				if cfg.Build.UploadsDir != filepath.Join(dir, "uploads") {
					t.Errorf("uploads_dir = %q", cfg.Build.UploadsDir)
				}
				if strings.Join(cfg.Build.Artifacts, ",") != "POUS.c,POUS.h" {
					t.Errorf("artifacts = %v", cfg.Build.Artifacts)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
api:
  auth:
    api_key: ${PLCGW_TEST_KEY}
state:
  path: ${PLCGW_TEST_DB}
`,
			env: map[string]string{
				"PLCGW_TEST_KEY": "secret123",
				"PLCGW_TEST_DB":  "/tmp/plcgw-test.db",
			},
			checkFn: func(t *testing.T, dir string, cfg *Config) {
				if cfg.API.Auth.APIKey != "secret123" {
					t.Errorf("api_key = %q", cfg.API.Auth.APIKey)
				}
				if cfg.State.Path != "/tmp/plcgw-test.db" {
					t.Errorf("state.path = %q", cfg.State.Path)
				}
			},
		},
		{
			name: "unset env var in api key",
			yaml: `
api:
  auth:
    api_key: ${PLCGW_DEFINITELY_UNSET}
`,
			wantErr: "PLCGW_DEFINITELY_UNSET",
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: loud
`,
			wantErr: "service.log_level",
		},
		{
			name: "artifact with path separator",
			yaml: `
build:
  artifacts: [../POUS.c]
`,
			wantErr: "plain file name",
		},
		{
			name: "duplicate artifact",
			yaml: `
build:
  artifacts: [POUS.c, POUS.c]
`,
			wantErr: "listed twice",
		},
		{
			name: "token without scopes",
			yaml: `
api:
  auth:
    tokens:
      - token: abc
`,
			wantErr: "scopes must be non-empty",
		},
		{
			name: "inbox shares uploads dir",
			yaml: `
inbox:
  enabled: true
  dir: ./st_files
`,
			wantErr: "inbox.dir must differ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.SourcePath != path {
				t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, dir, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: line-3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.Name != "line-3" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Defaults()
	cfg.State.Path = "/var/lib/plcgw/state.db"

	if got := cfg.PIDLockPath(); got != "/var/lib/plcgw/state.pid" {
		t.Errorf("PIDLockPath = %q", got)
	}
	if got := cfg.WorkspaceDir(); got != "/var/lib/plcgw/workspaces" {
		t.Errorf("WorkspaceDir = %q", got)
	}
}

func TestDiscoverConfigDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PLCGW_CONFIG_DIR", dir)

	got, err := DiscoverConfigDir()
	if err != nil {
		t.Fatalf("DiscoverConfigDir: %v", err)
	}
	if got != dir {
		t.Errorf("DiscoverConfigDir = %q, want %q", got, dir)
	}
}
