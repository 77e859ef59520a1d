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
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file yields defaults",
			yaml: "",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Presence.SessionTTL() != 90*time.Second {
					t.Errorf("SessionTTL = %v, want 90s", cfg.Presence.SessionTTL())
				}
				if cfg.Project.ManagerRole != "Manager" {
					t.Errorf("manager_role = %q", cfg.Project.ManagerRole)
				}
				if cfg.Clock.ClearTargetPolicy != ClearTargetZero {
					t.Errorf("clear_target_policy = %q", cfg.Clock.ClearTargetPolicy)
				}
			},
		},
		{
			name: "overrides parsed",
			yaml: `
service:
  log_level: debug
state:
  path: ./test.db
presence:
  heartbeat_interval: 10s
  eviction_multiplier: 2
clock:
  stop_skew_tolerance: 2s
  clear_target_policy: restore
api:
  listen: 0.0.0.0:9000
  cors:
    allowed_origins: ["http://localhost:3000"]
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.LogLevel != "debug" {
					t.Error("log_level not parsed")
				}
				if cfg.State.Path != "./test.db" {
					t.Error("state.path not parsed")
				}
				if cfg.Presence.SessionTTL() != 20*time.Second {
					t.Errorf("SessionTTL = %v", cfg.Presence.SessionTTL())
				}
				if cfg.Clock.StopSkewTolerance != 2*time.Second {
					t.Error("stop_skew_tolerance not parsed")
				}
				if cfg.Clock.ClearTargetPolicy != ClearTargetRestore {
					t.Error("clear_target_policy not parsed")
				}
				if len(cfg.API.CORS.AllowedOrigins) != 1 {
					t.Error("cors origins not parsed")
				}
				if cfg.API.EventBuffer != 256 {
					t.Error("event_buffer default lost")
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
api:
  auth:
    tokens:
      - token: ${CONDUCTOR_TEST_TOKEN}
        scopes: ["*"]
`,
			env: map[string]string{"CONDUCTOR_TEST_TOKEN": "secret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.API.Auth.Tokens[0].Token != "secret" {
					t.Errorf("token = %q", cfg.API.Auth.Tokens[0].Token)
				}
			},
		},
		{
			name: "unset env var rejected",
			yaml: `
api:
  auth:
    api_key: ${CONDUCTOR_TEST_UNSET_KEY}
`,
			wantErr: "CONDUCTOR_TEST_UNSET_KEY",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name:    "bad clear policy",
			yaml:    "clock:\n  clear_target_policy: keep\n",
			wantErr: "clock.clear_target_policy",
		},
		{
			name:    "token without scopes",
			yaml:    "api:\n  auth:\n    tokens:\n      - token: abc\n",
			wantErr: "scopes must be non-empty",
		},
		{
			name:    "zero heartbeat",
			yaml:    "presence:\n  heartbeat_interval: 0s\n",
			wantErr: "presence.heartbeat_interval",
		},
		{
			name:    "empty manager role",
			yaml:    "project:\n  manager_role: \"\"\n",
			wantErr: "project.manager_role",
		},
		{
			name:    "webhook with unknown command",
			yaml:    "webhooks:\n  listen: 127.0.0.1:8081\n  endpoints:\n    - path: /cue\n      project_id: 1\n      secret: s\n      commands: [rewind]\n",
			wantErr: "unknown clock command",
		},
		{
			name:    "webhook without secret",
			yaml:    "webhooks:\n  listen: 127.0.0.1:8081\n  endpoints:\n    - path: /cue\n      project_id: 1\n",
			wantErr: "webhooks.endpoints[0].secret",
		},
		{
			name: "webhook parsed",
			yaml: `
webhooks:
  listen: 127.0.0.1:8081
  endpoints:
    - path: /cue/gala
      project_id: 2
      secret: s3cret
      commands: [start, stop]
      max_body_size: 4KB
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Webhooks == nil || len(cfg.Webhooks.Endpoints) != 1 {
					t.Fatalf("webhooks not parsed: %+v", cfg.Webhooks)
				}
				ep := cfg.Webhooks.Endpoints[0]
				if ep.ProjectID != 2 || ep.MaxBodySize != "4KB" || len(ep.Commands) != 2 {
					t.Errorf("endpoint = %+v", ep)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error %q does not contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("state:\n  path: /tmp/x.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.State.Path != "/tmp/x.db" {
		t.Errorf("state.path = %q", cfg.State.Path)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for directory without config.yaml")
	}
}

func TestDiscoverConfigDirEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONDUCTOR_CONFIG_DIR", dir)
	got, err := DiscoverConfigDir()
	if err != nil {
		t.Fatalf("DiscoverConfigDir: %v", err)
	}
	if got != dir {
		t.Errorf("got %q, want %q", got, dir)
	}
}
