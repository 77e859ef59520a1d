package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/events"
	clog "github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so large outputs cannot fill the pipe.
	outCh := make(chan string)
	errCh := make(chan string)
	go func() { b, _ := io.ReadAll(stdoutR); outCh <- string(b) }()
	go func() { b, _ := io.ReadAll(stderrR); errCh <- string(b) }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdout, stderr := <-outCh, <-errCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, stdout, stderr
}

// writeConfig writes a config.yaml whose state lives in dir.
func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`service:
  log_level: info
state:
  path: %s
api:
  listen: 127.0.0.1:0
  auth:
    api_key: test-key
%s`, filepath.Join(dir, "state", "conductor.db"), extra)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNounHelp(t *testing.T) {
	cases := []struct {
		name string
		run  func([]string) int
		want string
	}{
		{"system", runSystemNoun, "Actions: start, status"},
		{"config", runConfigNoun, "Actions: check, show, token"},
		{"project", runProjectNoun, "Actions: create, list, inspect"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, stdout, _ := captureOutputWithExitCode(t, func() int { return tc.run([]string{"help"}) })
			if code != 0 {
				t.Fatalf("help exit code = %d", code)
			}
			if !strings.Contains(stdout, tc.want) {
				t.Fatalf("help output missing %q: %s", tc.want, stdout)
			}

			code, _, stderr := captureOutputWithExitCode(t, func() int { return tc.run([]string{"bogus"}) })
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, "Unknown "+tc.name+" action: bogus")

			code, _, stderr = captureOutputWithExitCode(t, func() int { return tc.run(nil) })
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, "Usage: conductor "+tc.name)
		})
	}
}

func TestActionHelpFlag(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runProjectNoun([]string{"inspect", "--help"})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Usage: conductor project inspect <project_id>")

	code, stdout, _ = captureOutputWithExitCode(t, func() int { return runWatch([]string{"-h"}) })
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "--project ID")
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path, "--json"})
	})
	if code != 0 {
		t.Fatalf("config check code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}
	var result struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.True(t, result.Valid)
}

func TestConfigCheckRejectsOpenPublicListener(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("state:\n  path: %s\napi:\n  listen: 0.0.0.0:8080\n", filepath.Join(dir, "c.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", path})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "api.auth")
}

func TestConfigCheckMissingFile(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Config load error")
}

func TestConfigShow(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", dir})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "manager_role: Manager")
	assert.Contains(t, stdout, "api_key: test-key")

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", path, "--json"})
	})
	require.Equal(t, 0, code, stderr)
	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(stdout), &cfg))
	assert.Equal(t, "127.0.0.1:0", cfg.API.Listen)
}

func TestConfigToken(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigToken([]string{"--name", "stage-tablet", "--scopes", "clock:rw, events:ro"})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `export CONDUCTOR_TOKEN_STAGE_TABLET="`)
	assert.Contains(t, stdout, "token: ${CONDUCTOR_TOKEN_STAGE_TABLET}")
	assert.Contains(t, stdout, "- clock:rw")

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigToken([]string{"--name", "kiosk", "--scopes", "events:ro", "--json"})
	})
	require.Equal(t, 0, code, stderr)
	var out tokenJSONOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Len(t, out.TokenKey, 64)
	assert.Equal(t, "CONDUCTOR_TOKEN_KIOSK", out.EnvVar)
	assert.Equal(t, []string{"events:ro"}, out.Entry.Scopes)

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigToken([]string{"--name", "x", "--scopes", "jobs:rw"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown scope: jobs:rw")

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigToken([]string{"--scopes", "events:ro"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--name is required")
}

func TestProjectInspect(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	require.NoError(t, err)
	svc := buildServices(db, cfg, nil, nil, clog.Discard())
	p, err := svc.runsheet.CreateProject(ctx, "Gala Night", []string{"Manager", "Sound"})
	require.NoError(t, err)
	phase, err := svc.runsheet.CreatePhase(ctx, p.ID, true)
	require.NoError(t, err)
	desc := "Doors open"
	_, err = svc.runsheet.InsertRow(ctx, p.ID, phase.PhaseNumber, nil, model.RowFields{Description: &desc})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runProjectInspect([]string{fmt.Sprint(p.ID), "--config", path})
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Gala Night")

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runProjectInspect([]string{"--json", fmt.Sprint(p.ID), "--config", path})
	})
	require.Equal(t, 0, code, stderr)
	assert.True(t, json.Valid([]byte(stdout)), stdout)

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runProjectInspect([]string{"999", "--config", path})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Inspect failed")

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runProjectInspect([]string{"abc", "--config", path})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Invalid project id")
}

// startServer runs the full component graph behind httptest.
func startServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(writeConfig(t, dir, ""))
	require.NoError(t, err)
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := events.NewHub(16, nil)
	svc := buildServices(db, cfg, hub, nil, clog.Discard())
	s := api.New(api.Config{APIKey: "test-key", KeepAlive: time.Hour}, api.Deps{
		Presence:  svc.presence,
		Clock:     svc.clock,
		Runsheet:  svc.runsheet,
		Proposals: svc.proposals,
		Mailbox:   svc.mailbox,
		Hub:       hub,
	}, clog.Discard())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRemoteCommands(t *testing.T) {
	url := startServer(t)
	remote := []string{"--url", url, "--token", "test-key"}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus(remote)
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Status      : ok")

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runProjectCreate(append([]string{"Gala Night", "--roles", "Manager,Sound"}, remote...))
	})
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"Gala Night" (roles: Manager, Sound)`)

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runProjectList(append([]string{"--json"}, remote...))
	})
	require.Equal(t, 0, code, stderr)
	var projects []model.Project
	require.NoError(t, json.Unmarshal([]byte(stdout), &projects))
	require.Len(t, projects, 1)
	assert.Equal(t, "Gala Night", projects[0].Name)

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runProjectList([]string{"--url", url, "--token", "wrong"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "401")

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runProjectCreate(append([]string{"No Roles"}, remote...))
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: conductor project create")
}

func TestSplitPositional(t *testing.T) {
	pos, rest := splitPositional([]string{"--config", "c.yaml", "42", "--json"})
	assert.Equal(t, "42", pos)
	assert.Equal(t, []string{"--config", "c.yaml", "--json"}, rest)

	pos, rest = splitPositional([]string{"--json", "7", "--actions=3"})
	assert.Equal(t, "7", pos)
	assert.Equal(t, []string{"--json", "--actions=3"}, rest)
}

func TestTokenEnvVarName(t *testing.T) {
	assert.Equal(t, "CONDUCTOR_TOKEN_FOH_IPAD_2", tokenEnvVarName("foh ipad-2"))
}

func TestGetPIDLockPath(t *testing.T) {
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join("var", "lib", "conductor.db")
	assert.Equal(t, filepath.Join("var", "lib", "conductor.pid"), getPIDLockPath(cfg))
}
