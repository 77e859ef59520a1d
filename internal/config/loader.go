package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a config file, or config.yaml inside a directory, on top of Defaults.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, applying env interpolation, defaults and validation.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	expanded := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigDir finds the config location by checking standard locations.
// Priority order: $CONDUCTOR_CONFIG_DIR, ~/.config/conductor, /etc/conductor, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("CONDUCTOR_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "conductor")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/conductor"
	if _, err := os.Stat(filepath.Join(systemConfigDir, "config.yaml")); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $CONDUCTOR_CONFIG_DIR, ~/.config/conductor, /etc/conductor, ./config.yaml)")
}

// interpolateEnv replaces ${VAR} with the environment value. Unset variables
// are left in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if cfg.API.EventBuffer <= 0 {
		return fmt.Errorf("api.event_buffer must be positive")
	}
	if cfg.API.KeepAlive <= 0 {
		return fmt.Errorf("api.keep_alive must be positive")
	}
	if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].token", i)
		if tok.Token == "" {
			return fmt.Errorf("%s is required", field)
		}
		if err := unresolved(field, tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
	}

	if cfg.Presence.HeartbeatInterval <= 0 {
		return fmt.Errorf("presence.heartbeat_interval must be positive")
	}
	if cfg.Presence.EvictionMultiplier < 1 {
		return fmt.Errorf("presence.eviction_multiplier must be at least 1")
	}
	if cfg.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence.sweep_interval must be positive")
	}

	if cfg.Clock.StopSkewTolerance < 0 {
		return fmt.Errorf("clock.stop_skew_tolerance must not be negative")
	}
	switch cfg.Clock.ClearTargetPolicy {
	case ClearTargetZero, ClearTargetRestore:
	default:
		return fmt.Errorf("clock.clear_target_policy must be %q or %q (got %q)",
			ClearTargetZero, ClearTargetRestore, cfg.Clock.ClearTargetPolicy)
	}

	if cfg.Notify.MailboxRetention <= 0 {
		return fmt.Errorf("notify.mailbox_retention must be positive")
	}

	if cfg.Project.ManagerRole == "" {
		return fmt.Errorf("project.manager_role is required")
	}
	if cfg.Project.ClosedSubmissionRetention <= 0 {
		return fmt.Errorf("project.closed_submission_retention must be positive")
	}
	return validateWebhooks(cfg.Webhooks)
}

var cueCommands = map[string]bool{
	"set_time": true, "start": true, "stop": true, "set_target": true, "clear_target": true,
}

func validateWebhooks(wc *WebhooksConfig) error {
	if wc == nil {
		return nil
	}
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required")
	}
	seen := make(map[string]bool, len(wc.Endpoints))
	for i, ep := range wc.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with /", field)
		}
		if seen[ep.Path] {
			return fmt.Errorf("%s.path %q is duplicated", field, ep.Path)
		}
		seen[ep.Path] = true
		if ep.ProjectID <= 0 {
			return fmt.Errorf("%s.project_id must be positive", field)
		}
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if err := unresolved(field+".secret", ep.Secret); err != nil {
			return err
		}
		for _, c := range ep.Commands {
			if !cueCommands[c] {
				return fmt.Errorf("%s.commands: unknown clock command %q", field, c)
			}
		}
	}
	return nil
}
