package config

import "time"

// Config represents the complete conductor configuration.
type Config struct {
	Service  ServiceConfig   `yaml:"service"`
	State    StateConfig     `yaml:"state"`
	API      APIConfig       `yaml:"api"`
	Presence PresenceConfig  `yaml:"presence"`
	Clock    ClockConfig     `yaml:"clock"`
	Notify   NotifyConfig    `yaml:"notify"`
	Project  ProjectConfig   `yaml:"project"`
	Webhooks *WebhooksConfig `yaml:"webhooks,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen      string        `yaml:"listen"`
	Auth        APIAuthConfig `yaml:"auth"`
	CORS        CORSConfig    `yaml:"cors"`
	EventBuffer int           `yaml:"event_buffer"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// APIAuthConfig defines API authentication settings.
// With no api_key and no tokens the API is open.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// PresenceConfig controls session liveness.
type PresenceConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	EvictionMultiplier int           `yaml:"eviction_multiplier"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// SessionTTL is how long a session survives without a heartbeat.
func (p PresenceConfig) SessionTTL() time.Duration {
	return p.HeartbeatInterval * time.Duration(p.EvictionMultiplier)
}

// Clear-target policies.
const (
	ClearTargetZero    = "zero"
	ClearTargetRestore = "restore"
)

// ClockConfig controls clock command handling.
type ClockConfig struct {
	StopSkewTolerance time.Duration `yaml:"stop_skew_tolerance"`
	ClearTargetPolicy string        `yaml:"clear_target_policy"`
}

// NotifyConfig controls mailbox housekeeping.
type NotifyConfig struct {
	MailboxRetention time.Duration `yaml:"mailbox_retention"`
}

// ProjectConfig holds per-deployment project rules.
type ProjectConfig struct {
	ManagerRole               string        `yaml:"manager_role"`
	ClosedSubmissionRetention time.Duration `yaml:"closed_submission_retention"`
}

// WebhooksConfig enables the signed cue listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint binds one signed path to a project's clock.
type WebhookEndpoint struct {
	Path            string   `yaml:"path"`
	ProjectID       int64    `yaml:"project_id"`
	Secret          string   `yaml:"secret"`
	SignatureHeader string   `yaml:"signature_header,omitempty"`
	Commands        []string `yaml:"commands,omitempty"`
	// MaxBodySize accepts sizes like "16KB" or "1MiB".
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "conductor",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/conductor.db",
		},
		API: APIConfig{
			Listen:      "127.0.0.1:8080",
			EventBuffer: 256,
			KeepAlive:   15 * time.Second,
		},
		Presence: PresenceConfig{
			HeartbeatInterval:  30 * time.Second,
			EvictionMultiplier: 3,
			SweepInterval:      15 * time.Second,
		},
		Clock: ClockConfig{
			StopSkewTolerance: 5 * time.Second,
			ClearTargetPolicy: ClearTargetZero,
		},
		Notify: NotifyConfig{
			MailboxRetention: 24 * time.Hour,
		},
		Project: ProjectConfig{
			ManagerRole:               "Manager",
			ClosedSubmissionRetention: 7 * 24 * time.Hour,
		},
	}
}
