// Package doctor checks a conductor configuration for mistakes that parse
// cleanly but misbehave at runtime.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/mattjoyce/conductor/internal/auth"
	"github.com/mattjoyce/conductor/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
	// checkStatePath inspects the filesystem under state.path.
	checkStatePath func(string) error
}

// New creates a Doctor. checkStatePath may be nil to skip the filesystem check.
func New(cfg *config.Config, checkStatePath func(string) error) *Doctor {
	return &Doctor{cfg: cfg, checkStatePath: checkStatePath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateStatePath(r)
	d.validateTokenScopes(r)
	d.validateExposure(r)
	d.validateCORS(r)
	d.warnPresenceTiming(r)
	d.warnClockTolerance(r)
	d.validateWebhooks(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateStatePath(r *Result) {
	if d.checkStatePath == nil {
		return
	}
	if err := d.checkStatePath(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

// validateTokenScopes rejects scopes the API never checks and tokens that
// collide with each other or with api_key.
func (d *Doctor) validateTokenScopes(r *Result) {
	seen := map[string]int{}
	for i, token := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if prev, dup := seen[token.Token]; dup {
			d.addError(r, "token_scopes", field+".token",
				fmt.Sprintf("token duplicates api.auth.tokens[%d]", prev))
		}
		seen[token.Token] = i
		if d.cfg.API.Auth.APIKey != "" && token.Token == d.cfg.API.Auth.APIKey {
			d.addError(r, "token_scopes", field+".token", "token equals api_key, so its scopes never apply")
		}
		for j, scope := range token.Scopes {
			if !auth.Known(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("%s.scopes[%d]", field, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// validateExposure flags an unauthenticated API listening beyond loopback.
func (d *Doctor) validateExposure(r *Result) {
	a := d.cfg.API
	if a.Auth.APIKey != "" || len(a.Auth.Tokens) > 0 {
		return
	}
	if isLoopback(a.Listen) {
		d.addWarning(r, "api", "api.auth", "no authentication configured; the API is open to local clients")
		return
	}
	d.addError(r, "api", "api.auth",
		fmt.Sprintf("no authentication configured but api.listen %q is reachable from other hosts", a.Listen))
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (d *Doctor) validateCORS(r *Result) {
	origins := d.cfg.API.CORS.AllowedOrigins
	if slices.Contains(origins, "*") && len(origins) > 1 {
		d.addWarning(r, "cors", "api.cors.allowed_origins", `"*" makes the other origins redundant`)
	}
	for i, o := range origins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			d.addError(r, "cors", fmt.Sprintf("api.cors.allowed_origins[%d]", i),
				fmt.Sprintf("origin %q must start with http:// or https://", o))
		}
	}
}

// warnPresenceTiming flags sweeps so slow that dead sessions hold roles
// long after their TTL.
func (d *Doctor) warnPresenceTiming(r *Result) {
	p := d.cfg.Presence
	ttl := p.SessionTTL()
	if p.SweepInterval > ttl {
		d.addWarning(r, "presence", "presence.sweep_interval",
			fmt.Sprintf("sweep interval %s exceeds the session TTL %s; stale roles stay claimed up to %s",
				p.SweepInterval, ttl, ttl+p.SweepInterval))
	}
	if p.HeartbeatInterval < time.Second {
		d.addWarning(r, "presence", "presence.heartbeat_interval",
			fmt.Sprintf("heartbeat interval %s is very short (< 1s)", p.HeartbeatInterval))
	}
	if p.EvictionMultiplier < 2 {
		d.addWarning(r, "presence", "presence.eviction_multiplier",
			"a single missed heartbeat evicts the session")
	}
}

func (d *Doctor) warnClockTolerance(r *Result) {
	if tol := d.cfg.Clock.StopSkewTolerance; tol > time.Minute {
		d.addWarning(r, "clock", "clock.stop_skew_tolerance",
			fmt.Sprintf("tolerance %s lets a manager's stale display override the server clock by over a minute", tol))
	}
}

func (d *Doctor) validateWebhooks(r *Result) {
	wc := d.cfg.Webhooks
	if wc == nil {
		return
	}
	if wc.Listen == d.cfg.API.Listen {
		d.addError(r, "webhooks", "webhooks.listen",
			fmt.Sprintf("webhooks.listen %q collides with api.listen", wc.Listen))
	}
	for i, ep := range wc.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if len(ep.Secret) < 16 {
			d.addWarning(r, "webhooks", field+".secret", "secret is shorter than 16 characters")
		}
		if len(ep.Commands) == 0 {
			d.addWarning(r, "webhooks", field+".commands",
				fmt.Sprintf("%s may run every clock command; list the ones it needs", ep.Path))
		}
	}
}

// warnDeprecatedSyntax warns about legacy auth patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
