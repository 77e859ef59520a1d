package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/conductor/internal/api"
	"github.com/mattjoyce/conductor/internal/auth"
	"github.com/mattjoyce/conductor/internal/client"
	"github.com/mattjoyce/conductor/internal/clock"
	"github.com/mattjoyce/conductor/internal/config"
	"github.com/mattjoyce/conductor/internal/doctor"
	"github.com/mattjoyce/conductor/internal/events"
	"github.com/mattjoyce/conductor/internal/inspect"
	"github.com/mattjoyce/conductor/internal/lock"
	"github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/presence"
	"github.com/mattjoyce/conductor/internal/proposal"
	"github.com/mattjoyce/conductor/internal/runsheet"
	"github.com/mattjoyce/conductor/internal/scheduler"
	"github.com/mattjoyce/conductor/internal/storage"
	"github.com/mattjoyce/conductor/internal/tui/tokenmgr"
	"github.com/mattjoyce/conductor/internal/tui/watch"
	"github.com/mattjoyce/conductor/internal/webhook"
)

const version = "0.1.0"

const defaultServerURL = "http://127.0.0.1:8080"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "project":
		os.Exit(runProjectNoun(args))

	// --- ROOT ALIASES ---
	case "start":
		os.Exit(runStart(args))
	case "watch":
		os.Exit(runWatch(args))
	case "doctor":
		os.Exit(runConfigCheck(args))
	case "version":
		fmt.Printf("conductor version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`conductor - Shared run sheet and show clock server

Usage:
  conductor <noun> <action> [flags]

Core Resources (Nouns):
  system    Server lifecycle and health
  config    Configuration and tokens
  project   Projects and their state

System Commands:
  system start          Start the server in the foreground
  system status         Show health of a running server

Config Commands:
  config check          Validate configuration and deployment policy
  config show           Show the resolved configuration
  config token          Generate a scoped API token entry

Project Commands:
  project create <name> Create a project with its roles
  project list          List projects on a running server
  project inspect <id>  Report a project's state from the database

Other:
  watch                 Live terminal view of a project
  version               Show version information
  help                  Show this help message

Use 'conductor <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "token":
		if hasHelpFlag(actionArgs) {
			printConfigTokenHelp()
			return 0
		}
		return runConfigToken(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runProjectNoun(args []string) int {
	if len(args) < 1 {
		printProjectNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printProjectNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "create":
		if hasHelpFlag(actionArgs) {
			printProjectCreateHelp()
			return 0
		}
		return runProjectCreate(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printProjectListHelp()
			return 0
		}
		return runProjectList(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printProjectInspectHelp()
			return 0
		}
		return runProjectInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown project action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: conductor system <action>")
	fmt.Fprintln(w, "Actions: start, status")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: conductor config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, token")
}

func printProjectNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: conductor project <action> [flags]")
	fmt.Fprintln(w, "Actions: create, list, inspect")
}

func printSystemStartHelp() {
	fmt.Println("Usage: conductor system start [--config PATH]")
	fmt.Println("Start the server in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: conductor system status [--url URL] [--token TOKEN]")
	fmt.Println("Show health of a running server.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: conductor config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration syntax and deployment policy.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: conductor config show [--config PATH] [--json]")
	fmt.Println("Show the fully resolved configuration, defaults included.")
}

func printConfigTokenHelp() {
	fmt.Println("Usage: conductor config token --name NAME [--scopes a,b] [--json]")
	fmt.Println("Generate a token key and the api.auth.tokens entry that grants it.")
	fmt.Println("Without --scopes an interactive picker is shown.")
}

func printProjectCreateHelp() {
	fmt.Println("Usage: conductor project create <name> --roles Manager,Sound [--url URL] [--token TOKEN]")
	fmt.Println("Create a project on a running server.")
}

func printProjectListHelp() {
	fmt.Println("Usage: conductor project list [--url URL] [--token TOKEN] [--json]")
	fmt.Println("List projects on a running server.")
}

func printProjectInspectHelp() {
	fmt.Println("Usage: conductor project inspect <project_id> [--config PATH] [--actions N] [--json]")
	fmt.Println("Report clock, sessions, phases, pending changes and recent actions from the database.")
}

func printWatchHelp() {
	fmt.Println("Usage: conductor watch --project ID [--url URL] [--token TOKEN]")
	fmt.Println("Live terminal view of a project's clock, run sheet, presence and events.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWithFormat(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("conductor starting", "version", version, "config", *configPath)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	m := metrics.New()
	hub := events.NewHub(cfg.API.EventBuffer, m)
	svc := buildServices(db, cfg, hub, m, log.Get())

	sched := scheduler.New(cfg, svc.presence, svc.mailbox, svc.proposals, log.Get())
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}
	defer sched.Stop()

	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	apiConfig := api.Config{
		Listen:         cfg.API.Listen,
		APIKey:         cfg.API.Auth.APIKey,
		Tokens:         tokens,
		AllowedOrigins: cfg.API.CORS.AllowedOrigins,
		ManagerRole:    cfg.Project.ManagerRole,
		KeepAlive:      cfg.API.KeepAlive,
	}
	apiServer := api.New(apiConfig, api.Deps{
		Presence:  svc.presence,
		Clock:     svc.clock,
		Runsheet:  svc.runsheet,
		Proposals: svc.proposals,
		Mailbox:   svc.mailbox,
		Hub:       hub,
		Metrics:   m,
	}, log.Get())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		webhookConfig, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return 1
		}
		webhookServer := webhook.New(webhookConfig, svc.clock, log.Get())
		go func() {
			if err := webhookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("cue webhooks enabled", "listen", webhookConfig.Listen, "endpoints", len(webhookConfig.Endpoints))
	}

	logger.Info("conductor running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("conductor stopped")
	return 0
}

// services is the server's component graph over one database.
type services struct {
	mailbox   *notify.Dispatcher
	presence  *presence.Registry
	runsheet  *runsheet.Store
	clock     *clock.Engine
	proposals *proposal.Engine
}

// buildServices wires the components. hub and m may be nil for offline
// tools that only read state.
func buildServices(db *sql.DB, cfg *config.Config, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) services {
	locks := lock.NewProjectLocks()
	opts := notify.Options{Logger: logger, Metrics: m}
	if hub != nil {
		opts.Pusher = hub
	}
	dispatcher := notify.New(db, opts)
	registry := presence.New(db, dispatcher, presence.Options{
		TTL:     cfg.Presence.SessionTTL(),
		Locks:   locks,
		Logger:  logger,
		Metrics: m,
	})
	dispatcher.SetResolver(registry)

	return services{
		mailbox:  dispatcher,
		presence: registry,
		runsheet: runsheet.New(db, dispatcher, runsheet.Options{Locks: locks, Logger: logger}),
		clock: clock.New(db, dispatcher, clock.Options{
			StopSkewTolerance: cfg.Clock.StopSkewTolerance,
			ClearTargetPolicy: cfg.Clock.ClearTargetPolicy,
			Locks:             locks,
			Logger:            logger,
			Metrics:           m,
		}),
		proposals: proposal.New(db, dispatcher, proposal.Options{
			ManagerRole: cfg.Project.ManagerRole,
			Locks:       locks,
			Logger:      logger,
			Metrics:     m,
		}),
	}
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, storage.CheckStatePath).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(cfg)
		fmt.Print(string(data))
	}
	return 0
}

type tokenJSONOutput struct {
	Name     string          `json:"name"`
	TokenKey string          `json:"token_key"`
	EnvVar   string          `json:"env_var"`
	Entry    config.APIToken `json:"entry"`
}

func runConfigToken(args []string) int {
	var name, scopesArg string
	var jsonOut bool

	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.StringVar(&name, "name", "", "Token name, used for the environment variable")
	fs.StringVar(&scopesArg, "scopes", "", "Comma-separated scopes")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "Error: --name is required")
		return 1
	}

	scopes := splitList(scopesArg)
	if len(scopes) == 0 {
		picker := tokenmgr.New(nil)
		if _, err := tea.NewProgram(picker).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Scope picker failed: %v\n", err)
			return 1
		}
		if picker.Cancelled() {
			return 1
		}
		scopes = picker.Selected()
	}
	if len(scopes) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no scopes selected")
		return 1
	}
	for _, s := range scopes {
		if !auth.Known(s) {
			fmt.Fprintf(os.Stderr, "Unknown scope: %s\n", s)
			return 1
		}
	}

	tokenKey, err := generateSecureToken(32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
		return 1
	}
	envVar := tokenEnvVarName(name)
	entry := config.APIToken{Token: fmt.Sprintf("${%s}", envVar), Scopes: scopes}

	if jsonOut {
		encoded, _ := json.MarshalIndent(tokenJSONOutput{Name: name, TokenKey: tokenKey, EnvVar: envVar, Entry: entry}, "", "  ")
		fmt.Println(string(encoded))
		return 0
	}

	snippet, _ := yaml.Marshal(map[string]any{
		"api": map[string]any{"auth": map[string]any{"tokens": []config.APIToken{entry}}},
	})
	fmt.Printf("Token key: %s\n\n", tokenKey)
	fmt.Printf("Set environment variable:\n  export %s=\"%s\"\n\n", envVar, tokenKey)
	fmt.Printf("Add to config.yaml:\n%s", snippet)
	return 0
}

func generateSecureToken(bytesLen int) (string, error) {
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func tokenEnvVarName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return "CONDUCTOR_TOKEN_" + b.String()
}

// remoteFlags are the connection flags of commands that talk to a running server.
type remoteFlags struct {
	url   string
	token string
}

func addRemoteFlags(fs *flag.FlagSet) *remoteFlags {
	r := &remoteFlags{}
	fs.StringVar(&r.url, "url", envOr("CONDUCTOR_URL", defaultServerURL), "Server base URL")
	fs.StringVar(&r.token, "token", os.Getenv("CONDUCTOR_TOKEN"), "Bearer token")
	return r
}

func (r *remoteFlags) client(projectID int64) *client.Client {
	return client.New(client.Options{BaseURL: r.url, Token: r.token, ProjectID: projectID})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	health, err := remote.client(0).Health(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server unreachable at %s: %v\n", remote.url, err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(health, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	uptime := time.Duration(health.UptimeSeconds) * time.Second
	fmt.Printf("Server      : %s\n", remote.url)
	fmt.Printf("Status      : %s\n", health.Status)
	fmt.Printf("Up since    : %s\n", humanize.Time(time.Now().Add(-uptime)))
	fmt.Printf("Subscribers : %d\n", health.PushSubscribers)
	return 0
}

func runProjectCreate(args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	rolesArg := fs.String("roles", "", "Comma-separated roles")
	jsonOut := fs.Bool("json", false, "Output in JSON")

	name, rest := splitPositional(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	roles := splitList(*rolesArg)
	if name == "" || len(roles) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: conductor project create <name> --roles Manager,Sound")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := remote.client(0).CreateProject(ctx, name, roles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Create failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(p, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("Created project %d %q (roles: %s)\n", p.ID, p.Name, strings.Join(p.Roles, ", "))
	return 0
}

func runProjectList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	projects, err := remote.client(0).Projects(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(projects, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	if len(projects) == 0 {
		fmt.Println("No projects.")
		return 0
	}
	for _, p := range projects {
		fmt.Printf("%4d  %-24s %-10s %s\n", p.ID, p.Name, p.Version, strings.Join(p.Roles, ","))
	}
	return 0
}

func runProjectInspect(args []string) int {
	var configPath string
	var jsonOut bool
	var actions int

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")
	fs.IntVar(&actions, "actions", 10, "Number of recent actions to show")

	// Flags may follow the project ID.
	idArg, rest := splitPositional(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if idArg == "" {
		fmt.Fprintln(os.Stderr, "Usage: conductor project inspect <project_id> [--config PATH] [--json]")
		return 1
	}
	projectID, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil || projectID <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid project id: %s\n", idArg)
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	svc := buildServices(db, cfg, nil, nil, log.Discard())
	report, err := inspect.Gather(ctx, inspect.Services{
		Runsheet:  svc.runsheet,
		Clock:     svc.clock,
		Presence:  svc.presence,
		Proposals: svc.proposals,
	}, projectID, actions, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	if jsonOut {
		out, err := inspect.JSON(report)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}
	fmt.Print(inspect.Human(report))
	return 0
}

func runWatch(args []string) int {
	if hasHelpFlag(args) {
		printWatchHelp()
		return 0
	}
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	remote := addRemoteFlags(fs)
	projectID := fs.Int64("project", 0, "Project ID to watch")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *projectID <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --project is required")
		return 1
	}

	p := tea.NewProgram(watch.New(remote.client(*projectID)), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// splitPositional takes the first non-flag argument out of args so that
// flags may come before or after it.
func splitPositional(args []string) (string, []string) {
	var positional string
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case positional == "" && !strings.HasPrefix(arg, "-"):
			positional = arg
		case strings.HasPrefix(arg, "-") && !strings.Contains(arg, "=") && !isBoolFlag(arg) && i+1 < len(args):
			rest = append(rest, arg, args[i+1])
			i++
		default:
			rest = append(rest, arg)
		}
	}
	return positional, rest
}

func isBoolFlag(arg string) bool {
	switch strings.TrimLeft(arg, "-") {
	case "json", "strict", "h", "help":
		return true
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getPIDLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbDir := filepath.Dir(dbPath)
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	nameWithoutExt := dbBase[:len(dbBase)-len(ext)]
	return filepath.Join(dbDir, nameWithoutExt+".pid")
}
