package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/exthost/internal/api"
	"github.com/mattjoyce/exthost/internal/auth"
	"github.com/mattjoyce/exthost/internal/config"
	"github.com/mattjoyce/exthost/internal/host"
	"github.com/mattjoyce/exthost/internal/lock"
	"github.com/mattjoyce/exthost/internal/log"
	"github.com/mattjoyce/exthost/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// EnvAPIToken supplies the bearer token for client commands.
const EnvAPIToken = "EXTHOST_API_TOKEN"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "extension":
		return runExtensionNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: exthost version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("exthost %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := firstKnown(gitCommit, readBuildSetting("vcs.revision"))
	if commit != "" {
		info.Commit = commit[:min(len(commit), 12)]
	}
	if t, err := time.Parse(time.RFC3339Nano, firstKnown(buildDate, readBuildSetting("vcs.time"))); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

// firstKnown returns the first value that is neither empty nor "unknown".
func firstKnown(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" && v != "unknown" {
			return v
		}
	}
	return ""
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`exthost - extension host with dependency-ordered lifecycle management

Usage:
  exthost <noun> <action> [flags]

Core Resources (Nouns):
  system      Host lifecycle and live monitoring
  config      Host configuration and integrity
  extension   Discovered extensions, ordering and history

System Commands:
  system start        Start the host in the foreground
  system watch        Real-time extension monitoring TUI

Config Commands:
  config check        Validate configuration and discovered extensions
  config lock         Record config file hashes in .checksums
  config show         Print the resolved configuration

Extension Commands:
  extension list      Show extensions found under the configured roots
  extension order     Show the dependency-ordered load sequence
  extension history   Show journaled lifecycle events for one extension

General:
  version             Show version information
  help                Show this help message

Use 'exthost <noun> help' for action-specific flags.
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
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
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
	fmt.Fprintln(w, "Usage: exthost system <action>")
	fmt.Fprintln(w, "Actions: start, watch")
}

func printSystemStartHelp() {
	fmt.Println("Usage: exthost system start [--config PATH]")
	fmt.Println("Discover, load and activate extensions, then serve the API until interrupted.")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: exthost system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time extension monitoring TUI.")
	fmt.Println("Shows host health, extension states, and the lifecycle event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Host API URL (default: http://localhost:8080)")
	fmt.Println("  --token TOKEN    API bearer token (or " + EnvAPIToken + " env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  r                Refresh now")
	fmt.Println("  ↑/↓, k/j         Select extension")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("exthost starting", "version", version, "config", cfg.Path)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	h, err := host.New(cfg, host.WithLogger(log.Get()))
	if err != nil {
		logger.Error("failed to create host", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := h.Start(ctx)
	if err != nil {
		logger.Error("host failed to start", "error", err)
		return 1
	}
	for _, s := range report.Discovery.Skipped {
		logger.Warn("extension skipped", "path", s.Path, "error", s.Err)
	}
	for _, f := range report.Load.Failed {
		logger.Warn("extension failed to load", "extension", f.ID, "error", f.Msg)
	}
	if report.Activate != nil {
		for _, f := range report.Activate.Failed {
			logger.Warn("extension failed to activate", "extension", f.ID, "error", f.Msg)
		}
	}
	stats := h.Registry().Stats()
	logger.Info("host started", "extensions", stats.Total, "by_state", stats.ByState)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		var history api.History
		if j := h.Journal(); j != nil {
			history = j
		}
		apiServer := api.New(apiConfigFrom(cfg), h.Registry(), h.Loader(), h.Hub(), history, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("exthost running (press Ctrl+C to stop)")

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		code = 1
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	stopped, err := h.Stop(stopCtx)
	if err != nil {
		logger.Error("host stop failed", "error", err)
		code = 1
	}
	logger.Info("exthost stopped", "deactivated", len(stopped.Succeeded), "failed", len(stopped.Failed))
	return code
}

func apiConfigFrom(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
	}
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Host API URL")
	token := fs.String("token", os.Getenv(EnvAPIToken), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *token == "" {
		fmt.Fprintf(os.Stderr, "Error: API token required. Use --token or %s env var.\n", EnvAPIToken)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *token))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
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
