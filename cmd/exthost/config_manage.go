package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/exthost/internal/config"
	"github.com/mattjoyce/exthost/internal/discovery"
	"github.com/mattjoyce/exthost/internal/doctor"
	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/manifest"
)

const redacted = "<redacted>"

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
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: exthost config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: exthost config check [--config PATH] [--format human|json] [--json] [--strict]")
	fmt.Println("Validate configuration, extension manifests, and the dependency graph.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  No errors (warnings allowed unless --strict)")
	fmt.Println("  1  One or more errors")
	fmt.Println("  2  Warnings present with --strict")
}

func printConfigLockHelp() {
	fmt.Println("Usage: exthost config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize the current configuration by writing its BLAKE3 hash to .checksums.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: exthost config show [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration with defaults applied. Secrets are redacted.")
}

// scanRegistry registers every extension under the configured roots into a
// fresh registry without loading any code.
func scanRegistry(cfg *config.Config) (*extension.Registry, discovery.Report, error) {
	policy := manifest.Options{
		AllowedPermissions: cfg.Extensions.AllowedPermissions,
		Platform:           cfg.Extensions.Platform.Name,
		PlatformVersion:    cfg.Extensions.Platform.Version,
	}
	reg := extension.NewRegistry(extension.WithPolicy(policy))
	report, err := discovery.NewScanner(policy, nil).Register(reg, cfg.Extensions.Roots)
	return reg, report, err
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

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

	// Unusable roots are reported by the doctor itself.
	reg, report, err := scanRegistry(cfg)
	if err != nil {
		reg = nil
	}

	result := doctor.New(cfg, reg).Validate()
	for _, s := range report.Skipped {
		result.Warnings = append(result.Warnings, doctor.Issue{
			Category: "discovery",
			Field:    s.Path,
			Message:  s.Err.Error(),
		})
	}

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

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}
	// Lock must work on a config whose current hash no longer matches, so
	// resolve the file without loading it.
	file, err := config.ResolvePath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	dir := filepath.Dir(file)

	report, err := config.Lock(dir, []string{filepath.Base(file)}, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config in %s: %v\n", dir, err)
		return 1
	}

	if verbose || verboseShort {
		fmt.Printf("Processing directory: %s\n", dir)
		for _, f := range report.Files {
			fmt.Printf("  HASH %s %s\n", f.Hash, f.Filename)
		}
		if dryRun {
			fmt.Printf("  DRY-RUN %s: %s (not written)\n", config.ChecksumsFilename, report.ChecksumPath)
		} else {
			fmt.Printf("  WROTE %s: %s\n", config.ChecksumsFilename, report.ChecksumPath)
		}
	}

	if dryRun {
		fmt.Println("Dry run complete; no files written.")
	} else {
		fmt.Printf("Locked %d file(s) in %s\n", len(report.Files), dir)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	redactSecrets(cfg)

	if *jsonOut {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render YAML: %v\n", err)
		return 1
	}
	fmt.Printf("# %s\n%s", cfg.Path, data)
	return 0
}

func redactSecrets(cfg *config.Config) {
	if cfg.API.Auth.APIKey != "" {
		cfg.API.Auth.APIKey = redacted
	}
	for i := range cfg.API.Auth.Tokens {
		if cfg.API.Auth.Tokens[i].Token != "" {
			cfg.API.Auth.Tokens[i].Token = redacted
		}
	}
}
