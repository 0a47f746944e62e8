package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/exthost/internal/extension"
	"github.com/mattjoyce/exthost/internal/journal"
	"github.com/mattjoyce/exthost/internal/storage"
)

func runExtensionNoun(args []string) int {
	if len(args) < 1 {
		printExtensionNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printExtensionNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printExtensionListHelp()
			return 0
		}
		return runExtensionList(actionArgs)
	case "order":
		if hasHelpFlag(actionArgs) {
			printExtensionOrderHelp()
			return 0
		}
		return runExtensionOrder(actionArgs)
	case "history":
		if hasHelpFlag(actionArgs) {
			printExtensionHistoryHelp()
			return 0
		}
		return runExtensionHistory(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown extension action: %s\n", action)
		return 1
	}
}

func printExtensionNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: exthost extension <action> [flags]")
	fmt.Fprintln(w, "Actions: list, order, history")
}

func printExtensionListHelp() {
	fmt.Println("Usage: exthost extension list [--config PATH] [--permission P] [--json]")
	fmt.Println("Show extensions discovered under extensions.roots. No extension code is loaded.")
}

func printExtensionOrderHelp() {
	fmt.Println("Usage: exthost extension order [--config PATH] [--json]")
	fmt.Println("Show the order in which extensions would be loaded, dependencies first.")
}

func printExtensionHistoryHelp() {
	fmt.Println("Usage: exthost extension history <id> [--config PATH] [--limit N] [--json]")
	fmt.Println("Show journaled lifecycle events for an extension, newest first.")
}

func runExtensionList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	permission := fs.String("permission", "", "Only show extensions requesting this permission")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	reg, report, err := scanRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		return 1
	}

	list := reg.All()
	if *permission != "" {
		list = reg.ByPermission(*permission)
	}

	if *jsonOut {
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(list) == 0 {
		fmt.Println("No extensions found.")
	} else {
		fmt.Println(renderExtensionTable(list))
	}
	for _, s := range report.Skipped {
		fmt.Fprintf(os.Stderr, "skipped %s: %v\n", s.Path, s.Err)
	}
	return 0
}

func renderExtensionTable(list []extension.Metadata) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "VERSION", "CATEGORY", "PERMISSIONS", "DEPENDS ON", "PATH")
	for _, meta := range list {
		deps := make([]string, 0, len(meta.Dependencies))
		for _, d := range meta.Dependencies {
			label := d.ID
			if d.VersionRange != "" {
				label += "@" + d.VersionRange
			}
			if d.Optional {
				label += "?"
			}
			deps = append(deps, label)
		}
		t.Row(
			meta.ID,
			meta.Version,
			string(meta.Category),
			strings.Join(meta.Permissions, ","),
			strings.Join(deps, ","),
			meta.InstallPath,
		)
	}
	return t.String()
}

func runExtensionOrder(args []string) int {
	fs := flag.NewFlagSet("order", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	reg, _, err := scanRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		return 1
	}

	order, err := reg.TopologicalOrder()
	if err != nil {
		fmt.Fprintf(os.Stderr, "No valid load order: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.Marshal(map[string][]string{"order": order})
		fmt.Println(string(data))
		return 0
	}
	for i, id := range order {
		fmt.Printf("%3d  %s\n", i+1, id)
	}
	return 0
}

func runExtensionHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum events to show (0 for all)")
	jsonOut := fs.Bool("json", false, "Output in JSON")

	// Allow the id before or after flags.
	var id string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		id, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: exthost extension history <id> [--config PATH] [--limit N] [--json]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	if cfg.State.Path == "" {
		fmt.Fprintln(os.Stderr, "Journal disabled: state.path is empty")
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := journal.New(db, nil)
	entries, err := store.History(ctx, id, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
		return 1
	}
	status, err := store.Status(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read status: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(struct {
			Status *journal.Status `json:"status"`
			Events []journal.Entry `json:"events"`
		}{status, entries}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if status == nil {
		fmt.Printf("No journaled events for %s\n", id)
		return 0
	}
	fmt.Printf("%s: %s (updated %s)\n", id, status.Phase, status.UpdatedAt.Format("2006-01-02 15:04:05"))
	if status.LastError != "" {
		fmt.Printf("last error: %s\n", status.LastError)
	}
	for _, e := range entries {
		fmt.Printf("  %s  %-28s %s\n", e.At.Format("2006-01-02 15:04:05.000"), e.Type, string(e.Data))
	}
	return 0
}
