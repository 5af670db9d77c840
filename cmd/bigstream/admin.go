package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/bigstream/internal/config"
	"github.com/mattjoyce/bigstream/internal/history"
	"github.com/mattjoyce/bigstream/internal/storage"
	"github.com/mattjoyce/bigstream/internal/tui"
)

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "http://localhost:8080", "bigstream API URL")
	apiKey := fs.String("api-key", os.Getenv("BIGSTREAM_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or BIGSTREAM_API_KEY env var.")
		return 1
	}

	p := tea.NewProgram(tui.NewMonitor(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runRuns(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", history.DefaultLimit, "Maximum number of runs to list")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be positive")
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.State.Path == "" {
		fmt.Fprintln(os.Stderr, "Run history is disabled (state.path is empty)")
		return 1
	}
	if _, err := os.Stat(cfg.State.Path); err != nil {
		fmt.Fprintf(os.Stderr, "No history database at %s\n", cfg.State.Path)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	runs, err := history.NewStore(db).List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return 1
	}

	if *jsonOut {
		if runs == nil {
			runs = []history.Entry{}
		}
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return 0
	}
	fmt.Printf("%-36s  %-6s  %-10s  %10s  %10s  %-16s  %s\n", "RUN", "STATE", "GENERATOR", "RECORDS", "SIZE", "ENDED", "ERROR")
	for _, r := range runs {
		errText := r.Error
		if r.ErrorKind != "" {
			errText = r.ErrorKind + ": " + errText
		}
		fmt.Printf("%-36s  %-6s  %-10s  %10s  %10s  %-16s  %s\n",
			r.RunID, r.State, r.Generator,
			humanize.Comma(r.Records), humanize.Bytes(uint64(max(r.Size, 0))),
			humanize.Time(r.EndedAt), errText)
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: bigstream config <check|lock> [--config PATH]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		if *jsonOut {
			printJSON(map[string]any{"valid": false, "error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		}
		return 1
	}
	if path == "" {
		path = "(defaults)"
	}

	base := cfg.Base()
	summary := map[string]any{
		"valid":       true,
		"config":      path,
		"generator":   cfg.Engine.Generator,
		"parser":      cfg.Engine.Parser,
		"queue_order": cfg.Engine.QueueOrder,
		"history":     cfg.State.Path,
		"api_enabled": cfg.API.Enabled,
		"fingerprint": config.Fingerprint(base),
	}

	if *jsonOut {
		printJSON(summary)
		return 0
	}
	fmt.Printf("Configuration OK: %s\n", path)
	fmt.Printf("  generator:   %s\n", orNone(cfg.Engine.Generator))
	fmt.Printf("  parser:      %s\n", orNone(cfg.Engine.Parser))
	fmt.Printf("  queue order: %s\n", cfg.Engine.QueueOrder)
	fmt.Printf("  history:     %s\n", orNone(cfg.State.Path))
	fmt.Printf("  api:         %t\n", cfg.API.Enabled)
	fmt.Printf("  fingerprint: %s\n", summary["fingerprint"])
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	verbose := fs.Bool("v", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *configPath
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: bigstream config lock --config PATH")
		return 1
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}

	// Parse before locking so a broken file is never authorized.
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}

	manifest, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	fmt.Printf("Locked %s\n", path)
	if *verbose {
		for name, hash := range manifest.Hashes {
			fmt.Printf("  HASH %s: %s\n", name, hash)
		}
	}
	return 0
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
