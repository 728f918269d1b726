// ABOUTME: Entry point for the delivery-sync daemon and its maintenance commands
// ABOUTME: Resolves config, sets up logging and dispatches to the command handlers

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/delivery-sync/internal/config"
	"github.com/2389/delivery-sync/internal/engine"
)

var version = "dev"

const banner = `
     _      _ _
  __| | ___| (_)_   _____ _ __ _   _       ___ _   _ _ __   ___
 / _' |/ _ \ | \ \ / / _ \ '__| | | |_____/ __| | | | '_ \ / __|
| (_| |  __/ | |\ V /  __/ |  | |_| |_____\__ \ |_| | | | | (__
 \__,_|\___|_|_| \_/ \___|_|   \__, |     |___/\__, |_| |_|\___|
                               |___/           |___/
`

// getConfigPath returns the path to the config file.
// Priority: DSYNC_CONFIG env var > XDG_CONFIG_HOME/delivery-sync/config.yaml > ~/.config/delivery-sync/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DSYNC_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "delivery-sync", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "serve":
		err = cmdServe(ctx)
	case "capture":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdCapture(ctx, e, args) })
	case "pending":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdPending(ctx, e) })
	case "sync":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdSync(ctx, e) })
	case "retry":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdRetry(ctx, e, args) })
	case "delete":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdDelete(ctx, e, args) })
	case "notes":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdNotes(ctx, e, args) })
	case "show":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdShow(ctx, e, args) })
	case "image":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdImage(ctx, e, args) })
	case "refresh":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdRefresh(ctx, e, args) })
	case "clear-cache":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdClearCache(ctx, e) })
	case "quota":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdQuota(ctx, e) })
	case "cleanup":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdCleanup(ctx, e) })
	case "status":
		err = withEngine(ctx, func(e *engine.Engine) error { return cmdStatus(ctx, e) })
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: delivery-sync <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  serve                   Run the sync daemon until interrupted")
	fmt.Println("  capture [flags] <photo>...")
	fmt.Println("                          Queue a delivery note with its photos")
	fmt.Println("      --establishment N   Establishment id (required)")
	fmt.Println("      --supplier N        Supplier id (required)")
	fmt.Println("      --establishment-name, --supplier-name  Names kept for offline display")
	fmt.Println("  pending                 List the upload queue")
	fmt.Println("  sync                    Upload every ready note now")
	fmt.Println("  retry <id>              Reset a failed note and upload it")
	fmt.Println("  delete <id>             Remove a queued note and its photos")
	fmt.Println("  notes [--establishment N] [--offline]")
	fmt.Println("                          List cached delivery notes")
	fmt.Println("  show <id>               Show one cached delivery note")
	fmt.Println("  image <id> -o <file>    Write a delivery note image to a file")
	fmt.Println("  refresh [--force] [--establishment N]")
	fmt.Println("                          Refresh the delivery note cache")
	fmt.Println("  clear-cache             Drop cached notes, images and reference data")
	fmt.Println("  quota                   Show storage usage")
	fmt.Println("  cleanup                 Remove synced notes older than the retention")
	fmt.Println("  status                  Show reachability and queue counts")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  DSYNC_CONFIG            Config file path (default: ~/.config/delivery-sync/config.yaml)")
	fmt.Println("  DSYNC_DB_PATH           Overrides database.path from the config file")
	fmt.Println()
}

// loadConfig reads the config file and applies environment overrides
func loadConfig() (string, *config.Config, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return configPath, nil, fmt.Errorf("loading config: %w", err)
	}
	if dbPath := os.Getenv("DSYNC_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return configPath, cfg, nil
}

// withEngine opens an engine for a one-shot command and closes it afterwards.
// Uploads interrupted by an earlier process are requeued first.
func withEngine(ctx context.Context, fn func(e *engine.Engine) error) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	e, err := engine.New(cfg, setupLogger(cfg.Logging))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer e.Close()

	if _, err := e.RequeueInterrupted(ctx); err != nil {
		return err
	}
	return fn(e)
}

func cmdServe(ctx context.Context) error {
	configPath, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Server:    %s\n", cfg.Server.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	fmt.Println()

	logger.Info("starting delivery-sync",
		"config", configPath,
		"server", cfg.Server.BaseURL,
		"database", cfg.Database.Path,
	)

	e, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer e.Close()

	return e.Run(ctx)
}
