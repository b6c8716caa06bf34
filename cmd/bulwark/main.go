package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bulwarkhq/bulwark/internal/config"
	"github.com/bulwarkhq/bulwark/internal/engine"
	"github.com/bulwarkhq/bulwark/internal/lock"
	"github.com/bulwarkhq/bulwark/internal/log"
	"github.com/bulwarkhq/bulwark/internal/tui/watch"
)

const version = "0.1.0"

const defaultConfigPath = "bulwark.yaml"

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

	// --- ROOT COMMANDS ---
	case "start":
		os.Exit(runStart(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("bulwark version %s\n", version)
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
	fmt.Print(`bulwark - Resilient dispatch host for plugins and upstream targets

Usage:
  bulwark <noun> <action> [flags]

Core Resources (Nouns):
  system    Host lifecycle and health
  config    Configuration and integrity

System Commands:
  system start      Start the host in foreground

Config Commands:
  config check      Validate syntax and entity configuration
  config hash-update  Regenerate the config integrity manifest

General:
  watch             Live TUI monitor against a running host
  version           Show version information
  help              Show this help message

Use 'bulwark <noun> help' for resource-specific flags.
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
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
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
	case "hash-update", "lock":
		if hasHelpFlag(actionArgs) {
			printConfigHashUpdateHelp()
			return 0
		}
		return runConfigHashUpdate(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
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
	fmt.Fprintln(w, "Usage: bulwark system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: bulwark config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, hash-update")
}

func printSystemStartHelp() {
	fmt.Println("Usage: bulwark system start [--config PATH]")
	fmt.Println("Start the host in the foreground. SIGHUP reloads plugins.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: bulwark config check [--config PATH] [--json]")
	fmt.Println("Validate configuration syntax and entity definitions.")
}

func printConfigHashUpdateHelp() {
	fmt.Println("Usage: bulwark config hash-update [--config PATH]")
	fmt.Println("Regenerate the .checksums integrity manifest for the config file.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if err := config.VerifyChecksum(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Config integrity check failed: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("bulwark starting", "version", version, "config", *configPath)

	rejected, err := config.Validate(cfg)
	if err != nil {
		logger.Error("configuration invalid", "error", err)
		return 1
	}
	for _, r := range rejected {
		logger.Warn("entity rejected", "entity", r.Entity, "reason", r.Reason)
	}

	pidLockPath := pidLockPath(cfg)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire instance lock", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired instance lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}

	if err := eng.RegisterPlugins(ctx); err != nil {
		logger.Error("plugin registration failed", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			logger.Info("SIGHUP received, reloading plugins")
			if err := eng.ReloadPlugins(ctx); err != nil {
				logger.Error("plugin reload failed", "error", err)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Run(ctx)
	}()

	logger.Info("bulwark running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("engine failed", "error", err)
			return 1
		}
	}

	logger.Info("bulwark stopped")
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	if err := config.VerifyChecksum(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Integrity error: %v\n", err)
		return 1
	}

	rejected, err := config.Validate(cfg)

	type checkResult struct {
		Valid    bool     `json:"valid"`
		Error    string   `json:"error,omitempty"`
		Rejected []string `json:"rejected_entities,omitempty"`
		Plugins  int      `json:"plugins"`
		Targets  int      `json:"targets"`
	}

	result := checkResult{
		Valid:   err == nil,
		Plugins: len(cfg.Plugins),
	}
	if cfg.Proxy != nil {
		result.Targets = len(cfg.Proxy.Targets)
	}
	if err != nil {
		result.Error = err.Error()
	}
	for _, r := range rejected {
		result.Rejected = append(result.Rejected, r.Error())
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		if result.Error != "" {
			fmt.Printf("FAIL: %s\n", result.Error)
		} else {
			fmt.Printf("OK: %d plugin(s), %d target(s)\n", result.Plugins, result.Targets)
		}
		for _, r := range result.Rejected {
			fmt.Printf("  WARN %s\n", r)
		}
	}

	if err != nil {
		return 1
	}
	return 0
}

func runConfigHashUpdate(args []string) int {
	fs := flag.NewFlagSet("hash-update", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if err := config.GenerateChecksum(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to update checksums: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", filepath.Join(filepath.Dir(*configPath), ".checksums"))
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8710", "Base URL of the running host")
	apiKey := fs.String("key", os.Getenv("BULWARK_API_KEY"), "API key (defaults to $BULWARK_API_KEY)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch TUI failed: %v\n", err)
		return 1
	}
	return 0
}

func pidLockPath(cfg *config.Config) string {
	base := cfg.Storage.Path
	if base == "" {
		base = "bulwark.db"
	}
	dir := filepath.Dir(base)
	name := filepath.Base(base)
	ext := filepath.Ext(name)
	return filepath.Join(dir, name[:len(name)-len(ext)]+".pid")
}
