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

	"github.com/mattjoyce/callbackd/internal/api"
	"github.com/mattjoyce/callbackd/internal/config"
	"github.com/mattjoyce/callbackd/internal/dispatch"
	"github.com/mattjoyce/callbackd/internal/events"
	"github.com/mattjoyce/callbackd/internal/lock"
	"github.com/mattjoyce/callbackd/internal/log"
	"github.com/mattjoyce/callbackd/internal/queue"
	"github.com/mattjoyce/callbackd/internal/telemetry"
	"github.com/mattjoyce/callbackd/internal/worker"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

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
	case "config":
		return runConfigNoun(args)
	case "queue":
		return runQueueNoun(args)

	// --- VERBS ---
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
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
		fmt.Fprintln(os.Stderr, "Usage: callbackd version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		return printJSON(info)
	}

	fmt.Printf("callbackd %s\n", info.Version)
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

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`callbackd - scheduled webhook callback dispatcher

Usage:
  callbackd <command> [flags]
  callbackd <noun> <action> [flags]

Commands:
  start             Run the supervisor, workers and reaper in the foreground
  version           Show version information
  help              Show this help message

Config Commands:
  config check      Load and validate configuration

Queue Commands:
  queue stats       Show event counts by status
  queue enqueue     Schedule a callback (testing and operator aid)
  queue show <id>   Show one event and its delivery attempts

Configuration is read from --config, or discovered at $CALLBACKD_CONFIG,
~/.config/callbackd, /etc/callbackd or ./config.yaml. CALLBACKD_* environment
variables override file values.

Use 'callbackd <noun> help' for resource-specific flags.
`)
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

func printStartHelp() {
	fmt.Println("Usage: callbackd start [--config PATH]")
	fmt.Println("Start the dispatcher in the foreground. Stops cleanly on SIGINT/SIGTERM")
	fmt.Println("after in-flight cycles finish.")
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

// loadConfigForTool resolves the config path the same way start does.
func loadConfigForTool(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		configPath = config.Discover()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, err
	}
	return cfg, configPath, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	if resolved == "" {
		resolved = "(defaults)"
	}
	logger.Info("callbackd starting", "version", version, "config", resolved, "store", cfg.Store.Driver)

	if cfg.Service.PIDFile != "" {
		pidLock, err := lock.Acquire(cfg.Service.PIDFile)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := queue.Open(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		return 1
	}
	defer store.Close()
	logger.Info("store opened", "driver", cfg.Store.Driver)

	telemetry.Register()
	hub := events.NewHub(256)
	executor := dispatch.NewExecutor(dispatch.Options{
		MaxInFlight:      cfg.Dispatch.MaxInFlight,
		MaxResponseBytes: cfg.Dispatch.MaxResponseBytes,
		UserAgent:        "callbackd/" + currentVersionInfo().Version,
		SigningSecret:    cfg.Dispatch.SigningSecret,
	})

	sup := worker.NewSupervisor(cfg, store, executor, hub, log.Get())
	if err := sup.Start(ctx); err != nil {
		logger.Error("supervisor failed to start", "error", err)
		return 1
	}
	defer sup.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)

	if cfg.Ops.Enabled {
		ops := api.New(api.Config{Listen: cfg.Ops.Listen, Workers: cfg.Workers.Count}, store, hub, log.Get())
		go func() {
			if err := ops.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("ops: %w", err)
			}
		}()
		logger.Info("ops listener enabled", "listen", cfg.Ops.Listen)
	}

	logger.Info("callbackd running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()

	// Deferred Stop waits for in-flight cycles before the store closes.
	logger.Info("callbackd stopping")
	return code
}
