// Epos is an autonomous narrative engine.
//
// It runs a single thought loop against an OpenAI-compatible completion
// backend: the model extends a growing context buffer, embedded tool
// calls (search, message) are executed and their results fed back, and
// the buffer is compressed when it grows too large. A web front-end
// exposes control, dialog, and a live event feed. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	epos serve               Start the engine and web front-end
//	epos init [dir]          Initialize a working directory with defaults
//	epos version             Print version and build information
//	epos -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/eposlab/epos/internal/archive"
	"github.com/eposlab/epos/internal/buildinfo"
	"github.com/eposlab/epos/internal/config"
	"github.com/eposlab/epos/internal/engine"
	"github.com/eposlab/epos/internal/events"
	"github.com/eposlab/epos/internal/llm"
	"github.com/eposlab/epos/internal/notify"
	"github.com/eposlab/epos/internal/prompts"
	"github.com/eposlab/epos/internal/search"
	"github.com/eposlab/epos/internal/session"
	"github.com/eposlab/epos/internal/web"
)

// main only binds the process environment to [run]; everything
// testable lives behind the injected ctx, streams, and args.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// cliArgs is the parsed epos command line.
type cliArgs struct {
	configPath string
	outputFmt  string // "text" or "json"
	command    string
	rest       []string
	help       bool
}

// parseArgs walks the argument list by hand. Two global flags and
// three commands do not justify the flag package, whose global state
// gets in the way of driving run from tests. Flags accept both
// `-name value` and `-name=value`; anything after the command that is
// not a recognized flag belongs to the command.
func parseArgs(args []string) (cliArgs, error) {
	parsed := cliArgs{outputFmt: "text"}

	takeValue := func(name, inline string, hasInline bool, i *int) (string, error) {
		if hasInline {
			return inline, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("flag %s needs a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		name, inline, hasInline := strings.Cut(args[i], "=")
		switch name {
		case "-config":
			v, err := takeValue(name, inline, hasInline, &i)
			if err != nil {
				return parsed, err
			}
			parsed.configPath = v
		case "-o", "--output":
			v, err := takeValue(name, inline, hasInline, &i)
			if err != nil {
				return parsed, err
			}
			parsed.outputFmt = v
		case "-h", "-help", "--help":
			parsed.help = true
		default:
			switch {
			case parsed.command != "":
				parsed.rest = append(parsed.rest, args[i])
			case strings.HasPrefix(args[i], "-"):
				return parsed, fmt.Errorf("unknown flag: %s", args[i])
			default:
				parsed.command = args[i]
			}
		}
	}

	if parsed.outputFmt != "text" && parsed.outputFmt != "json" {
		return parsed, fmt.Errorf("unknown output format: %q (expected text or json)", parsed.outputFmt)
	}
	return parsed, nil
}

// run carries the whole command lifecycle so tests can drive it:
// ctx bounds the process, stdout/stderr replace the real streams, and
// args is os.Args[1:]. A nil return means a clean exit; main prints
// any error and sets the exit code.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}
	if parsed.help {
		return printUsage(stdout)
	}

	switch parsed.command {
	case "serve":
		return runServe(ctx, stdout, parsed.configPath)
	case "init":
		dir := "."
		if len(parsed.rest) > 0 {
			dir = parsed.rest[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, parsed.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", parsed.command)
	}
}

// runVersion prints build metadata. Text mode prints the banner plus
// the runtime facts the banner leaves out; json mode emits the same
// map the /api/version endpoint serves.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"go_version", "os", "arch"} {
		fmt.Fprintf(w, "  %s: %s\n", k, info[k])
	}
	return nil
}

// printUsage writes the help text shown for -h, --help, or a bare
// invocation.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Epos - Autonomous Narrative Engine")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: epos [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the thought loop and web front-end")
	fmt.Fprintln(w, "  init [dir]   Write a starter config and prompt files (default dir: .)")
	fmt.Fprintln(w, "  version      Print build metadata")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Config file to use instead of searching")
	fmt.Fprintln(w, "  -o, --output fmt  Output format, text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Without -config, epos searches: ./config.yaml,")
	fmt.Fprintln(w, "~/.config/epos/config.yaml, /etc/epos/config.yaml")
	return nil
}

// runServe handles the "epos serve" subcommand. It is the primary
// operating mode: loads config, opens the thought archive, constructs
// the engine and web server, and blocks until a shutdown signal
// arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The engine stops; a session snapshot is saved if it was thinking
//  3. The MQTT notifier publishes "offline" and disconnects
//  4. The HTTP server drains in-flight requests
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Epos", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"backend", cfg.Backend.URL,
	)

	// --- Data directory ---
	// Logs, sessions, seeds, adjusted limits, and the thought archive
	// all live under this directory.
	for _, sub := range []string{"logs", "sessions", "seeds"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, sub), 0755); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
	}

	// Thresholds adjusted through the front-end override the YAML.
	limitsPath := filepath.Join(cfg.DataDir, "limits.json")
	if saved, found, err := config.LoadLimits(limitsPath); err != nil {
		logger.Warn("saved limits unreadable, using config", "error", err)
	} else if found {
		cfg.Buffer = saved
		logger.Info("saved limits applied", "compress_at", saved.CompressAt, "max_context", saved.MaxContext)
	}

	// --- Seed text ---
	seed := prompts.DefaultSeed
	if cfg.SeedFile != "" {
		data, err := os.ReadFile(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("read seed file: %w", err)
		}
		seed = string(data)
		logger.Info("seed loaded", "path", cfg.SeedFile, "chars", len([]rune(seed)))
	}

	// --- Generation backend ---
	client := llm.NewBackend(cfg.Backend.URL, logger)

	// --- Search collaborator ---
	// Optional; a missing CLI binary downgrades the search tool to
	// unavailable rather than failing startup.
	provider := search.NewCLIProvider(cfg.Search.Command, time.Duration(cfg.Search.TimeoutSec)*time.Second, logger)
	if provider.Available() {
		logger.Info("search enabled", "command", cfg.Search.Command)
	} else {
		logger.Warn("search unavailable", "command", cfg.Search.Command)
	}

	// --- Stores ---
	sessions, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return err
	}
	seeds, err := session.NewSeedStore(filepath.Join(cfg.DataDir, "seeds"))
	if err != nil {
		return err
	}

	var thoughtDB *archive.Store
	if cfg.Archive.Enabled {
		dbPath := filepath.Join(cfg.DataDir, "thoughts.db")
		thoughtDB, err = archive.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open thought archive %s: %w", dbPath, err)
		}
		defer thoughtDB.Close()
		logger.Info("thought archive opened", "path", dbPath)
	}

	// --- Engine ---
	bus := events.New()
	probes := make([]engine.Probe, len(cfg.Experiment.Probes))
	for i, p := range cfg.Experiment.Probes {
		probes[i] = engine.Probe{AtThought: p.AtThought, Text: p.Text}
	}

	eng, err := engine.New(engine.Config{
		Seed:            seed,
		CompressAtChars: cfg.Buffer.CompressAt,
		MaxContextChars: cfg.Buffer.MaxContext,
		LogDir:          filepath.Join(cfg.DataDir, "logs"),
		Probes:          probes,
	}, client, provider, sessions, thoughtDB, bus, logger)
	if err != nil {
		return err
	}

	// --- MQTT notifier (optional) ---
	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.New(cfg.Notify, bus, engineStatusAdapter{eng}, logger)
		go func() {
			if err := notifier.Start(ctx); err != nil {
				logger.Error("mqtt notifier failed", "error", err)
			}
		}()
		logger.Info("mqtt notifier enabled", "broker", cfg.Notify.Broker, "topic_prefix", cfg.Notify.TopicPrefix)
	} else {
		logger.Info("mqtt notifier disabled (not configured)")
	}

	// --- Web front-end ---
	var history web.History
	if thoughtDB != nil {
		history = thoughtDB
	}
	server := web.NewServer(cfg.Listen.Address, cfg.Listen.Port, eng, sessions, seeds, history, bus, limitsPath, logger)

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		eng.Stop()

		if notifier != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := notifier.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Start the web server. This blocks until shut down via context
	// cancellation or fatal error. The engine itself starts on demand
	// through POST /api/start.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Epos stopped")
	return nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output in Epos goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig resolves the config path — the -config flag when given,
// otherwise the search order printUsage documents — and parses it.
// The resolved path comes back alongside the config so serve can log
// which file it is actually running on.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// engineStatusAdapter bridges the engine to the MQTT notifier's
// [notify.StatusSource] interface.
type engineStatusAdapter struct {
	eng *engine.Engine
}

func (a engineStatusAdapter) StatusJSON() any { return a.eng.Status() }
