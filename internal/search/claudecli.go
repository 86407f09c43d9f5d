package search

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/eposlab/epos/internal/prompts"
)

// DefaultTimeout bounds one CLI invocation.
const DefaultTimeout = 30 * time.Second

// CLIProvider answers queries by piping a prompt to an external
// command-line agent (`claude -p`). Availability is checked once at
// construction with exec.LookPath.
type CLIProvider struct {
	command   string
	path      string
	timeout   time.Duration
	available bool
	logger    *slog.Logger
}

// NewCLIProvider looks up command on PATH and returns a provider.
// A missing executable is not an error: the provider reports
// unavailable and the search tool degrades to empty results.
func NewCLIProvider(command string, timeout time.Duration, logger *slog.Logger) *CLIProvider {
	if command == "" {
		command = "claude"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	p := &CLIProvider{
		command: command,
		timeout: timeout,
		logger:  logger.With("component", "search"),
	}

	path, err := exec.LookPath(command)
	if err != nil {
		p.logger.Info("search CLI not found, search disabled", "command", command)
		return p
	}

	p.path = path
	p.available = true
	p.logger.Info("search CLI detected, search enabled", "command", command, "path", path)
	return p
}

// Name returns the provider identifier.
func (p *CLIProvider) Name() string { return "claude-cli" }

// Available reports whether the CLI was found at startup.
func (p *CLIProvider) Available() bool { return p.available }

// Search pipes the query prompt to the CLI on stdin and returns its
// trimmed stdout. Stderr output is logged but not fatal; a timeout or
// non-zero exit is returned as an error for the caller to log.
func (p *CLIProvider) Search(ctx context.Context, query string) (string, error) {
	if !p.available {
		return "", fmt.Errorf("search CLI %q not available", p.command)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.path, "-p")
	cmd.Stdin = strings.NewReader(prompts.Search(query))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		p.logger.Warn("search CLI stderr", "stderr", truncate(msg, 300))
	}
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("search CLI timed out after %s", p.timeout)
	}
	if err != nil {
		return "", fmt.Errorf("search CLI: %w", err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
