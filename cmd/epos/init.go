package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/eposlab/epos/internal/defaults"
)

// runInit initializes an Epos working directory with default files.
// It creates the directory structure and copies bundled defaults for
// config and seed text. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Epos workspace in %s\n", dir)

	// Create the base directory and the data subdirectories.
	for _, sub := range []string{"data/logs", "data/sessions", "data/seeds"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// Write config example if no config exists.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	// Write seed example if no seed exists.
	seedPath := filepath.Join(dir, "seed.txt")
	if err := writeIfMissing(seedPath, defaults.SeedTXT); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", seedPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your backend, then run: epos serve")
	fmt.Fprintln(w, "Set seed_file: ./seed.txt in config.yaml to use the seed template.")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
