package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// limitsFile is the on-disk shape of the persisted buffer thresholds.
// They live in a small JSON file apart from the YAML config so the web
// front-end can adjust them at runtime without rewriting a hand-edited
// file.
type limitsFile struct {
	CompressAtChars int `json:"compress_at_chars"`
	MaxContextChars int `json:"max_context_chars"`
}

// LoadLimits reads persisted thresholds from path. A missing file is
// not an error; found reports whether anything was loaded.
func LoadLimits(path string) (limits BufferConfig, found bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return BufferConfig{}, false, nil
	}
	if err != nil {
		return BufferConfig{}, false, fmt.Errorf("read limits: %w", err)
	}

	var f limitsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return BufferConfig{}, false, fmt.Errorf("parse limits: %w", err)
	}

	limits = BufferConfig{CompressAt: f.CompressAtChars, MaxContext: f.MaxContextChars}
	if err := limits.Validate(); err != nil {
		return BufferConfig{}, false, err
	}
	return limits, true, nil
}

// SaveLimits writes thresholds to path, creating parent directories as
// needed.
func SaveLimits(path string, limits BufferConfig) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create limits dir: %w", err)
	}

	data, err := json.MarshalIndent(limitsFile{
		CompressAtChars: limits.CompressAt,
		MaxContextChars: limits.MaxContext,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
