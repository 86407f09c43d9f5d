// Package session persists and revives agent sessions and named seeds.
// A session file is plain text: the context buffer trimmed of trailing
// whitespace, two newlines, and the fixed tool definition block. It is
// read back byte-for-byte as a new seed.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eposlab/epos/internal/prompts"
)

// Store manages session snapshot files in a single directory.
type Store struct {
	dir string
}

// NewStore creates the sessions directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// RevivalText builds the byte contract for a session file from a
// context buffer.
func RevivalText(buffer string) string {
	return strings.TrimRight(buffer, " \t\r\n") + "\n\n" + prompts.ToolDefinition
}

// Save writes the revival text for buffer under name (without
// extension) and returns the file path.
func (s *Store) Save(name, buffer string) (string, error) {
	path := filepath.Join(s.dir, name+".txt")
	if err := os.WriteFile(path, []byte(RevivalText(buffer)), 0o644); err != nil {
		return "", fmt.Errorf("save session %s: %w", name, err)
	}
	return path, nil
}

// List returns saved session names, newest first (names begin with a
// timestamp, so lexical order is chronological).
func (s *Store) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.txt"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".txt"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Load reads a session file back verbatim.
func (s *Store) Load(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name+".txt"))
	if err != nil {
		return "", fmt.Errorf("load session %s: %w", name, err)
	}
	return string(data), nil
}

// Delete removes a saved session. Deleting a missing session is not an
// error.
func (s *Store) Delete(name string) error {
	err := os.Remove(filepath.Join(s.dir, name+".txt"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", name, err)
	}
	return nil
}

// SeedStore manages named seed texts as JSON files.
type SeedStore struct {
	dir string
}

// seedFile is the on-disk shape of a saved seed.
type seedFile struct {
	Name string `json:"name"`
	Seed string `json:"seed"`
}

// NewSeedStore creates the seeds directory if needed.
func NewSeedStore(dir string) (*SeedStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create seeds dir: %w", err)
	}
	return &SeedStore{dir: dir}, nil
}

// Save stores a named seed text.
func (s *SeedStore) Save(name, seed string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("seed name required")
	}
	data, err := json.MarshalIndent(seedFile{Name: name, Seed: seed}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal seed: %w", err)
	}
	path := filepath.Join(s.dir, name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save seed %s: %w", name, err)
	}
	return nil
}

// List returns saved seed names in lexical order.
func (s *SeedStore) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Load returns the seed text stored under name.
func (s *SeedStore) Load(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name+".json"))
	if err != nil {
		return "", fmt.Errorf("load seed %s: %w", name, err)
	}
	var f seedFile
	if err := json.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("parse seed %s: %w", name, err)
	}
	return f.Seed, nil
}

// Delete removes a saved seed. Deleting a missing seed is not an error.
func (s *SeedStore) Delete(name string) error {
	err := os.Remove(filepath.Join(s.dir, name+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete seed %s: %w", name, err)
	}
	return nil
}
