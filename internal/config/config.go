// Package config handles Epos configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/epos/config.yaml, /etc/epos/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "epos", "config.yaml"))
	}

	paths = append(paths, "/etc/epos/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Epos configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Backend    BackendConfig    `yaml:"backend"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Search     SearchConfig     `yaml:"search"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Notify     NotifyConfig     `yaml:"notify"`
	Experiment ExperimentConfig `yaml:"experiment"`
	DataDir    string           `yaml:"data_dir"`
	SeedFile   string           `yaml:"seed_file"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the web front-end settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 7860
}

// BackendConfig defines the OpenAI-compatible generation backend.
type BackendConfig struct {
	// URL is the backend base URL without the /v1 suffix
	// (e.g. a local LM Studio or llama.cpp server).
	URL string `yaml:"url"`
}

// BufferConfig defines the context buffer thresholds, in characters.
// CompressAt must be strictly below MaxContext.
type BufferConfig struct {
	CompressAt int `yaml:"compress_at"`
	MaxContext int `yaml:"max_context"`
}

// Validate checks the threshold ordering.
func (b BufferConfig) Validate() error {
	if b.CompressAt <= 0 || b.MaxContext <= 0 {
		return fmt.Errorf("buffer thresholds must be positive (compress_at=%d, max_context=%d)", b.CompressAt, b.MaxContext)
	}
	if b.CompressAt >= b.MaxContext {
		return fmt.Errorf("compress_at (%d) must be below max_context (%d)", b.CompressAt, b.MaxContext)
	}
	return nil
}

// SearchConfig defines the external CLI search collaborator.
type SearchConfig struct {
	// Command is the CLI binary to pipe search prompts to. If it is not
	// on PATH the search tool reports itself unavailable.
	Command string `yaml:"command"`
	// TimeoutSec caps one search invocation (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
}

// ArchiveConfig defines the persistent thought archive.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NotifyConfig defines optional MQTT publication of agent messages.
type NotifyConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// ExperimentConfig defines scripted probe injection.
type ExperimentConfig struct {
	Probes []ProbeConfig `yaml:"probes"`
}

// ProbeConfig is one scripted message fired when the thought count
// reaches AtThought.
type ProbeConfig struct {
	AtThought int    `yaml:"at_thought"`
	Text      string `yaml:"text"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Buffer.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 7860},
		Backend: BackendConfig{URL: "http://localhost:1234"},
		Buffer: BufferConfig{
			CompressAt: 75000,
			MaxContext: 90000,
		},
		Search: SearchConfig{
			Command:    "claude",
			TimeoutSec: 30,
		},
		Archive: ArchiveConfig{Enabled: true},
		Notify: NotifyConfig{
			TopicPrefix: "epos",
		},
		DataDir: "./data",
	}
}
