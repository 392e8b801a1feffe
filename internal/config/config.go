// Package config loads the cluster configuration shared by every rank of
// a PMI run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSize        = 2
	DefaultAddr        = "127.0.0.1:7450"
	DefaultStopTimeout = 10 * time.Second
	DefaultDialTimeout = 30 * time.Second
)

// Transport names.
const (
	TransportMemory = "memory"
	TransportTCP    = "tcp"
)

// Config describes a cluster. Every rank of a run must load the same
// file; only the rank number differs between processes.
type Config struct {
	// Size is the number of ranks, controller included.
	Size int `yaml:"size"`
	// Controller is the controller's rank, 0 unless set.
	Controller int `yaml:"controller"`
	// Addr is the controller's TCP listen address.
	Addr string `yaml:"addr"`
	// Transport selects "memory" (in-process ranks) or "tcp".
	Transport string `yaml:"transport"`
	// Manifest is an optional CUE manifest replacing the built-in one.
	// Relative paths resolve against the config file.
	Manifest string `yaml:"manifest,omitempty"`

	// CallTimeout bounds every collective on the controller. Zero disables.
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`
	// IdleTimeout bounds how long a worker waits for the next command.
	// Zero disables.
	IdleTimeout time.Duration `yaml:"idle_timeout,omitempty"`
	// StopTimeout bounds the final stop broadcast.
	StopTimeout time.Duration `yaml:"stop_timeout"`
	// DialTimeout bounds a TCP worker's connection retries.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// JournalDir, when set, makes every rank record its commands to
	// JournalDir/rank-<r>.db.
	JournalDir string `yaml:"journal_dir,omitempty"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		Size:        DefaultSize,
		Addr:        DefaultAddr,
		Transport:   TransportMemory,
		StopTimeout: DefaultStopTimeout,
		DialTimeout: DefaultDialTimeout,
	}
}

// Load reads and validates a YAML config file. Fields missing from the
// file keep their defaults; unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if cfg.Manifest != "" && !filepath.IsAbs(cfg.Manifest) {
		cfg.Manifest = filepath.Join(dir, cfg.Manifest)
	}
	if cfg.JournalDir != "" && !filepath.IsAbs(cfg.JournalDir) {
		cfg.JournalDir = filepath.Join(dir, cfg.JournalDir)
	}
	return cfg, nil
}

// Parse decodes and validates YAML config data.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the configuration. Returns all problems, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Size < 2 {
		errs = append(errs, fmt.Errorf("size must be at least 2, got %d", c.Size))
	}
	if c.Controller < 0 || (c.Size >= 2 && c.Controller >= c.Size) {
		errs = append(errs, fmt.Errorf("controller rank %d outside [0,%d)", c.Controller, c.Size))
	}
	switch c.Transport {
	case TransportMemory:
	case TransportTCP:
		if c.Addr == "" {
			errs = append(errs, errors.New("addr is required for the tcp transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportMemory, TransportTCP))
	}
	for name, d := range map[string]time.Duration{
		"call_timeout": c.CallTimeout,
		"idle_timeout": c.IdleTimeout,
		"stop_timeout": c.StopTimeout,
		"dial_timeout": c.DialTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// ValidateRank checks that r names a rank of the cluster.
func (c *Config) ValidateRank(r int) error {
	if r < 0 || r >= c.Size {
		return fmt.Errorf("rank %d outside [0,%d)", r, c.Size)
	}
	return nil
}

// JournalPath returns the journal database of rank r, or "" when
// journaling is disabled.
func (c *Config) JournalPath(r int) string {
	if c.JournalDir == "" {
		return ""
	}
	return filepath.Join(c.JournalDir, fmt.Sprintf("rank-%d.db", r))
}
