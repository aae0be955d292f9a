package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/pyem/config.json"
	defaultWorkers    = 4
)

// Config holds user-editable settings for the subtraction pipeline.
type Config struct {
	Processing  Processing  `json:"processing" yaml:"processing"`
	Subtraction Subtraction `json:"subtraction" yaml:"subtraction"`
	Logging     Logging     `json:"logging" yaml:"logging"`
	Paths       Paths       `json:"paths" yaml:"paths"`
	Server      Server      `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	Workers  int `json:"workers" yaml:"workers"`
	ChunkCap int `json:"chunk_cap" yaml:"chunk_cap"`
}

// Subtraction holds the default knobs for the subtract operation.
type Subtraction struct {
	MaxParticlesPerStack int     `json:"max_particles_per_stack" yaml:"max_particles_per_stack"`
	LowCutoff            float64 `json:"low_cutoff" yaml:"low_cutoff"`   // fraction of Nyquist corner
	HighCutoff           float64 `json:"high_cutoff" yaml:"high_cutoff"` // fraction of Nyquist corner
	Recenter             bool    `json:"recenter" yaml:"recenter"`
	KeepOriginal         bool    `json:"keep_original" yaml:"keep_original"`
	Direct               bool    `json:"direct" yaml:"direct"` // skip per-ring scale fitting
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default output locations.
type Paths struct {
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"` // empty disables the run ledger
}

// Server configures the monitor HTTP server and STAR file watcher.
type Server struct {
	Addr          string   `json:"addr" yaml:"addr"`
	WatchDirs     []string `json:"watch_dirs" yaml:"watch_dirs"`
	SettleSeconds int      `json:"settle_seconds" yaml:"settle_seconds"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// The file may be JSON or, with a .yaml/.yml extension, YAML.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("PYEM_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.HasSuffix(expanded, ".yaml") || strings.HasSuffix(expanded, ".yml") {
		err = yaml.NewDecoder(f).Decode(cfg)
	} else {
		err = json.NewDecoder(f).Decode(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}

	return cfg, nil
}

// Validate reports the first nonsensical setting found.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}
	if c.Processing.Workers < 0 {
		return fmt.Errorf("processing.workers %d is negative", c.Processing.Workers)
	}
	if c.Subtraction.MaxParticlesPerStack <= 0 {
		return fmt.Errorf("subtraction.max_particles_per_stack %d must be positive",
			c.Subtraction.MaxParticlesPerStack)
	}
	if c.Subtraction.LowCutoff < 0 || c.Subtraction.HighCutoff > 1 ||
		c.Subtraction.LowCutoff > c.Subtraction.HighCutoff {
		return fmt.Errorf("subtraction band [%g, %g] must satisfy 0 <= low <= high <= 1",
			c.Subtraction.LowCutoff, c.Subtraction.HighCutoff)
	}
	if c.Server.SettleSeconds < 0 {
		return fmt.Errorf("server.settle_seconds %d is negative", c.Server.SettleSeconds)
	}
	return nil
}

// AsYAML renders the effective configuration for display.
func (c *Config) AsYAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			Workers:  defaultWorkers,
			ChunkCap: 1000,
		},
		Subtraction: Subtraction{
			MaxParticlesPerStack: 65000,
			LowCutoff:            0,
			HighCutoff:           0.7071, // 1/sqrt2 of the corner radius, Nyquist on each axis
			Recenter:             false,
			KeepOriginal:         false,
			Direct:               false,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: ".",
			DatabasePath:  filepath.Join(os.TempDir(), "pyem.db"),
		},
		Server: Server{
			Addr:          ":8080",
			SettleSeconds: 2,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
