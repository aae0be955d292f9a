package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PYEM_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.Workers != defaultWorkers {
		t.Errorf("workers = %d, want %d", cfg.Processing.Workers, defaultWorkers)
	}
	if cfg.Subtraction.MaxParticlesPerStack != 65000 {
		t.Errorf("max particles per stack = %d, want 65000", cfg.Subtraction.MaxParticlesPerStack)
	}
	if cfg.Subtraction.HighCutoff != 0.7071 {
		t.Errorf("high cutoff = %g, want 0.7071", cfg.Subtraction.HighCutoff)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("server addr = %q", cfg.Server.Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config fails validation: %v", err)
	}
}

func TestLoadJSONOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"processing": {"workers": 12, "chunk_cap": 250},
		"subtraction": {"max_particles_per_stack": 100, "high_cutoff": 0.5, "recenter": true},
		"logging": {"level": "debug", "format": "json"}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PYEM_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.Workers != 12 || cfg.Processing.ChunkCap != 250 {
		t.Errorf("processing = %+v", cfg.Processing)
	}
	if cfg.Subtraction.MaxParticlesPerStack != 100 || cfg.Subtraction.HighCutoff != 0.5 {
		t.Errorf("subtraction = %+v", cfg.Subtraction)
	}
	if !cfg.Subtraction.Recenter {
		t.Error("recenter override lost")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.Addr != ":8080" {
		t.Errorf("server addr = %q, want default", cfg.Server.Addr)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "processing:\n  workers: 3\nserver:\n  addr: \":9000\"\n  watch_dirs: [/data/relion]\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PYEM_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.Workers != 3 {
		t.Errorf("workers = %d, want 3", cfg.Processing.Workers)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("server addr = %q, want :9000", cfg.Server.Addr)
	}
	if len(cfg.Server.WatchDirs) != 1 || cfg.Server.WatchDirs[0] != "/data/relion" {
		t.Errorf("watch dirs = %v", cfg.Server.WatchDirs)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PYEM_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted malformed JSON")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"negative workers", func(c *Config) { c.Processing.Workers = -1 }, "processing.workers"},
		{"zero stack cap", func(c *Config) { c.Subtraction.MaxParticlesPerStack = 0 }, "max_particles_per_stack"},
		{"inverted band", func(c *Config) {
			c.Subtraction.LowCutoff = 0.8
			c.Subtraction.HighCutoff = 0.2
		}, "band"},
		{"band above one", func(c *Config) { c.Subtraction.HighCutoff = 1.5 }, "band"},
		{"negative settle", func(c *Config) { c.Server.SettleSeconds = -2 }, "settle_seconds"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted bad config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestAsYAML(t *testing.T) {
	cfg := defaultConfig()
	out, err := cfg.AsYAML()
	if err != nil {
		t.Fatalf("AsYAML: %v", err)
	}
	for _, key := range []string{"processing:", "subtraction:", "logging:", "server:", "max_particles_per_stack: 65000"} {
		if !strings.Contains(out, key) {
			t.Errorf("rendered config missing %q:\n%s", key, out)
		}
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}

	got, err := expandUser("~/.config/pyem/config.json")
	if err != nil {
		t.Fatalf("expandUser: %v", err)
	}
	want := filepath.Join(home, ".config/pyem/config.json")
	if got != want {
		t.Errorf("expandUser = %q, want %q", got, want)
	}

	plain, err := expandUser("/etc/pyem.json")
	if err != nil {
		t.Fatalf("expandUser plain: %v", err)
	}
	if plain != "/etc/pyem.json" {
		t.Errorf("plain path changed: %q", plain)
	}
}
