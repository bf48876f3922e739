// Package config loads the host configuration.
//
// Settings come from three layers, lowest priority first: built-in
// defaults, a TOML file, and QUILL_* environment variables. The merged
// result is validated before use.
//
// Example file:
//
//	[plugins]
//	dir = "/srv/vault/.quill/plugins"
//	hook_timeout = "2s"
//
//	[vault]
//	root = "/srv/vault"
//	watch = true
//	debounce = "150ms"
//	ignore = ["**/*.tmp"]
//
//	[log]
//	level = "debug"
//	format = "json"
//
//	[metrics]
//	addr = ":9090"
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/quillhost/internal/plugin/manifest"
	"github.com/dshills/quillhost/internal/plugin/security"
)

// DefaultPluginDir is the plugin directory relative to the vault root when
// plugins.dir is not set.
var DefaultPluginDir = filepath.Join(".quill", "plugins")

// Config is the complete host configuration.
type Config struct {
	Plugins PluginsConfig `toml:"plugins"`
	Vault   VaultConfig   `toml:"vault"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

// PluginsConfig configures plugin discovery and execution.
type PluginsConfig struct {
	// Dir is the plugin root. Empty means DefaultPluginDir under the vault.
	Dir string `toml:"dir"`

	// HostVersion is checked against manifest min_host_version.
	HostVersion string `toml:"host_version"`

	// HookTimeout bounds each plugin call. Zero disables it.
	HookTimeout Duration `toml:"hook_timeout"`

	// InterpreterWorkers is the number of concurrently executing Lua states.
	InterpreterWorkers int `toml:"interpreter_workers"`

	// MemoryPages caps WebAssembly linear memory in 64 KiB pages.
	MemoryPages uint32 `toml:"memory_pages"`

	// FileOpsPerSecond limits host file operations per plugin. Zero disables it.
	FileOpsPerSecond int `toml:"file_ops_per_second"`
}

// VaultConfig configures the note vault.
type VaultConfig struct {
	ID       string   `toml:"id"`
	Root     string   `toml:"root"`
	Watch    bool     `toml:"watch"`
	Debounce Duration `toml:"debounce"`
	Ignore   []string `toml:"ignore"`
}

// LogConfig configures the host logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig configures the prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	limits := security.DefaultResourceLimits()
	return &Config{
		Plugins: PluginsConfig{
			HostVersion:        "1.0.0",
			HookTimeout:        Duration(limits.HookTimeout),
			InterpreterWorkers: 4,
			MemoryPages:        limits.MemoryPages,
			FileOpsPerSecond:   limits.FileOpsPerSecond,
		},
		Vault: VaultConfig{
			ID:       "default",
			Root:     ".",
			Watch:    true,
			Debounce: Duration(100 * time.Millisecond),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the TOML file at path and the
// environment. An empty path or a missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := cfg.decode(path, data); err != nil {
				return nil, err
			}
		}
	}

	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML data over the defaults without consulting the
// environment, then validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode("<input>", data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(source string, data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return &ParseError{
				Path:    source,
				Message: strict.String(),
				Err:     fmt.Errorf("%w: %w", ErrUnknownSetting, err),
			}
		}
		pe := &ParseError{Path: source, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			pe.Line, pe.Column = derr.Position()
		}
		return pe
	}
	return nil
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var fields []FieldError
	add := func(path, format string, args ...any) {
		fields = append(fields, FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := manifest.ParseVersion(c.Plugins.HostVersion); err != nil {
		add("plugins.host_version", "%v", err)
	}
	if c.Plugins.HookTimeout < 0 {
		add("plugins.hook_timeout", "must not be negative")
	}
	if c.Plugins.InterpreterWorkers < 1 {
		add("plugins.interpreter_workers", "must be at least 1, got %d", c.Plugins.InterpreterWorkers)
	}
	if c.Plugins.MemoryPages == 0 || c.Plugins.MemoryPages > 65536 {
		add("plugins.memory_pages", "must be between 1 and 65536, got %d", c.Plugins.MemoryPages)
	}
	if c.Plugins.FileOpsPerSecond < 0 {
		add("plugins.file_ops_per_second", "must not be negative")
	}
	if c.Vault.ID == "" {
		add("vault.id", "must not be empty")
	}
	if c.Vault.Root == "" {
		add("vault.root", "must not be empty")
	}
	if c.Vault.Debounce < 0 {
		add("vault.debounce", "must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format", "must be text or json; got %q", c.Log.Format)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// PluginDir returns the plugin root, defaulting to DefaultPluginDir under
// the vault root.
func (c *Config) PluginDir() string {
	if c.Plugins.Dir != "" {
		return c.Plugins.Dir
	}
	return filepath.Join(c.Vault.Root, DefaultPluginDir)
}

// Limits returns the plugin resource limits described by the configuration.
func (c *Config) Limits() security.ResourceLimits {
	limits := security.DefaultResourceLimits()
	limits.HookTimeout = c.Plugins.HookTimeout.Std()
	limits.MemoryPages = c.Plugins.MemoryPages
	limits.FileOpsPerSecond = c.Plugins.FileOpsPerSecond
	return limits
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the duration in Go syntax.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
