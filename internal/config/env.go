package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "QUILL_"

// envSetting binds an environment variable to a setting.
type envSetting struct {
	path string
	set  func(c *Config, value string) error
}

// envMapping maps environment variables to settings.
var envMapping = map[string]envSetting{
	"QUILL_PLUGINS_DIR":         {"plugins.dir", setString(func(c *Config) *string { return &c.Plugins.Dir })},
	"QUILL_HOST_VERSION":        {"plugins.host_version", setString(func(c *Config) *string { return &c.Plugins.HostVersion })},
	"QUILL_HOOK_TIMEOUT":        {"plugins.hook_timeout", setDuration(func(c *Config) *Duration { return &c.Plugins.HookTimeout })},
	"QUILL_INTERPRETER_WORKERS": {"plugins.interpreter_workers", setInt(func(c *Config) *int { return &c.Plugins.InterpreterWorkers })},
	"QUILL_FILE_OPS_PER_SECOND": {"plugins.file_ops_per_second", setInt(func(c *Config) *int { return &c.Plugins.FileOpsPerSecond })},
	"QUILL_VAULT_ID":            {"vault.id", setString(func(c *Config) *string { return &c.Vault.ID })},
	"QUILL_VAULT_ROOT":          {"vault.root", setString(func(c *Config) *string { return &c.Vault.Root })},
	"QUILL_VAULT_WATCH":         {"vault.watch", setBool(func(c *Config) *bool { return &c.Vault.Watch })},
	"QUILL_VAULT_DEBOUNCE":      {"vault.debounce", setDuration(func(c *Config) *Duration { return &c.Vault.Debounce })},
	"QUILL_LOG_LEVEL":           {"log.level", setString(func(c *Config) *string { return &c.Log.Level })},
	"QUILL_LOG_FORMAT":          {"log.format", setString(func(c *Config) *string { return &c.Log.Format })},
	"QUILL_METRICS_ADDR":        {"metrics.addr", setString(func(c *Config) *string { return &c.Metrics.Addr })},
}

// EnvVars returns the supported environment variables.
func EnvVars() []string {
	names := make([]string, 0, len(envMapping))
	for name := range envMapping {
		names = append(names, name)
	}
	return names
}

// applyEnv overrides settings from the environment. Empty values are
// treated as set.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for name, s := range envMapping {
		val, ok := lookup(name)
		if !ok {
			continue
		}
		if err := s.set(c, val); err != nil {
			return &ParseError{
				Path:    name,
				Message: fmt.Sprintf("%s: %v", s.path, err),
				Err:     err,
			}
		}
	}
	return nil
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func setDuration(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = Duration(d)
		return nil
	}
}

// setBool accepts the same spellings as the rest of the host's flags:
// true/false, yes/no, on/off and 1/0.
func setBool(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "on", "1":
			*field(c) = true
		case "false", "no", "off", "0":
			*field(c) = false
		default:
			return fmt.Errorf("invalid boolean %q", v)
		}
		return nil
	}
}
