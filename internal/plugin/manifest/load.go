package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Validation errors.
var (
	ErrMissingID         = errors.New("manifest: id is required")
	ErrMissingName       = errors.New("manifest: name is required")
	ErrMissingMain       = errors.New("manifest: main is required")
	ErrInvalidMain       = errors.New("manifest: main must be a relative path inside the plugin directory")
	ErrInvalidVersion    = errors.New("manifest: version must be major.minor.patch")
	ErrIncompatibleHost  = errors.New("manifest: host version is too old")
	ErrInvalidKind       = errors.New("manifest: invalid plugin_type")
	ErrInvalidHook       = errors.New("manifest: invalid hook")
	ErrInvalidConstraint = errors.New("manifest: invalid version constraint")
	ErrInvalidSchema     = errors.New("manifest: invalid config_schema")
	ErrNotFound          = errors.New("manifest: not found")
)

// Load reads, parses and validates the manifest at path. hostVersion is
// the running application's version, checked against min_host_version.
func Load(path, hostVersion string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, err
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plugin directory: %w", err)
	}
	m.dir = dir

	if err := m.Validate(hostVersion); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadDir loads FileName from a plugin directory.
func LoadDir(dir, hostVersion string) (*Manifest, error) {
	return Load(filepath.Join(dir, FileName), hostVersion)
}

// Parse decodes a manifest and applies defaults without validating it.
// Unknown fields are ignored.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.applyDefaults()
	return &m, nil
}

// Validate checks the manifest in order: id, name, main, version, then
// min_host_version against hostVersion. Failing the host version check is
// an error, not a warning.
func (m *Manifest) Validate(hostVersion string) error {
	if m.ID == "" {
		return ErrMissingID
	}
	if m.Name == "" {
		return fmt.Errorf("%w (id: %s)", ErrMissingName, m.ID)
	}
	if m.Main == "" {
		return fmt.Errorf("%w (id: %s)", ErrMissingMain, m.ID)
	}
	if !filepath.IsLocal(filepath.FromSlash(m.Main)) {
		return fmt.Errorf("%w (id: %s): %q", ErrInvalidMain, m.ID, m.Main)
	}
	if _, err := ParseVersion(m.Version); err != nil {
		return fmt.Errorf("plugin %s: %w", m.ID, err)
	}

	if m.MinHostVersion != "" {
		minHost, err := ParseVersion(m.MinHostVersion)
		if err != nil {
			return fmt.Errorf("plugin %s: min_host_version: %w", m.ID, err)
		}
		host, err := ParseVersion(hostVersion)
		if err != nil {
			return fmt.Errorf("plugin %s: host version: %w", m.ID, err)
		}
		if host.Compare(minHost) < 0 {
			return fmt.Errorf("%w: plugin %s requires host >= %s, running %s",
				ErrIncompatibleHost, m.ID, minHost, host)
		}
	}

	if m.ConfigSchema != nil {
		if err := m.ConfigSchema.Check(); err != nil {
			return fmt.Errorf("%w: plugin %s: %v", ErrInvalidSchema, m.ID, err)
		}
	}
	return nil
}
