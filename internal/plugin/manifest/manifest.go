// Package manifest defines plugin metadata and reads it from disk.
package manifest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/dshills/quillhost/internal/plugin/schema"
	"github.com/dshills/quillhost/internal/plugin/security"
)

// FileName is the manifest file expected at the root of a plugin directory.
const FileName = "manifest.json"

// Manifest describes a plugin's identity, entry point and requirements.
type Manifest struct {
	// Identity
	ID          string `json:"id"`      // Unique identifier (e.g., "com.example.word-count")
	Name        string `json:"name"`    // Human-readable name
	Version     string `json:"version"` // major.minor.patch
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	License     string `json:"license,omitempty"` // SPDX license identifier
	Homepage    string `json:"homepage,omitempty"`

	// Entry point, relative to the plugin directory
	Main string `json:"main"`
	Kind Kind   `json:"plugin_type"`

	// Stylesheets for UI clients, relative to the plugin directory
	Styles []string `json:"styles"`

	// Requirements
	MinHostVersion string            `json:"min_host_version,omitempty"`
	Dependencies   map[string]string `json:"dependencies"` // plugin id -> version constraint

	Capabilities []security.Capability `json:"capabilities"`
	Hooks        []Hook                `json:"hooks"`

	ConfigSchema *schema.Schema `json:"config_schema,omitempty"`

	// Internal: path to the plugin directory
	dir string
}

// Kind selects the runner that executes a plugin.
type Kind string

// Execution kinds.
const (
	// KindVM is a WebAssembly module executed in a sandboxed VM.
	KindVM Kind = "vm-bytecode"

	// KindScript is a script executed by the embedded interpreter.
	KindScript Kind = "embedded-script"
)

// DefaultKind is used when a manifest omits plugin_type.
const DefaultKind = KindScript

var kindAliases = map[string]Kind{
	string(KindVM):     KindVM,
	string(KindScript): KindScript,
	"wasm":             KindVM,
	"lua":              KindScript,
}

// UnmarshalJSON accepts the canonical kind names and the short aliases
// "wasm" and "lua".
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*k = ""
		return nil
	}
	kind, ok := kindAliases[s]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	*k = kind
	return nil
}

// Dir returns the plugin directory the manifest was loaded from.
func (m *Manifest) Dir() string {
	return m.dir
}

// MainPath returns the absolute path of the entry point.
func (m *Manifest) MainPath() string {
	return filepath.Join(m.dir, m.Main)
}

// ParsedVersion returns the manifest version. Manifests returned by Load
// always have a valid version.
func (m *Manifest) ParsedVersion() (Version, error) {
	return ParseVersion(m.Version)
}

// HasCapability returns true if the plugin declares the capability.
func (m *Manifest) HasCapability(cap security.Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasHook returns true if the plugin declares the hook.
func (m *Manifest) HasHook(h Hook) bool {
	for _, hook := range m.Hooks {
		if hook == h {
			return true
		}
	}
	return false
}

// DependencyIDs returns the ids of declared dependencies, sorted.
func (m *Manifest) DependencyIDs() []string {
	ids := make([]string, 0, len(m.Dependencies))
	for id := range m.Dependencies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s (%s)", m.Name, m.Version, m.ID)
}

func (m *Manifest) applyDefaults() {
	if m.Kind == "" {
		m.Kind = DefaultKind
	}
	if m.Styles == nil {
		m.Styles = []string{}
	}
	if m.Dependencies == nil {
		m.Dependencies = map[string]string{}
	}
	if m.Capabilities == nil {
		m.Capabilities = []security.Capability{}
	}
	if m.Hooks == nil {
		m.Hooks = []Hook{}
	}
}

// Clone creates a deep copy of the manifest. The config schema is shared;
// schemas are never mutated after load.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	clone.Styles = append([]string(nil), m.Styles...)
	clone.Capabilities = append([]security.Capability(nil), m.Capabilities...)
	clone.Hooks = append([]Hook(nil), m.Hooks...)

	if m.Dependencies != nil {
		clone.Dependencies = make(map[string]string, len(m.Dependencies))
		for k, v := range m.Dependencies {
			clone.Dependencies[k] = v
		}
	}

	return &clone
}
