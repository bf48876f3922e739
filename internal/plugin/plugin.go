package plugin

import (
	"encoding/json"

	"github.com/dshills/quillhost/internal/plugin/manifest"
)

// Plugin is the registry's mutable record for one installed plugin.
type Plugin struct {
	Manifest  *manifest.Manifest
	Path      string
	Enabled   bool
	State     State
	Config    json.RawMessage
	LastError string
}

// ID returns the manifest id.
func (p *Plugin) ID() string {
	return p.Manifest.ID
}

// Snapshot returns a copy that shares no mutable state with p.
func (p *Plugin) Snapshot() Plugin {
	out := *p
	out.Manifest = p.Manifest.Clone()
	if p.Config != nil {
		out.Config = append(json.RawMessage(nil), p.Config...)
	}
	return out
}

// Stats summarises the registry.
type Stats struct {
	Total   int `json:"total"`
	Enabled int `json:"enabled"`
	Loaded  int `json:"loaded"`
	Failed  int `json:"failed"`
}
