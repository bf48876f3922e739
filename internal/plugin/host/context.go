package host

import (
	"github.com/dshills/quillhost/internal/plugin/manifest"
	"github.com/dshills/quillhost/internal/plugin/security"
)

// Context is built once per load and identifies the plugin behind every
// host call. Granted starts as the declared capability set but is a
// separate value so an operator can narrow it before the plugin runs.
type Context struct {
	PluginID string
	VaultID  string
	Granted  *security.PermissionChecker
}

// NewContext grants every capability the manifest declares.
func NewContext(m *manifest.Manifest, vaultID string) Context {
	return Context{
		PluginID: m.ID,
		VaultID:  vaultID,
		Granted:  security.NewPermissionChecker(m.ID, m.Capabilities...),
	}
}
