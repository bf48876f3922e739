package manifest

import (
	"encoding/json"
	"fmt"
)

// Hook names a lifecycle callback a plugin implements.
type Hook string

// Lifecycle hooks.
const (
	HookOnLoad         Hook = "on_load"
	HookOnUnload       Hook = "on_unload"
	HookOnFileOpen     Hook = "on_file_open"
	HookOnFileSave     Hook = "on_file_save"
	HookOnFileCreate   Hook = "on_file_create"
	HookOnFileDelete   Hook = "on_file_delete"
	HookOnFileRename   Hook = "on_file_rename"
	HookOnVaultSwitch  Hook = "on_vault_switch"
	HookOnEditorChange Hook = "on_editor_change"
	HookOnStartup      Hook = "on_startup"
	HookOnShutdown     Hook = "on_shutdown"
)

var knownHooks = map[Hook]bool{
	HookOnLoad:         true,
	HookOnUnload:       true,
	HookOnFileOpen:     true,
	HookOnFileSave:     true,
	HookOnFileCreate:   true,
	HookOnFileDelete:   true,
	HookOnFileRename:   true,
	HookOnVaultSwitch:  true,
	HookOnEditorChange: true,
	HookOnStartup:      true,
	HookOnShutdown:     true,
}

// IsValidHook returns true if h is a known hook.
func IsValidHook(h Hook) bool {
	return knownHooks[h]
}

// UnmarshalJSON rejects hook names outside the known set.
func (h *Hook) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !knownHooks[Hook(s)] {
		return fmt.Errorf("%w: %q", ErrInvalidHook, s)
	}
	*h = Hook(s)
	return nil
}
