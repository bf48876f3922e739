// Package security provides the capability model for the plugin system.
//
// Plugins declare capabilities in their manifest. At load time the
// declared set is granted to a PermissionChecker, and every host-API
// operation calls PermissionChecker.Check before touching any resource:
//
//	checker := security.NewPermissionChecker("word-count", m.Capabilities...)
//	if err := checker.Check("read_file", security.CapabilityReadFiles); err != nil {
//	    return err // *CapabilityError, errors.Is(err, security.ErrForbidden)
//	}
//
// The capability set is closed: read_files, write_files, delete_files,
// vault_metadata, network, storage, modify_ui, commands, editor_access
// and system_exec. Unknown strings fail manifest parsing.
//
// ResourceLimits carries the per-plugin limits the runners and the host
// API enforce: hook timeout, WebAssembly memory, file operation rate and
// log size.
package security
