// Package runtime defines the contract between the plugin registry and the
// interpreters that execute plugin code.
//
// A Runner executes one plugin. The registry never looks inside a runner;
// it picks a Factory by the manifest's execution kind and from then on only
// calls Load, HandleEvent and Unload. Each runner owns its interpreter and
// must tolerate missing hooks: a plugin that defines no on_event simply
// ignores events.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dshills/quillhost/internal/plugin/event"
	"github.com/dshills/quillhost/internal/plugin/host"
	"github.com/dshills/quillhost/internal/plugin/manifest"
	"github.com/dshills/quillhost/internal/plugin/security"
)

// Runner executes the code of one loaded plugin.
type Runner interface {
	// Load starts the interpreter, evaluates the entry file and calls the
	// plugin's load hook.
	Load(ctx context.Context) error

	// Unload calls the plugin's unload hook and releases the interpreter.
	// A runner is not reused after Unload.
	Unload(ctx context.Context) error

	// HandleEvent delivers one event to the plugin's event hook.
	HandleEvent(ctx context.Context, ev event.Event) error
}

// Spec is everything a Factory needs to build a runner.
type Spec struct {
	Manifest *manifest.Manifest
	Dir      string
	API      *host.API
	Logger   *slog.Logger
	Limits   security.ResourceLimits
}

// InstallDir returns Dir, falling back to the directory the manifest was
// loaded from.
func (s Spec) InstallDir() string {
	if s.Dir != "" || s.Manifest == nil {
		return s.Dir
	}
	return s.Manifest.Dir()
}

// EntryPath returns the path of the plugin's entry file.
func (s Spec) EntryPath() string {
	if s.Manifest == nil {
		return ""
	}
	return filepath.Join(s.InstallDir(), s.Manifest.Main)
}

// ResolveEntry resolves EntryPath through symlinks and checks that the
// result stays inside the install directory.
func (s Spec) ResolveEntry() (string, error) {
	if s.Manifest == nil {
		return "", ErrEntryOutside
	}
	if !filepath.IsLocal(filepath.FromSlash(s.Manifest.Main)) {
		return "", fmt.Errorf("%w: %q", ErrEntryOutside, s.Manifest.Main)
	}
	root, err := filepath.EvalSymlinks(s.InstallDir())
	if err != nil {
		return "", err
	}
	entry, err := filepath.EvalSymlinks(s.EntryPath())
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, entry)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrEntryOutside, s.Manifest.Main)
	}
	return entry, nil
}

// PluginID returns the manifest id.
func (s Spec) PluginID() string {
	if s.Manifest == nil {
		return ""
	}
	return s.Manifest.ID
}

// Log returns the spec logger or the default logger.
func (s Spec) Log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Factory builds a runner for a plugin.
type Factory func(spec Spec) (Runner, error)

// ErrNoFactory is returned when no runner is registered for a kind.
var ErrNoFactory = errors.New("no runner for plugin kind")

// ErrNoAPI is returned by factories given a spec without a host API.
var ErrNoAPI = errors.New("runner spec has no host api")

// ErrEntryOutside is returned when a plugin's entry file resolves outside
// its install directory.
var ErrEntryOutside = errors.New("plugin entry is outside the install directory")

// ErrRunnerClosed is wrapped by HandleEvent when the interpreter shut
// itself down, for example after a hook timeout. The runner cannot be used
// again until the plugin is reloaded.
var ErrRunnerClosed = errors.New("plugin interpreter closed")

// LoadError reports a failure inside a runner phase.
type LoadError struct {
	Plugin string
	Phase  string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Phase, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError wraps err with the plugin and phase that failed. A nil err
// returns nil.
func NewLoadError(pluginID, phase string, err error) error {
	if err == nil {
		return nil
	}
	return &LoadError{Plugin: pluginID, Phase: phase, Err: err}
}
