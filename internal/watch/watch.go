// Package watch turns file system changes in a vault into plugin events.
//
// An FSWatcher reports raw changes, a Debouncer coalesces bursts on the
// same path, and a Bridge translates the result into file_create,
// file_save, file_delete and file_rename events for the plugin registry.
package watch

import (
	"errors"
	"strings"
	"time"
)

// Errors returned by watchers.
var (
	ErrWatcherClosed = errors.New("watcher is closed")
	ErrPathNotExist  = errors.New("path does not exist")
)

// Op represents the type of file system operation.
type Op uint32

const (
	// OpCreate indicates a file or directory was created.
	OpCreate Op = 1 << iota
	// OpWrite indicates a file was written to.
	OpWrite
	// OpRemove indicates a file or directory was removed.
	OpRemove
	// OpRename indicates a file or directory was renamed away.
	OpRename
	// OpChmod indicates file permissions were changed.
	OpChmod
)

// String returns the set operations joined by "|".
func (op Op) String() string {
	var parts []string
	for _, o := range []struct {
		op   Op
		name string
	}{
		{OpCreate, "CREATE"},
		{OpWrite, "WRITE"},
		{OpRemove, "REMOVE"},
		{OpRename, "RENAME"},
		{OpChmod, "CHMOD"},
	} {
		if op.Has(o.op) {
			parts = append(parts, o.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}

// Has returns true if the operation includes the given op.
func (op Op) Has(o Op) bool {
	return op&o == o
}

// Event represents a file system change.
type Event struct {
	// Path is the absolute path of the affected file.
	Path string

	// Op is the operation, possibly several ops coalesced.
	Op Op

	// Timestamp is when the last change was seen.
	Timestamp time.Time
}

// Source produces file system events.
type Source interface {
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

// Config holds watcher configuration options.
type Config struct {
	// BufferSize is the size of the event and error channels.
	BufferSize int

	// Ignore holds doublestar patterns matched against slash-separated
	// paths relative to the watched root, e.g. "**/*.tmp".
	Ignore []string

	// IgnoreDirs are absolute directories whose contents are never reported.
	IgnoreDirs []string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
		Ignore:     []string{"**/*.swp", "**/*~", "**/*.tmp"},
	}
}

// Option configures a watcher.
type Option func(*Config)

// WithBufferSize sets the channel buffer size.
func WithBufferSize(size int) Option {
	return func(c *Config) {
		c.BufferSize = size
	}
}

// WithIgnore adds ignore patterns.
func WithIgnore(patterns ...string) Option {
	return func(c *Config) {
		c.Ignore = append(c.Ignore, patterns...)
	}
}

// WithIgnoreDirs adds directories to skip entirely.
func WithIgnoreDirs(dirs ...string) Option {
	return func(c *Config) {
		c.IgnoreDirs = append(c.IgnoreDirs, dirs...)
	}
}
