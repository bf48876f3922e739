package vault

import (
	"io/fs"
	"os"
	"path/filepath"
)

// FS is the file system surface the vault service needs. Paths are
// absolute host paths; the service has already checked them.
type FS interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm fs.FileMode) error
	MkdirAll(path string, perm fs.FileMode) error
	Remove(path string) error
	Stat(path string) (fs.FileInfo, error)
	Lstat(path string) (fs.FileInfo, error)
	EvalSymlinks(path string) (string, error)
	WalkDir(root string, fn fs.WalkDirFunc) error
}

// OSFS implements FS using the operating system's file system.
type OSFS struct{}

// NewOSFS creates a new OS file system.
func NewOSFS() *OSFS {
	return &OSFS{}
}

var _ FS = (*OSFS)(nil)

// ReadFile reads the entire file content.
func (OSFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// WriteFile writes data to a file, creating it if necessary.
func (OSFS) WriteFile(path string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(path, data, perm)
}

// MkdirAll creates a directory and all parent directories.
func (OSFS) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }

// Remove removes a file or empty directory.
func (OSFS) Remove(path string) error { return os.Remove(path) }

// Stat returns file information, following symlinks.
func (OSFS) Stat(path string) (fs.FileInfo, error) { return os.Stat(path) }

// Lstat returns file information without following symlinks.
func (OSFS) Lstat(path string) (fs.FileInfo, error) { return os.Lstat(path) }

// EvalSymlinks resolves every symlink in path.
func (OSFS) EvalSymlinks(path string) (string, error) { return filepath.EvalSymlinks(path) }

// WalkDir walks the file tree rooted at root.
func (OSFS) WalkDir(root string, fn fs.WalkDirFunc) error { return filepath.WalkDir(root, fn) }
