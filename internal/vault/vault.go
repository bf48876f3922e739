// Package vault is the default file-access service plugins reach through
// the host API. A vault is a directory of notes identified by an id; every
// path a plugin supplies is relative to the vault root and is checked
// before any file is touched:
//
//   - absolute paths and ".." components are rejected
//   - the resolved path, after following symlinks, must stay under the root
//   - dot-files and dot-directories are hidden from listings
//
// Writes create missing parent directories.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/quillhost/internal/plugin/host"
)

// Errors returned by the service.
var (
	ErrUnknownVault = errors.New("vault: unknown vault")
	ErrInvalidPath  = errors.New("vault: invalid path")
	ErrOutsideVault = errors.New("vault: path escapes the vault")
	ErrNotFound     = errors.New("vault: file not found")
	ErrIsDirectory  = errors.New("vault: path is a directory")
	ErrNotDirectory = errors.New("vault: root is not a directory")
)

// Vault is a registered vault.
type Vault struct {
	ID   string
	Name string
	Root string
}

// Service implements host.FileService over one or more vault directories.
type Service struct {
	fs     FS
	logger *slog.Logger

	mu     sync.RWMutex
	vaults map[string]Vault
}

// Option configures a Service.
type Option func(*Service)

// WithFS replaces the OS file system.
func WithFS(fsys FS) Option {
	return func(s *Service) {
		s.fs = fsys
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a service with no vaults.
func NewService(opts ...Option) *Service {
	s := &Service{
		fs:     NewOSFS(),
		logger: slog.Default(),
		vaults: make(map[string]Vault),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ host.FileService = (*Service)(nil)

// AddVault registers root under id. The root must be an existing
// directory; it is stored with symlinks resolved.
func (s *Service) AddVault(id, root string) (Vault, error) {
	if id == "" {
		return Vault{}, fmt.Errorf("%w: empty vault id", ErrUnknownVault)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Vault{}, err
	}
	resolved, err := s.fs.EvalSymlinks(abs)
	if err != nil {
		return Vault{}, fmt.Errorf("vault %s: %w", id, err)
	}
	info, err := s.fs.Stat(resolved)
	if err != nil {
		return Vault{}, fmt.Errorf("vault %s: %w", id, err)
	}
	if !info.IsDir() {
		return Vault{}, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	v := Vault{ID: id, Name: filepath.Base(resolved), Root: resolved}
	s.mu.Lock()
	s.vaults[id] = v
	s.mu.Unlock()
	s.logger.Debug("vault added", "vault", id, "root", resolved)
	return v, nil
}

// Vault returns a registered vault.
func (s *Service) Vault(id string) (Vault, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vaults[id]
	return v, ok
}

// Resolve maps a vault-relative path to an absolute host path inside the
// vault root.
func (s *Service) Resolve(vaultID, rel string) (string, error) {
	v, ok := s.Vault(vaultID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownVault, vaultID)
	}
	clean, err := cleanRelative(rel)
	if err != nil {
		return "", err
	}
	full := filepath.Join(v.Root, filepath.FromSlash(clean))
	if err := s.checkContained(v.Root, full); err != nil {
		return "", err
	}
	return full, nil
}

// cleanRelative rejects absolute paths and any ".." component.
func cleanRelative(rel string) (string, error) {
	slashed := filepath.ToSlash(rel)
	if strings.TrimSpace(slashed) == "" || strings.ContainsRune(slashed, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	if path.IsAbs(slashed) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, rel)
	}
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrOutsideVault, rel)
		}
	}
	clean := path.Clean(slashed)
	if clean == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return clean, nil
}

// checkContained resolves symlinks on the deepest existing ancestor of
// full and requires the result to stay under root.
func (s *Service) checkContained(root, full string) error {
	existing := full
	for {
		if _, err := s.fs.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing || !within(root, parent) {
			return nil
		}
		existing = parent
	}
	resolved, err := s.fs.EvalSymlinks(existing)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if !within(root, resolved) {
		return fmt.Errorf("%w: %s", ErrOutsideVault, full)
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// ReadFile returns the content of a vault file.
func (s *Service) ReadFile(ctx context.Context, vaultID, rel string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.Resolve(vaultID, rel)
	if err != nil {
		return "", err
	}
	info, err := s.fs.Stat(full)
	if err != nil {
		return "", notFound(rel, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	data, err := s.fs.ReadFile(full)
	if err != nil {
		return "", notFound(rel, err)
	}
	return string(data), nil
}

// WriteFile writes content, creating parent directories as needed.
func (s *Service) WriteFile(ctx context.Context, vaultID, rel, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.Resolve(vaultID, rel)
	if err != nil {
		return err
	}
	if info, err := s.fs.Stat(full); err == nil && info.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	if err := s.fs.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("vault: create directories for %s: %w", rel, err)
	}
	if err := s.fs.WriteFile(full, []byte(content), 0644); err != nil {
		return fmt.Errorf("vault: write %s: %w", rel, err)
	}
	return nil
}

// DeleteFile removes a vault file. Directories are not deleted.
func (s *Service) DeleteFile(ctx context.Context, vaultID, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.Resolve(vaultID, rel)
	if err != nil {
		return err
	}
	info, err := s.fs.Lstat(full)
	if err != nil {
		return notFound(rel, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, rel)
	}
	if err := s.fs.Remove(full); err != nil {
		return fmt.Errorf("vault: delete %s: %w", rel, err)
	}
	return nil
}

// ListFiles returns the slash-separated relative path of every regular
// file in the vault, sorted. Dot-files and dot-directories are skipped.
func (s *Service) ListFiles(ctx context.Context, vaultID string) ([]string, error) {
	v, ok := s.Vault(vaultID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVault, vaultID)
	}

	var files []string
	err := s.fs.WalkDir(v.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("skipping unreadable path", "path", p, "error", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == v.Root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(v.Root, p)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// VaultInfo describes a vault and counts its visible files.
func (s *Service) VaultInfo(ctx context.Context, vaultID string) (host.VaultInfo, error) {
	v, ok := s.Vault(vaultID)
	if !ok {
		return host.VaultInfo{}, fmt.Errorf("%w: %s", ErrUnknownVault, vaultID)
	}
	files, err := s.ListFiles(ctx, vaultID)
	if err != nil {
		return host.VaultInfo{}, err
	}
	return host.VaultInfo{ID: v.ID, Name: v.Name, FileCount: len(files)}, nil
}

func notFound(rel string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	return fmt.Errorf("vault: %s: %w", rel, err)
}
