package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/quillhost/internal/plugin/manifest"
)

// Loader discovers plugins in a plugin root directory. Every subdirectory
// holding a valid manifest.json is a plugin.
type Loader struct {
	root        string
	hostVersion string
	logger      *slog.Logger
}

// Candidate is one discovery result. Manifest is nil when Err is set.
type Candidate struct {
	Dir      string
	Manifest *manifest.Manifest
	Err      error
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHostVersion sets the version checked against min_host_version.
func WithHostVersion(v string) LoaderOption {
	return func(l *Loader) {
		l.hostVersion = v
	}
}

// WithLoaderLogger sets the logger used to report invalid plugins.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a loader for root.
func NewLoader(root string, opts ...LoaderOption) *Loader {
	l := &Loader{
		root:   root,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Root returns the plugin root directory.
func (l *Loader) Root() string {
	return l.root
}

// Scan inspects every subdirectory of the root and returns the results
// sorted by directory. A missing root yields no candidates.
func (l *Loader) Scan() ([]Candidate, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugin root: %w", err)
	}

	var out []Candidate
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(l.root, entry.Name())
		m, err := manifest.LoadDir(dir, l.hostVersion)
		out = append(out, Candidate{Dir: dir, Manifest: m, Err: err})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out, nil
}

// Discover returns the valid manifests under the root, sorted by id.
// Invalid plugins are logged and skipped. When two directories declare the
// same id the first directory wins.
func (l *Loader) Discover() ([]*manifest.Manifest, error) {
	candidates, err := l.Scan()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	var out []*manifest.Manifest
	for _, c := range candidates {
		if c.Err != nil {
			l.logger.Warn("skipping invalid plugin", "dir", c.Dir, "error", c.Err)
			continue
		}
		if first, dup := seen[c.Manifest.ID]; dup {
			l.logger.Warn("skipping duplicate plugin id", "id", c.Manifest.ID, "dir", c.Dir, "first", first)
			continue
		}
		seen[c.Manifest.ID] = c.Dir
		out = append(out, c.Manifest)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
