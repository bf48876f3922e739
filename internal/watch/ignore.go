package watch

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ignorer decides which paths under a root are never reported: anything
// with a dot-prefixed component, anything inside an ignored directory, and
// anything matching an ignore pattern.
type ignorer struct {
	root     string
	dirs     []string
	patterns []string
}

func newIgnorer(root string, cfg Config) *ignorer {
	ig := &ignorer{root: root}
	for _, d := range cfg.IgnoreDirs {
		if abs, err := filepath.Abs(d); err == nil {
			ig.dirs = append(ig.dirs, abs)
		}
	}
	for _, p := range cfg.Ignore {
		if doublestar.ValidatePattern(p) {
			ig.patterns = append(ig.patterns, p)
		}
	}
	return ig
}

// Rel returns the slash-separated path of p relative to the root, or false
// when p is outside it.
func (ig *ignorer) Rel(p string) (string, bool) {
	rel, err := filepath.Rel(ig.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (ig *ignorer) Match(p string) bool {
	for _, d := range ig.dirs {
		if p == d || strings.HasPrefix(p, d+string(filepath.Separator)) {
			return true
		}
	}

	rel, ok := ig.Rel(p)
	if !ok {
		return true
	}
	if rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	for _, pattern := range ig.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
