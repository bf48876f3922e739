package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// EnabledFileName is the file under the plugin root holding the enabled set.
const EnabledFileName = ".plugins_config.json"

type enabledFile struct {
	EnabledPlugins []string `json:"enabled_plugins"`
}

// EnabledStore persists the set of enabled plugin ids.
type EnabledStore struct {
	mu   sync.Mutex
	path string
}

// NewEnabledStore returns a store backed by EnabledFileName under root.
func NewEnabledStore(root string) *EnabledStore {
	return &EnabledStore{path: filepath.Join(root, EnabledFileName)}
}

// Path returns the backing file path.
func (s *EnabledStore) Path() string {
	return s.path
}

// Load returns the persisted set and whether this is a fresh install. A
// missing, unreadable or corrupt file reads as an empty set on the fresh
// install path. A valid file listing no plugins is not fresh.
func (s *EnabledStore) Load() (set map[string]bool, fresh bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set = make(map[string]bool)
	data, err := os.ReadFile(s.path)
	if err != nil {
		return set, true
	}

	var f enabledFile
	if err := json.Unmarshal(data, &f); err != nil {
		return set, true
	}
	for _, id := range f.EnabledPlugins {
		if id != "" {
			set[id] = true
		}
	}
	return set, false
}

// Save writes the set sorted, replacing the file atomically.
func (s *EnabledStore) Save(set map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(set))
	for id, on := range set {
		if on {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	data, err := json.MarshalIndent(enabledFile{EnabledPlugins: ids}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create plugin root: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write enabled plugins: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write enabled plugins: %w", err)
	}
	return nil
}
