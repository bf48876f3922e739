// Package storage provides the namespaced key-value store plugins use for
// their own data. Each plugin id owns one namespace; the host API always
// passes the calling plugin's id, so plugins cannot reach each other's
// keys. The store is in memory.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// ErrInvalidValue is returned when Set is given bytes that are not JSON.
var ErrInvalidValue = errors.New("storage: value is not valid JSON")

// Store maps plugin id -> key -> JSON value.
type Store struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]json.RawMessage
}

// New creates an empty store.
func New() *Store {
	return &Store{namespaces: make(map[string]map[string]json.RawMessage)}
}

// Get returns a copy of the value stored under key in pluginID's namespace.
func (s *Store) Get(pluginID, key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.namespaces[pluginID][key]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// Set stores value under key in pluginID's namespace.
func (s *Store) Set(pluginID, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return ErrInvalidValue
	}
	compact := new(bytes.Buffer)
	if err := json.Compact(compact, value); err != nil {
		return ErrInvalidValue
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[pluginID]
	if !ok {
		ns = make(map[string]json.RawMessage)
		s.namespaces[pluginID] = ns
	}
	ns[key] = compact.Bytes()
	return nil
}

// Delete removes key from pluginID's namespace. Missing keys are ignored.
func (s *Store) Delete(pluginID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[pluginID]
	if !ok {
		return
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(s.namespaces, pluginID)
	}
}

// Clear drops pluginID's whole namespace.
func (s *Store) Clear(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, pluginID)
}

// All returns a copy of pluginID's namespace. The result is nil when the
// namespace does not exist.
func (s *Store) All(pluginID string) map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.namespaces[pluginID]
	if !ok {
		return nil
	}
	out := make(map[string]json.RawMessage, len(ns))
	for k, v := range ns {
		out[k] = clone(v)
	}
	return out
}

// Keys returns the keys in pluginID's namespace, sorted.
func (s *Store) Keys(pluginID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.namespaces[pluginID]))
	for k := range s.namespaces[pluginID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clone(v json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), v...)
}
