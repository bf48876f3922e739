package security

import "sync"

// PermissionChecker is the capability set granted to one plugin. Every
// gated host operation asks it before touching a resource.
type PermissionChecker struct {
	pluginID string

	mu      sync.RWMutex
	granted map[Capability]struct{}
}

// NewPermissionChecker creates a checker for pluginID with caps granted.
func NewPermissionChecker(pluginID string, caps ...Capability) *PermissionChecker {
	pc := &PermissionChecker{
		pluginID: pluginID,
		granted:  make(map[Capability]struct{}, len(caps)),
	}
	pc.Grant(caps...)
	return pc
}

// PluginID returns the plugin the checker belongs to.
func (pc *PermissionChecker) PluginID() string {
	return pc.pluginID
}

// Grant adds capabilities. Granting one never implies another.
func (pc *PermissionChecker) Grant(caps ...Capability) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, c := range caps {
		pc.granted[c] = struct{}{}
	}
}

// HasCapability reports whether c is granted.
func (pc *PermissionChecker) HasCapability(c Capability) bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	_, ok := pc.granted[c]
	return ok
}

// Check returns a *CapabilityError naming the plugin, capability and
// operation when c is not granted.
func (pc *PermissionChecker) Check(operation string, c Capability) error {
	if pc.HasCapability(c) {
		return nil
	}
	return NewCapabilityError(pc.pluginID, c, operation)
}

// Capabilities returns the granted set, sorted.
func (pc *PermissionChecker) Capabilities() []Capability {
	pc.mu.RLock()
	caps := make([]Capability, 0, len(pc.granted))
	for c := range pc.granted {
		caps = append(caps, c)
	}
	pc.mu.RUnlock()
	sortCapabilities(caps)
	return caps
}
