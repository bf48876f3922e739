package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateUnloaded - Plugin is enabled but no runner is live.
	StateUnloaded State = iota

	// StateLoading - A runner is being created and its load hook run.
	StateLoading

	// StateLoaded - The runner is live and receives events.
	StateLoaded

	// StateFailed - The last load attempt failed. See Plugin.LastError.
	StateFailed

	// StateDisabled - The plugin is installed but switched off.
	StateDisabled
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// States lists every state in declaration order.
func States() []State {
	return []State{StateUnloaded, StateLoading, StateLoaded, StateFailed, StateDisabled}
}
