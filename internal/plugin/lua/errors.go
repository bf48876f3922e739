package lua

import "errors"

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutorClosed is returned when attempting to use a closed executor.
	ErrExecutorClosed = errors.New("lua executor is closed")

	// ErrQueueFull is returned by ExecuteAsync when the executor is saturated.
	ErrQueueFull = errors.New("lua executor queue full")

	// ErrModuleNotFound is returned by require for modules outside the
	// plugin directory or missing from it.
	ErrModuleNotFound = errors.New("lua module not found")

	// ErrNotLoaded is returned when a runner is used before Load or after
	// Unload.
	ErrNotLoaded = errors.New("lua plugin is not loaded")
)
