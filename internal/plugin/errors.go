package plugin

import (
	"errors"
	"fmt"
)

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when no discovered plugin has the id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrPluginDisabled is returned when loading a disabled plugin.
	ErrPluginDisabled = errors.New("plugin is disabled")

	// ErrAlreadyLoading is returned when a load is already in progress.
	ErrAlreadyLoading = errors.New("plugin is already loading")

	// ErrDependencyNotFound is returned when a required dependency is not installed.
	ErrDependencyNotFound = errors.New("plugin dependency not found")

	// ErrCyclicDependency is returned when plugins have circular dependencies.
	ErrCyclicDependency = errors.New("cyclic plugin dependency detected")

	// ErrDependencyVersion is returned when an installed dependency does
	// not satisfy the requested constraint.
	ErrDependencyVersion = errors.New("plugin dependency version mismatch")

	// ErrRunnerPanic is returned when a runner call panics.
	ErrRunnerPanic = errors.New("plugin runner panicked")
)

// DependencyKind classifies a DependencyError.
type DependencyKind int

// Dependency failure kinds.
const (
	CycleDependency DependencyKind = iota
	MissingDependency
	VersionDependency
)

// DependencyError describes why a load order could not be resolved.
type DependencyError struct {
	Kind       DependencyKind
	Plugin     string
	Dependency string
	Constraint string
	Found      string
}

func (e *DependencyError) Error() string {
	switch e.Kind {
	case CycleDependency:
		return fmt.Sprintf("circular dependency detected involving plugin: %s", e.Plugin)
	case MissingDependency:
		return fmt.Sprintf("plugin %s depends on %s which is not installed", e.Plugin, e.Dependency)
	default:
		return fmt.Sprintf("plugin %s requires %s version %s, but found %s",
			e.Plugin, e.Dependency, e.Constraint, e.Found)
	}
}

// Unwrap returns the sentinel matching Kind.
func (e *DependencyError) Unwrap() error {
	switch e.Kind {
	case CycleDependency:
		return ErrCyclicDependency
	case MissingDependency:
		return ErrDependencyNotFound
	default:
		return ErrDependencyVersion
	}
}
