package plugin

import (
	"sort"

	"github.com/dshills/quillhost/internal/plugin/manifest"
)

type mark int

const (
	unvisited mark = iota
	visiting
	visited
)

// Resolve returns plugin ids ordered so that every plugin follows its
// dependencies. Ids and dependency keys are walked in sorted order, so the
// result is deterministic. The error is a *DependencyError.
func Resolve(manifests []*manifest.Manifest) ([]string, error) {
	byID := make(map[string]*manifest.Manifest, len(manifests))
	ids := make([]string, 0, len(manifests))
	for _, m := range manifests {
		if _, dup := byID[m.ID]; !dup {
			ids = append(ids, m.ID)
		}
		byID[m.ID] = m
	}
	sort.Strings(ids)

	marks := make(map[string]mark, len(ids))
	order := make([]string, 0, len(ids))

	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case visited:
			return nil
		case visiting:
			return &DependencyError{Kind: CycleDependency, Plugin: id}
		}
		marks[id] = visiting

		m := byID[id]
		for _, dep := range m.DependencyIDs() {
			target, ok := byID[dep]
			if !ok {
				return &DependencyError{Kind: MissingDependency, Plugin: id, Dependency: dep}
			}
			if err := checkDependencyVersion(m, target, dep); err != nil {
				return err
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		marks[id] = visited
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// checkDependencyVersion treats an unparsable constraint or installed
// version as a mismatch.
func checkDependencyVersion(m, target *manifest.Manifest, dep string) error {
	constraint := m.Dependencies[dep]
	ok, err := manifest.Satisfies(target.Version, constraint)
	if err == nil && ok {
		return nil
	}
	return &DependencyError{
		Kind:       VersionDependency,
		Plugin:     m.ID,
		Dependency: dep,
		Constraint: constraint,
		Found:      target.Version,
	}
}
