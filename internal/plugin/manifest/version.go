package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed major.minor.patch version.
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// ParseVersion parses exactly three dot-separated non-negative integers.
// Pre-release and build suffixes are not accepted.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("%w: expected major.minor.patch, got %q", ErrInvalidVersion, s)
	}

	var nums [3]uint32
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q: component %q is not a non-negative integer", ErrInvalidVersion, s, part)
		}
		nums[i] = uint32(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParseVersion is like ParseVersion but panics on error.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 comparing v to other component by component.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return cmpUint(v.Major, other.Major)
	case v.Minor != other.Minor:
		return cmpUint(v.Minor, other.Minor)
	default:
		return cmpUint(v.Patch, other.Patch)
	}
}

func cmpUint(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Op is a version constraint operator.
type Op string

// Supported constraint operators.
const (
	OpExact Op = "="
	OpCaret Op = "^"
	OpTilde Op = "~"
	OpGTE   Op = ">="
)

// Constraint is a parsed dependency version requirement.
type Constraint struct {
	Op      Op
	Version Version
}

// ParseConstraint parses "1.2.3", "^1.2.3", "~1.2.3" or ">=1.2.3".
// A bare version is an exact match.
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Constraint{}, fmt.Errorf("%w: empty constraint", ErrInvalidConstraint)
	}

	op := OpExact
	vStr := s
	switch {
	case strings.HasPrefix(s, ">="):
		op, vStr = OpGTE, s[2:]
	case strings.HasPrefix(s, "^"):
		op, vStr = OpCaret, s[1:]
	case strings.HasPrefix(s, "~"):
		op, vStr = OpTilde, s[1:]
	}

	v, err := ParseVersion(strings.TrimSpace(vStr))
	if err != nil {
		return Constraint{}, fmt.Errorf("%w: %q: %v", ErrInvalidConstraint, s, err)
	}
	return Constraint{Op: op, Version: v}, nil
}

// Check reports whether v satisfies the constraint.
//
//	^1.2.3  same major, and minor.patch >= 2.3
//	~1.2.3  same major.minor, and patch >= 3
//	>=1.2.3 numeric triple comparison
//	1.2.3   exact
func (c Constraint) Check(v Version) bool {
	req := c.Version
	switch c.Op {
	case OpCaret:
		if v.Major != req.Major {
			return false
		}
		return v.Minor > req.Minor || (v.Minor == req.Minor && v.Patch >= req.Patch)
	case OpTilde:
		return v.Major == req.Major && v.Minor == req.Minor && v.Patch >= req.Patch
	case OpGTE:
		return v.Compare(req) >= 0
	default:
		return v == req
	}
}

// String returns the constraint in its source form.
func (c Constraint) String() string {
	if c.Op == OpExact {
		return c.Version.String()
	}
	return string(c.Op) + c.Version.String()
}

// Satisfies parses both arguments and reports whether version meets
// constraint.
func Satisfies(version, constraint string) (bool, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return false, err
	}
	c, err := ParseConstraint(constraint)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}
