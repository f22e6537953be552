package shared

import (
	"fmt"
	"strings"
)

// SingletonConflictError reports two eager populators for one slot. It is
// fatal at bootstrap: a silently-resolved singleton conflict is worse than a
// visible startup failure.
type SingletonConflictError struct {
	Library string
	Origins []string
}

// Error implements error.
func (e *SingletonConflictError) Error() string {
	return fmt.Sprintf("singleton conflict for %s: eager populators %s",
		e.Library, strings.Join(e.Origins, ", "))
}

// VersionError reports a version range no candidate (or the frozen instance)
// can satisfy.
type VersionError struct {
	Library string
	Version string
	Range   string
	Origin  string
}

// Error implements error.
func (e *VersionError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("shared library %s@%s does not satisfy range %s requested by %s",
			e.Library, e.Version, e.Range, e.Origin)
	}
	return fmt.Sprintf("no candidate for shared library %s satisfies %s", e.Library, e.Range)
}
