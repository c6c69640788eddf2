// Package validation holds the low-level string/path safety checks shared by
// the workspace manager and the path resolver.
package validation

import (
	"fmt"
	"regexp"
)

// uuidRegex matches the standard UUIDv4 textual form used for workspace ids.
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidateWorkspaceID checks that id is a well-formed UUID.
func ValidateWorkspaceID(id string) error {
	if id == "" {
		return fmt.Errorf("workspace id cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid workspace id format: %s", id)
	}
	return nil
}

// ContainsDotDot reports whether path contains a ".." path segment, checked
// component-by-component rather than as a raw substring so that names like
// "a..b" are not rejected.
func ContainsDotDot(path string) bool {
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' || path[i] == '\\' {
			if path[start:i] == ".." {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// IsBasename reports whether value has no directory separators, i.e. it
// names a file directly inside some directory rather than a nested path.
func IsBasename(value string) bool {
	for _, c := range value {
		if c == '/' || c == '\\' {
			return false
		}
	}
	return value != ""
}
