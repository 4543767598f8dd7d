package security

import (
	"fmt"
	"strings"
)

// PathValidator blocks file-access and path-traversal patterns in a URL's
// path and query values.
type PathValidator struct {
	blockedPatterns []string
	encodedPatterns []string
}

// NewPathValidator builds a validator with the engine's default blocked
// pattern list.
func NewPathValidator() *PathValidator {
	return &PathValidator{
		blockedPatterns: []string{
			"file://", "../", "..\\", "/etc/", "/proc/", "/sys/",
			"c:/", "c:\\", "\\\\.\\pipe\\",
		},
		encodedPatterns: []string{
			"%2e%2e/", "%2e%2e%2f", "..%2f", "%2e%2e\\", "%2e%2e%5c", "..%5c",
		},
	}
}

// Validate rejects a path (or query value) containing any blocked pattern.
func (v *PathValidator) Validate(path string) error {
	if path == "" {
		return nil
	}
	normalized := strings.ToLower(path)
	for _, pattern := range v.blockedPatterns {
		if strings.Contains(normalized, pattern) {
			return fmt.Errorf("path contains blocked pattern %q (security risk: file access attempt)", pattern)
		}
	}
	for _, pattern := range v.encodedPatterns {
		if strings.Contains(normalized, pattern) {
			return fmt.Errorf("path contains encoded attack pattern %q", pattern)
		}
	}
	return nil
}
