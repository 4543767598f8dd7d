// Package security guards outbound webhook dispatch against SSRF: only
// http/https to a public, non-loopback, non-private host is allowed.
package security

import (
	"fmt"
	"strings"
)

// ProtocolValidator restricts URL schemes to http/https.
type ProtocolValidator struct {
	allowed map[string]bool
}

// NewProtocolValidator builds a validator permitting only http and https.
func NewProtocolValidator() *ProtocolValidator {
	return &ProtocolValidator{allowed: map[string]bool{"http": true, "https": true}}
}

// Validate rejects every scheme except http/https.
func (v *ProtocolValidator) Validate(scheme string) error {
	s := strings.ToLower(strings.TrimSpace(scheme))
	if s == "" {
		return fmt.Errorf("protocol scheme is required")
	}
	if !v.allowed[s] {
		return fmt.Errorf("protocol %q is not allowed (only http/https permitted)", scheme)
	}
	return nil
}
